package nsfw

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func fakeFactory(backends ...Backend) BoundaryOption {
	return WithFactory(NewFactory(quietLogger(), backends...))
}

func TestBoundaryPingSequence(t *testing.T) {
	srv := newModelServer(t, []byte("model"))
	cfg := testConfig(t, srv.URL+"/model.onnx")
	p := startBoundary(t, cfg, fakeFactory(&fakeBackend{name: "fake", engine: &fakeEngine{logits: []float32{0, 1}}}))

	pong := p.ready(t)
	if !pong.Success || pong.Device != "fake" {
		t.Fatalf("Expected successful pong on fake, got %+v", pong)
	}

	// later pings are answered straight away
	p.send(t, MsgPing, nil)
	if err := p.expect(t, MsgPong).Decode(&pong); err != nil || !pong.Success {
		t.Errorf("Expected second pong success, got %+v %v", pong, err)
	}
	if srv.hits.Load() != 1 {
		t.Errorf("Expected 1 download, got %d", srv.hits.Load())
	}
}

func TestBoundaryConcurrentPingsInitialiseOnce(t *testing.T) {
	srv := newModelServer(t, []byte("model"))
	cfg := testConfig(t, srv.URL+"/model.onnx")
	backend := &fakeBackend{name: "fake", engine: &fakeEngine{logits: []float32{0, 1}}}
	p := startBoundary(t, cfg, fakeFactory(backend))

	for i := 0; i < 3; i++ {
		p.send(t, MsgPing, nil)
	}

	counts := map[string]int{}
	for counts[MsgPong] < 3 {
		m := p.next(t)
		counts[m.Type]++
		if m.Type == MsgPong {
			var pong Pong
			m.Decode(&pong)
			if !pong.Success {
				t.Fatalf("Expected success, got %+v", pong)
			}
		}
	}
	if counts[MsgDownloadInProgress] != 1 || counts[MsgLoadingInProgress] != 1 {
		t.Errorf("Expected one progress message per phase, got %v", counts)
	}
	if srv.hits.Load() != 1 || backend.opens.Load() != 1 {
		t.Errorf("Expected a single initialisation, got %d downloads %d opens", srv.hits.Load(), backend.opens.Load())
	}
}

func TestBoundaryClassifyBeforeReady(t *testing.T) {
	srv := newModelServer(t, []byte("model"))
	cfg := testConfig(t, srv.URL+"/model.onnx")
	p := startBoundary(t, cfg, fakeFactory(&fakeBackend{name: "fake", engine: &fakeEngine{}}))

	p.send(t, MsgClassify, ClassifyRequest{TensorData: testTensor().Data, Shape: testShape})
	p.expectError(t, CodeNotReady)

	p.send(t, MsgStats, nil)
	var s Stats
	if err := p.expect(t, MsgStats).Decode(&s); err != nil {
		t.Fatalf("Decode stats: %v", err)
	}
	if s.State != StateUninitialized.String() || s.Device != "unknown" {
		t.Errorf("Unexpected stats %+v", s)
	}
	if srv.hits.Load() != 0 {
		t.Error("Classify must not trigger initialisation")
	}
}

func TestBoundaryInitFailure(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		backend *fakeBackend
		reason  string
	}{
		{
			name:    "no backend",
			status:  200,
			backend: &fakeBackend{name: "fake", openErr: errors.New("no provider")},
			reason:  "all backends failed",
		},
		{
			name:    "download",
			status:  404,
			backend: &fakeBackend{name: "fake", engine: &fakeEngine{}},
			reason:  "bad status 404",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newModelServer(t, []byte("model"))
			srv.setStatus(tt.status)
			cfg := testConfig(t, srv.URL+"/model.onnx")
			p := startBoundary(t, cfg, fakeFactory(tt.backend))

			p.send(t, MsgPing, nil)
			p.expect(t, MsgDownloadInProgress)
			pong := p.pong(t)
			if pong.Success || !strings.Contains(pong.Error, tt.reason) {
				t.Fatalf("Expected failure containing %q, got %+v", tt.reason, pong)
			}

			// failure is terminal
			p.send(t, MsgPing, nil)
			p.expect(t, MsgPong).Decode(&pong)
			if pong.Success {
				t.Error("Expected failed boundary to keep failing")
			}
			p.send(t, MsgClassify, ClassifyRequest{TensorData: testTensor().Data, Shape: testShape})
			p.expectError(t, CodeNotReady)
		})
	}
}

func TestBoundaryInitTimeout(t *testing.T) {
	srv := newModelServer(t, []byte("model"))
	cfg := testConfig(t, srv.URL+"/model.onnx")
	cfg.InitTimeout = 50 * time.Millisecond
	p := startBoundary(t, cfg, fakeFactory(&fakeBackend{name: "fake", blocks: true}))

	p.send(t, MsgPing, nil)
	pong := p.pong(t)
	if pong.Success || !strings.Contains(pong.Error, "timed out") {
		t.Errorf("Expected timeout failure, got %+v", pong)
	}
}

func TestBoundaryClassify(t *testing.T) {
	srv := newModelServer(t, []byte("model"))
	cfg := testConfig(t, srv.URL+"/model.onnx")
	engine := &fakeEngine{logits: []float32{2, 0}}
	p := startBoundary(t, cfg, fakeFactory(&fakeBackend{name: "fake", engine: engine}))
	p.ready(t)

	// shape mismatch leaves the boundary usable
	p.send(t, MsgClassify, ClassifyRequest{TensorData: make([]float32, 4), Shape: []int64{2, 2}})
	p.expectError(t, CodeShapeMismatch)
	p.send(t, MsgClassify, ClassifyRequest{TensorData: make([]float32, 3), Shape: testShape})
	p.expectError(t, CodeShapeMismatch)

	p.send(t, MsgClassify, ClassifyRequest{TensorData: testTensor().Data, Shape: testShape})
	var res ClassifyResults
	if err := p.expect(t, MsgClassifyResults).Decode(&res); err != nil {
		t.Fatalf("Decode results: %v", err)
	}
	if len(res.Logits) != 2 || res.Logits[0] != 2 {
		t.Errorf("Unexpected logits %v", res.Logits)
	}
	if len(res.Probabilities) != 2 || !almostEqual(res.Probabilities[0], 0.880797, 1e-5) {
		t.Errorf("Unexpected probabilities %v", res.Probabilities)
	}
	if res.DurationMs < 0 {
		t.Errorf("Negative duration %f", res.DurationMs)
	}

	p.send(t, MsgStats, nil)
	var s Stats
	p.expect(t, MsgStats).Decode(&s)
	if s.State != "ready" || s.Device != "fake" || s.Classifications != 1 {
		t.Errorf("Unexpected stats %+v", s)
	}
	if len(s.DownloadDurations) != 1 || len(s.ProcessingDurations) != 1 || s.CacheHit {
		t.Errorf("Unexpected durations in %+v", s)
	}
	if engine.runs.Load() != 1 {
		t.Errorf("Expected 1 engine run, got %d", engine.runs.Load())
	}
}

func TestBoundaryRejectsOverlappingClassify(t *testing.T) {
	srv := newModelServer(t, []byte("model"))
	cfg := testConfig(t, srv.URL+"/model.onnx")
	engine := &fakeEngine{logits: []float32{0, 1}, gate: make(chan struct{})}
	p := startBoundary(t, cfg, fakeFactory(&fakeBackend{name: "fake", engine: engine}))
	p.ready(t)

	req := ClassifyRequest{TensorData: testTensor().Data, Shape: testShape}
	p.send(t, MsgClassify, req)
	p.send(t, MsgClassify, req)
	p.expectError(t, CodeBusy)

	close(engine.gate)
	p.expect(t, MsgClassifyResults)
	if engine.maxSeen.Load() != 1 {
		t.Errorf("Expected at most one concurrent run, saw %d", engine.maxSeen.Load())
	}
}

func TestBoundaryNonFiniteLogits(t *testing.T) {
	srv := newModelServer(t, []byte("model"))
	cfg := testConfig(t, srv.URL+"/model.onnx")
	engine := &fakeEngine{logits: []float32{float32(math.NaN()), 1}}
	p := startBoundary(t, cfg, fakeFactory(&fakeBackend{name: "fake", engine: engine}))
	p.ready(t)

	p.send(t, MsgClassify, ClassifyRequest{TensorData: testTensor().Data, Shape: testShape})
	p.expectError(t, CodeNonFinite)
}

func TestBoundaryInferenceFailure(t *testing.T) {
	srv := newModelServer(t, []byte("model"))
	cfg := testConfig(t, srv.URL+"/model.onnx")
	engine := &fakeEngine{err: errors.New("kernel crashed")}
	p := startBoundary(t, cfg, fakeFactory(&fakeBackend{name: "fake", engine: engine}))
	p.ready(t)

	p.send(t, MsgClassify, ClassifyRequest{TensorData: testTensor().Data, Shape: testShape})
	e := p.expectError(t, CodeInferenceFailed)
	if !strings.Contains(e.Message, "kernel crashed") {
		t.Errorf("Expected engine error in message, got %q", e.Message)
	}
}

func TestBoundaryRunTimeout(t *testing.T) {
	srv := newModelServer(t, []byte("model"))
	cfg := testConfig(t, srv.URL+"/model.onnx")
	cfg.RunTimeout = 50 * time.Millisecond
	engine := &fakeEngine{logits: []float32{0, 1}, gate: make(chan struct{})}
	p := startBoundary(t, cfg, fakeFactory(&fakeBackend{name: "fake", engine: engine}))
	p.ready(t)

	p.send(t, MsgClassify, ClassifyRequest{TensorData: testTensor().Data, Shape: testShape})
	p.expectError(t, CodeTimeout)

	var pong Pong
	p.send(t, MsgPing, nil)
	p.expect(t, MsgPong).Decode(&pong)
	if pong.Success {
		t.Error("Expected boundary to be failed after a run timeout")
	}

	// the stuck run still releases the engine when it returns
	close(engine.gate)
	deadline := time.Now().Add(2 * time.Second)
	for !engine.closed.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !engine.closed.Load() {
		t.Error("Expected engine to be closed after the abandoned run returned")
	}
}

func TestBoundaryUnknownType(t *testing.T) {
	srv := newModelServer(t, []byte("model"))
	p := startBoundary(t, testConfig(t, srv.URL+"/model.onnx"), fakeFactory())

	p.send(t, "reboot", nil)
	e := p.expectError(t, CodeUnknownType)
	if e.Request != "reboot" {
		t.Errorf("Expected request echo, got %q", e.Request)
	}
}

func TestBoundarySurvivesMalformedFrame(t *testing.T) {
	srv := newModelServer(t, []byte("model"))
	engine := &fakeEngine{logits: []float32{0, 1}}
	p := startBoundary(t, testConfig(t, srv.URL+"/model.onnx"), fakeFactory(&fakeBackend{name: "fake", engine: engine}))
	p.ready(t)

	// 0xc1 is never used by msgpack
	frame := []byte{0, 0, 0, 3, 0xc1, 0xc1, 0xc1}
	if _, err := p.conn.rwc.Write(frame); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	e := p.expectError(t, CodeBadRequest)
	if e.Request != "" {
		t.Errorf("Expected no request echo, got %q", e.Request)
	}

	p.send(t, MsgClassify, ClassifyRequest{TensorData: testTensor().Data, Shape: testShape})
	p.expect(t, MsgClassifyResults)
	if engine.closed.Load() {
		t.Error("Engine closed after a malformed frame")
	}
}

func TestBoundaryShutdownReleasesEngine(t *testing.T) {
	srv := newModelServer(t, []byte("model"))
	engine := &fakeEngine{logits: []float32{0, 1}}
	p := startBoundary(t, testConfig(t, srv.URL+"/model.onnx"), fakeFactory(&fakeBackend{name: "fake", engine: engine}))
	p.ready(t)

	p.send(t, MsgShutdown, nil)
	p.wait(t)
	if p.serveErr != nil {
		t.Errorf("Serve returned %v", p.serveErr)
	}
	if !engine.closed.Load() {
		t.Error("Expected engine to be closed on shutdown")
	}
}

func TestBoundaryUsesCache(t *testing.T) {
	srv := newModelServer(t, []byte("model"))
	cfg := testConfig(t, srv.URL+"/model.onnx")
	backend := &fakeBackend{name: "fake", engine: &fakeEngine{logits: []float32{0, 1}}}

	first := startBoundary(t, cfg, fakeFactory(backend))
	first.ready(t)
	first.send(t, MsgShutdown, nil)
	first.wait(t)

	second := startBoundary(t, cfg, fakeFactory(backend))
	second.ready(t)
	second.send(t, MsgStats, nil)
	var s Stats
	second.expect(t, MsgStats).Decode(&s)
	if !s.CacheHit {
		t.Error("Expected second boundary to hit the cache")
	}
	if srv.hits.Load() != 1 {
		t.Errorf("Expected 1 download across boundaries, got %d", srv.hits.Load())
	}
}

func TestBoundaryJSONCodecAndBoltCache(t *testing.T) {
	srv := newModelServer(t, []byte("model"))
	cfg := testConfig(t, srv.URL+"/model.onnx")
	cfg.Codec = CodecJSON
	cfg.CacheDriver = CacheDriverBolt
	p := startBoundary(t, cfg, fakeFactory(&fakeBackend{name: "fake", engine: &fakeEngine{logits: []float32{1, 1}}}))

	if pong := p.ready(t); !pong.Success {
		t.Fatalf("Expected success, got %+v", pong)
	}
	p.send(t, MsgClassify, ClassifyRequest{TensorData: testTensor().Data, Shape: testShape})
	var res ClassifyResults
	p.expect(t, MsgClassifyResults).Decode(&res)
	if !almostEqual(res.Probabilities[0], 0.5, 1e-9) {
		t.Errorf("Unexpected probabilities %v", res.Probabilities)
	}
}
