package nsfw

import (
	"context"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

var testShape = []int64{1, 4}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fakeEngine returns fixed logits. When gate is set every Run waits on it.
type fakeEngine struct {
	logits []float32
	err    error
	gate   chan struct{}

	runs    atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
	closed  atomic.Bool
}

func (e *fakeEngine) Inputs() []TensorInfo {
	return []TensorInfo{{Name: DefaultInputName, Shape: testShape}}
}

func (e *fakeEngine) Outputs() []TensorInfo {
	return []TensorInfo{{Name: DefaultOutputName, Shape: []int64{1, -1}}}
}

func (e *fakeEngine) Run(_ context.Context, _ map[string]Tensor) (map[string]Tensor, error) {
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		m := e.maxSeen.Load()
		if n <= m || e.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	e.runs.Add(1)
	if e.gate != nil {
		<-e.gate
	}
	if e.err != nil {
		return nil, e.err
	}
	return map[string]Tensor{
		DefaultOutputName: {Shape: []int64{1, int64(len(e.logits))}, Data: e.logits},
	}, nil
}

func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

// fakeBackend opens its engine, fails, panics or blocks until ctx ends.
type fakeBackend struct {
	name    string
	engine  *fakeEngine
	openErr error
	panics  bool
	blocks  bool

	opens atomic.Int32
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Open(ctx context.Context, _ *Artifact) (Engine, error) {
	b.opens.Add(1)
	switch {
	case b.panics:
		panic("native binding exploded")
	case b.blocks:
		<-ctx.Done()
		return nil, ctx.Err()
	case b.openErr != nil:
		return nil, b.openErr
	}
	return b.engine, nil
}

// modelServer serves body for every request and counts hits.
type modelServer struct {
	*httptest.Server
	hits atomic.Int32

	mu     sync.Mutex
	status int
	body   []byte
}

func newModelServer(t *testing.T, body []byte) *modelServer {
	t.Helper()
	s := &modelServer{status: http.StatusOK, body: body}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.mu.Lock()
		status, body := s.status, s.body
		s.mu.Unlock()
		w.WriteHeader(status)
		w.Write(body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *modelServer) setStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

func testConfig(t *testing.T, modelURL string) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ModelURL = modelURL
	cfg.ModelName = "model.onnx"
	cfg.CacheDir = t.TempDir()
	cfg.CacheDriver = CacheDriverDir
	cfg.SkipCache = false
	cfg.Backends = []string{"fake"}
	cfg.InputShape = append([]int64(nil), testShape...)
	cfg.InitTimeout = 5 * time.Second
	cfg.RunTimeout = 5 * time.Second
	cfg.Codec = CodecMsgpack
	return cfg
}

func testTensor() Tensor {
	return Tensor{Shape: append([]int64(nil), testShape...), Data: []float32{0.1, 0.2, 0.3, 0.4}}
}

// peer drives a boundary over an in-memory pipe and buffers what it sends.
type peer struct {
	conn     *Conn
	msgs     chan Message
	served   chan struct{}
	serveErr error
}

func startBoundary(t *testing.T, cfg Config, opts ...BoundaryOption) *peer {
	t.Helper()
	opts = append([]BoundaryOption{WithBoundaryLogger(quietLogger())}, opts...)
	b, err := NewBoundary(cfg, opts...)
	if err != nil {
		t.Fatalf("NewBoundary failed: %v", err)
	}
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}

	client, server := net.Pipe()
	p := &peer{
		conn:   NewConn(client, codec),
		msgs:   make(chan Message, 64),
		served: make(chan struct{}),
	}
	go func() {
		p.serveErr = b.Serve(context.Background(), NewConn(server, codec))
		close(p.served)
	}()
	go func() {
		defer close(p.msgs)
		for {
			m, err := p.conn.Receive()
			if err != nil {
				return
			}
			p.msgs <- m
		}
	}()
	t.Cleanup(func() {
		p.conn.Close()
		p.wait(t)
	})
	return p
}

// wait blocks until Serve has returned and torn down.
func (p *peer) wait(t *testing.T) {
	t.Helper()
	select {
	case <-p.served:
	case <-time.After(3 * time.Second):
		t.Error("Boundary did not stop")
	}
}

func (p *peer) send(t *testing.T, typ string, data interface{}) {
	t.Helper()
	if err := p.conn.Send(typ, data); err != nil {
		t.Fatalf("Send %s failed: %v", typ, err)
	}
}

func (p *peer) next(t *testing.T) Message {
	t.Helper()
	select {
	case m, ok := <-p.msgs:
		if !ok {
			t.Fatal("Boundary connection closed")
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("Timeout waiting for boundary message")
	}
	return Message{}
}

func (p *peer) expect(t *testing.T, typ string) Message {
	t.Helper()
	m := p.next(t)
	if m.Type != typ {
		var e ErrorMessage
		m.Decode(&e)
		t.Fatalf("Expected %s, got %s %+v", typ, m.Type, e)
	}
	return m
}

func (p *peer) expectError(t *testing.T, code string) ErrorMessage {
	t.Helper()
	var e ErrorMessage
	if err := p.expect(t, MsgError).Decode(&e); err != nil {
		t.Fatalf("Decode error message: %v", err)
	}
	if e.Code != code {
		t.Fatalf("Expected error code %s, got %s (%s)", code, e.Code, e.Message)
	}
	return e
}

// pong skips progress messages up to the next pong.
func (p *peer) pong(t *testing.T) Pong {
	t.Helper()
	for {
		m := p.next(t)
		switch m.Type {
		case MsgDownloadInProgress, MsgLoadingInProgress:
			continue
		case MsgPong:
			var pong Pong
			if err := m.Decode(&pong); err != nil {
				t.Fatalf("Decode pong: %v", err)
			}
			return pong
		}
		t.Fatalf("Expected pong, got %s", m.Type)
	}
}

// ready pings the boundary and consumes the init sequence up to the pong.
func (p *peer) ready(t *testing.T) Pong {
	t.Helper()
	p.send(t, MsgPing, nil)
	p.expect(t, MsgDownloadInProgress)
	p.expect(t, MsgLoadingInProgress)
	var pong Pong
	if err := p.expect(t, MsgPong).Decode(&pong); err != nil {
		t.Fatalf("Decode pong: %v", err)
	}
	return pong
}

func almostEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}
