package nsfw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State is the boundary lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateDownloading
	StateConstructingEngine
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateDownloading:
		return "downloading"
	case StateConstructingEngine:
		return "constructing_engine"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// shutdownGrace bounds how long Serve waits for an initialisation goroutine
// before releasing the cache store.
const shutdownGrace = 2 * time.Second

// Boundary hosts the artifact cache, the fetcher, the engine factory and the
// single engine handle. All of its state is owned by the Serve event loop;
// callers reach it only through protocol messages on a Conn.
type Boundary struct {
	id       string
	cfg      Config
	acquirer *Acquirer
	factory  *Factory
	store    Store
	logger   logrus.FieldLogger
	serving  atomic.Bool

	// event loop state
	conn         *Conn
	state        State
	failure      string
	handle       *EngineHandle
	stats        *sessionStats
	pendingPongs int

	initCancel context.CancelFunc
	initEvents chan initEvent
	initTimer  <-chan time.Time
	initWG     sync.WaitGroup

	runDone  chan runResult
	runTimer <-chan time.Time
}

type BoundaryOption func(*Boundary)

// WithFactory replaces the default onnxruntime factory.
func WithFactory(f *Factory) BoundaryOption {
	return func(b *Boundary) { b.factory = f }
}

// WithStore uses store instead of opening cfg.CacheDriver.
func WithStore(store Store) BoundaryOption {
	return func(b *Boundary) { b.store = store }
}

// WithFetcher replaces the http fetcher built from cfg.
func WithFetcher(f *Fetcher) BoundaryOption {
	return func(b *Boundary) { b.acquirer = &Acquirer{Fetcher: f} }
}

func WithBoundaryLogger(logger logrus.FieldLogger) BoundaryOption {
	return func(b *Boundary) { b.logger = logger }
}

// NewBoundary prepares a boundary; nothing is downloaded until the first ping.
func NewBoundary(cfg Config, opts ...BoundaryOption) (*Boundary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	b := &Boundary{
		id:    uuid.NewString(),
		cfg:   cfg,
		stats: newSessionStats(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logrus.StandardLogger()
	}
	b.logger = b.logger.WithField("boundary", b.id)

	if b.store == nil {
		store, err := OpenStore(cfg)
		if err != nil {
			// fail open: every ping downloads
			b.logger.Warnf("Artifact cache unavailable, continuing without it: %v", err)
		} else {
			b.store = store
		}
	}
	if b.acquirer == nil {
		b.acquirer = &Acquirer{Fetcher: NewFetcher(cfg)}
	}
	if b.acquirer.Fetcher == nil {
		b.acquirer.Fetcher = NewFetcher(cfg)
	}
	if b.store != nil {
		b.acquirer.Cache = NewCache(b.store, cfg.ModelSHA256, b.logger)
	}
	b.acquirer.SkipCache = cfg.SkipCache
	b.acquirer.SHA256 = cfg.ModelSHA256
	b.acquirer.Logger = b.logger

	if b.factory == nil {
		b.factory = DefaultFactory(cfg, b.logger)
	}
	return b, nil
}

// ID identifies the boundary in logs and stats.
func (b *Boundary) ID() string {
	return b.id
}

type initEvent struct {
	phase  State
	report AcquireReport
	handle *EngineHandle
	err    error
	done   bool
}

type runResult struct {
	logits   []float32
	err      error
	duration time.Duration
}

// Serve runs the event loop until the peer closes conn, a shutdown request
// arrives or ctx is cancelled. Messages are handled in arrival order. A
// boundary serves exactly one connection in its lifetime.
func (b *Boundary) Serve(ctx context.Context, conn *Conn) error {
	if !b.serving.CompareAndSwap(false, true) {
		return fmt.Errorf("boundary %s already served", b.id)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.conn = conn
	defer b.teardown(cancel)

	inbox := make(chan Message)
	malformed := make(chan *DecodeError)
	readErr := make(chan error, 1)
	go func() {
		for {
			m, err := conn.Receive()
			var derr *DecodeError
			if errors.As(err, &derr) {
				select {
				case malformed <- derr:
					continue
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbox <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	b.logger.Debug("Boundary serving")
	for {
		var err error
		select {
		case m := <-inbox:
			if m.Type == MsgShutdown {
				b.logger.Debug("Shutdown requested")
				return nil
			}
			err = b.dispatch(ctx, m)
		case ev := <-b.initEvents:
			err = b.onInitEvent(ev)
		case <-b.initTimer:
			err = b.onInitTimeout()
		case res := <-b.runDone:
			err = b.onRunDone(res)
		case <-b.runTimer:
			err = b.onRunTimeout()
		case derr := <-malformed:
			b.logger.Warnf("Rejecting frame: %v", derr)
			err = b.reject("", CodeBadRequest, derr.Error())
		case rerr := <-readErr:
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrClosedPipe) {
				b.logger.Debug("Peer closed the boundary connection")
				return nil
			}
			return fmt.Errorf("boundary read: %w", rerr)
		case <-ctx.Done():
			return ctx.Err()
		}
		if err != nil {
			return err
		}
	}
}

func (b *Boundary) teardown(cancel context.CancelFunc) {
	cancel()
	b.conn.Close()

	if b.runDone != nil {
		b.abandonRun()
	}
	if b.handle != nil {
		b.handle.Close()
		b.handle = nil
	}

	done := make(chan struct{})
	go func() {
		b.initWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		b.logger.Warn("Initialisation still running at shutdown")
	}

	if b.store != nil {
		if err := b.store.Close(); err != nil {
			b.logger.Warnf("Closing artifact cache: %v", err)
		}
	}
}

func (b *Boundary) dispatch(ctx context.Context, m Message) error {
	b.logger.WithField("type", m.Type).Debug("Boundary received message")

	switch m.Type {
	case MsgPing:
		return b.onPing(ctx)
	case MsgClassify:
		return b.onClassify(m)
	case MsgStats:
		return b.send(MsgStats, b.stats.snapshot(b.id, b.state))
	}
	return b.reject(m.Type, CodeUnknownType, fmt.Sprintf("unknown message type: %s", m.Type))
}

func (b *Boundary) send(typ string, data interface{}) error {
	if err := b.conn.Send(typ, data); err != nil {
		return fmt.Errorf("boundary send: %w", err)
	}
	return nil
}

func (b *Boundary) reject(request, code, message string) error {
	return b.send(MsgError, ErrorMessage{Request: request, Code: code, Message: message})
}

func (b *Boundary) onPing(ctx context.Context) error {
	switch b.state {
	case StateReady:
		return b.send(MsgPong, Pong{Success: true, Device: b.handle.Backend})
	case StateFailed:
		return b.send(MsgPong, Pong{Success: false, Error: b.failure})
	case StateDownloading, StateConstructingEngine:
		// answered together with the first ping
		b.pendingPongs++
		return nil
	}

	b.pendingPongs = 1
	b.state = StateDownloading
	if err := b.send(MsgDownloadInProgress, nil); err != nil {
		return err
	}

	initCtx, cancel := context.WithCancel(ctx)
	events := make(chan initEvent)
	b.initCancel = cancel
	b.initEvents = events
	if b.cfg.InitTimeout > 0 {
		b.initTimer = time.After(b.cfg.InitTimeout)
	}

	b.initWG.Add(1)
	go func() {
		defer b.initWG.Done()
		b.initialize(initCtx, events)
	}()
	return nil
}

// initialize runs outside the event loop and reports back through events.
func (b *Boundary) initialize(ctx context.Context, events chan<- initEvent) {
	send := func(ev initEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
			// nobody is listening any more
			if ev.handle != nil {
				ev.handle.Close()
			}
		}
	}

	artifact, report, err := b.acquirer.Acquire(ctx, b.cfg.ModelName, b.cfg.ModelURL)
	if err != nil {
		send(initEvent{done: true, report: report, err: err})
		return
	}
	send(initEvent{phase: StateConstructingEngine, report: report})

	handle, err := b.factory.Create(ctx, artifact, b.cfg.Backends)
	send(initEvent{done: true, report: report, handle: handle, err: err})
}

func (b *Boundary) onInitEvent(ev initEvent) error {
	if !ev.done {
		b.state = ev.phase
		b.stats.downloads = append(b.stats.downloads, millis(ev.report.Duration))
		b.stats.cacheHit = ev.report.CacheHit
		return b.send(MsgLoadingInProgress, nil)
	}

	b.stopInit()
	if ev.err != nil {
		b.logger.Errorf("Model initialisation failed: %v", ev.err)
		return b.fail(ev.err.Error())
	}

	b.handle = ev.handle
	b.state = StateReady
	b.stats.device = ev.handle.Backend
	b.logger.WithField("backend", ev.handle.Backend).Info("Model ready")
	return b.answerPongs(Pong{Success: true, Device: ev.handle.Backend})
}

func (b *Boundary) onInitTimeout() error {
	b.logger.Errorf("Model initialisation exceeded %s", b.cfg.InitTimeout)
	b.stopInit()
	return b.fail(fmt.Sprintf("initialisation timed out after %s", b.cfg.InitTimeout))
}

func (b *Boundary) stopInit() {
	if b.initCancel != nil {
		b.initCancel()
	}
	b.initCancel = nil
	b.initEvents = nil
	b.initTimer = nil
}

// fail moves the boundary to its terminal state and answers waiting pings.
func (b *Boundary) fail(reason string) error {
	b.state = StateFailed
	b.failure = reason
	b.stats.failures++
	return b.answerPongs(Pong{Success: false, Error: reason})
}

func (b *Boundary) answerPongs(p Pong) error {
	n := b.pendingPongs
	b.pendingPongs = 0
	for i := 0; i < n; i++ {
		if err := b.send(MsgPong, p); err != nil {
			return err
		}
	}
	return nil
}

func (b *Boundary) onClassify(m Message) error {
	var req ClassifyRequest
	if err := m.Decode(&req); err != nil {
		return b.reject(MsgClassify, CodeBadRequest, err.Error())
	}

	switch b.state {
	case StateReady:
	case StateFailed:
		return b.reject(MsgClassify, CodeNotReady, "model failed to load: "+b.failure)
	default:
		return b.reject(MsgClassify, CodeNotReady, "model is "+b.state.String())
	}
	if b.runDone != nil {
		return b.reject(MsgClassify, CodeBusy, ErrBusy.Error())
	}

	t := Tensor{Shape: req.Shape, Data: req.TensorData}
	if err := t.Validate(); err != nil {
		return b.reject(MsgClassify, CodeShapeMismatch, err.Error())
	}
	if !shapeMatches(b.cfg.InputShape, t.Shape) {
		err := &ShapeMismatchError{Input: b.cfg.InputName, Expected: b.cfg.InputShape, Got: t.Shape}
		return b.reject(MsgClassify, CodeShapeMismatch, err.Error())
	}

	done := make(chan runResult, 1)
	b.runDone = done
	if b.cfg.RunTimeout > 0 {
		b.runTimer = time.After(b.cfg.RunTimeout)
	}

	handle := b.handle
	in, out := b.cfg.InputName, b.cfg.OutputName
	go func() {
		start := time.Now()
		logits, err := handle.Classify(context.Background(), in, out, t)
		done <- runResult{logits: logits, err: err, duration: time.Since(start)}
	}()
	return nil
}

func (b *Boundary) onRunDone(res runResult) error {
	b.runDone = nil
	b.runTimer = nil

	if res.err != nil {
		b.stats.failures++
		var sm *ShapeMismatchError
		if errors.As(res.err, &sm) {
			return b.reject(MsgClassify, CodeShapeMismatch, sm.Error())
		}
		b.logger.Errorf("Inference failed: %v", res.err)
		return b.reject(MsgClassify, CodeInferenceFailed, res.err.Error())
	}

	probs, err := Softmax(res.logits)
	if err != nil {
		b.stats.failures++
		return b.reject(MsgClassify, CodeNonFinite, err.Error())
	}

	durationMs := millis(res.duration)
	b.stats.processing = append(b.stats.processing, durationMs)
	b.stats.count++
	return b.send(MsgClassifyResults, ClassifyResults{
		Logits:        res.logits,
		Probabilities: probs,
		DurationMs:    durationMs,
	})
}

// onRunTimeout gives up on a stuck inference. The engine cannot be trusted
// afterwards, so the boundary becomes Failed.
func (b *Boundary) onRunTimeout() error {
	b.logger.Errorf("Inference exceeded %s, marking boundary failed", b.cfg.RunTimeout)
	b.abandonRun()
	b.state = StateFailed
	b.failure = fmt.Sprintf("inference timed out after %s", b.cfg.RunTimeout)
	b.stats.failures++
	return b.reject(MsgClassify, CodeTimeout, b.failure)
}

// abandonRun hands the engine to a goroutine that releases it once the
// in-flight run returns.
func (b *Boundary) abandonRun() {
	done, handle := b.runDone, b.handle
	b.runDone, b.runTimer, b.handle = nil, nil, nil
	go func() {
		<-done
		handle.Close()
	}()
}
