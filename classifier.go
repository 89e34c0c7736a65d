package nsfw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Readiness is the outcome of WaitForReady.
type Readiness struct {
	Success bool   `json:"success"`
	Backend string `json:"backend,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result is one classification.
type Result struct {
	Logits        []float32     `json:"logits"`
	Probabilities []float64     `json:"probabilities"`
	Label         string        `json:"label"`
	Duration      time.Duration `json:"duration"`
}

// Unsafe returns the probability of the last class, the NSFW score for the
// default [safe, unsafe] labels.
func (r *Result) Unsafe() float64 {
	if len(r.Probabilities) == 0 {
		return 0
	}
	return r.Probabilities[len(r.Probabilities)-1]
}

func (r *Result) Describe() string {
	return fmt.Sprintf("%s (probabilities %.4f, %s)", r.Label, r.Probabilities, r.Duration)
}

type response struct {
	msg Message
	err error
}

// Classifier is the caller side of a boundary. It owns the boundary for its
// whole life, turns each call into exactly one request message and matches
// the response by type. At most one classify and one stats request are in
// flight at a time.
type Classifier struct {
	cfg          Config
	spawner      Spawner
	boundaryOpts []BoundaryOption
	logger       logrus.FieldLogger
	onProgress   func(State)

	mu      sync.Mutex
	conn    *Conn
	started bool
	pinged  bool
	closed  bool

	state     atomic.Int32
	readyOnce sync.Once
	readyCh   chan struct{}
	readiness Readiness

	classifyGate chan struct{}
	classifySlot chan response
	statsGate    chan struct{}
	statsSlot    chan response

	done    chan struct{}
	readErr error
}

type Option func(*Classifier)

func WithSpawner(s Spawner) Option {
	return func(c *Classifier) { c.spawner = s }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Classifier) { c.logger = logger }
}

// WithProgress is called from the receive loop on every lifecycle change
// reported by the boundary; it must not block.
func WithProgress(fn func(State)) Option {
	return func(c *Classifier) { c.onProgress = fn }
}

// WithBoundaryOptions configures the default in-process boundary.
func WithBoundaryOptions(opts ...BoundaryOption) Option {
	return func(c *Classifier) {
		c.boundaryOpts = append(c.boundaryOpts, opts...)
	}
}

// New creates a classifier. The boundary is spawned lazily.
func New(cfg Config, opts ...Option) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	c := &Classifier{
		cfg:          cfg,
		logger:       logrus.StandardLogger(),
		readyCh:      make(chan struct{}),
		classifyGate: make(chan struct{}, 1),
		classifySlot: make(chan response, 1),
		statsGate:    make(chan struct{}, 1),
		statsSlot:    make(chan response, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.spawner == nil {
		c.spawner = InProcessSpawner{Options: c.boundaryOpts, Logger: c.logger}
	}
	return c, nil
}

// NewLatestClassifier builds a classifier from DefaultConfig.
func NewLatestClassifier(opts ...Option) (*Classifier, error) {
	return New(DefaultConfig(), opts...)
}

func (c *Classifier) State() State {
	return State(c.state.Load())
}

func (c *Classifier) setState(s State) {
	if State(c.state.Swap(int32(s))) != s && c.onProgress != nil {
		c.onProgress(s)
	}
}

// start spawns the boundary once.
func (c *Classifier) start(ctx context.Context) (*Conn, error) {
	c.mu.Lock()
	conn, failed, err := c.startLocked(ctx)
	c.mu.Unlock()

	// the callback may call back into the classifier
	if failed && c.onProgress != nil {
		c.onProgress(StateFailed)
	}
	return conn, err
}

func (c *Classifier) startLocked(ctx context.Context) (conn *Conn, failed bool, err error) {
	if c.closed {
		return nil, false, ErrClosed
	}
	if c.started {
		if c.conn == nil {
			return nil, false, c.readErr
		}
		return c.conn, false, nil
	}
	c.started = true

	codec, err := NewCodec(c.cfg.Codec)
	if err != nil {
		return nil, c.abort(err), err
	}
	rwc, err := c.spawner.Spawn(ctx, c.cfg)
	if err != nil {
		err = fmt.Errorf("failed to spawn boundary: %w", err)
		return nil, c.abort(err), err
	}
	c.conn = NewConn(rwc, codec)
	go c.receive(c.conn)
	return c.conn, false, nil
}

// abort records a fatal startup error and resolves readiness as failed
// without running the progress callback; c.mu must be held. It reports
// whether the state changed.
func (c *Classifier) abort(err error) bool {
	c.readErr = err
	changed := false
	c.readyOnce.Do(func() {
		c.readiness = Readiness{Success: false, Error: err.Error()}
		changed = State(c.state.Swap(int32(StateFailed))) != StateFailed
		close(c.readyCh)
	})
	close(c.done)
	return changed
}

// WaitForReady triggers model acquisition and engine construction on first
// use and blocks until the boundary reports the outcome. Every caller,
// concurrent or later, observes the same Readiness. The error is only set
// when the wait itself fails (ctx or a broken boundary).
func (c *Classifier) WaitForReady(ctx context.Context) (Readiness, error) {
	conn, err := c.start(ctx)
	if err != nil && conn == nil {
		select {
		case <-c.readyCh:
			return c.readiness, nil
		default:
			return Readiness{}, err
		}
	}

	c.mu.Lock()
	sendPing := !c.pinged
	c.pinged = true
	c.mu.Unlock()

	if sendPing {
		if err := conn.Send(MsgPing, nil); err != nil {
			return Readiness{}, fmt.Errorf("failed to ping boundary: %w", err)
		}
	}

	select {
	case <-c.readyCh:
		return c.readiness, nil
	case <-c.done:
		select {
		case <-c.readyCh:
			return c.readiness, nil
		default:
		}
		return Readiness{}, c.closedErr()
	case <-ctx.Done():
		return Readiness{}, ctx.Err()
	}
}

func (c *Classifier) resolveReady(r Readiness) {
	c.readyOnce.Do(func() {
		c.readiness = r
		if r.Success {
			c.setState(StateReady)
		} else {
			c.setState(StateFailed)
		}
		close(c.readyCh)
	})
}

func (c *Classifier) isReady() bool {
	select {
	case <-c.readyCh:
		return c.readiness.Success
	default:
		return false
	}
}

// Classify sends t to the boundary and returns logits and probabilities.
// It fails with ErrNotReady until WaitForReady has succeeded. Concurrent
// calls are queued; a caller whose ctx ends after the request was sent stops
// waiting, but the queue stays blocked until the boundary has answered.
func (c *Classifier) Classify(ctx context.Context, t Tensor) (*Result, error) {
	if !c.isReady() {
		return nil, ErrNotReady
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	resp, err := c.roundTrip(ctx, c.classifyGate, c.classifySlot, MsgClassify,
		ClassifyRequest{TensorData: t.Data, Shape: t.Shape})
	if err != nil {
		return nil, err
	}

	var res ClassifyResults
	if err := resp.Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode classify results: %w", err)
	}
	result := &Result{
		Logits:        res.Logits,
		Probabilities: res.Probabilities,
		Duration:      time.Duration(res.DurationMs * float64(time.Millisecond)),
	}
	if i := Argmax(res.Probabilities); i >= 0 && i < len(c.cfg.Labels) {
		result.Label = c.cfg.Labels[i]
	}
	return result, nil
}

// Stats asks the boundary for a snapshot of its session statistics.
func (c *Classifier) Stats(ctx context.Context) (Stats, error) {
	if _, err := c.start(ctx); err != nil {
		return Stats{}, err
	}
	resp, err := c.roundTrip(ctx, c.statsGate, c.statsSlot, MsgStats, nil)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	if err := resp.Decode(&s); err != nil {
		return Stats{}, fmt.Errorf("failed to decode stats: %w", err)
	}
	return s, nil
}

func (c *Classifier) roundTrip(ctx context.Context, gate chan struct{}, slot chan response, typ string, data interface{}) (Message, error) {
	select {
	case gate <- struct{}{}:
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.done:
		return Message{}, c.closedErr()
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		<-gate
		return Message{}, c.closedErr()
	}
	if err := conn.Send(typ, data); err != nil {
		<-gate
		return Message{}, err
	}

	select {
	case r := <-slot:
		<-gate
		if r.err != nil {
			if errors.Is(r.err, ErrTimeout) {
				c.setState(StateFailed)
			}
			return Message{}, r.err
		}
		return r.msg, nil
	case <-c.done:
		<-gate
		return Message{}, c.closedErr()
	case <-ctx.Done():
		// keep the slot paired with this request until its answer arrives
		go func() {
			select {
			case <-slot:
			case <-c.done:
			}
			<-gate
		}()
		return Message{}, ctx.Err()
	}
}

func (c *Classifier) receive(conn *Conn) {
	var err error
	defer func() {
		c.mu.Lock()
		if c.readErr == nil {
			c.readErr = err
		}
		c.conn = nil
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		var m Message
		m, err = conn.Receive()
		if err != nil {
			return
		}
		c.logger.WithField("type", m.Type).Debug("Classifier received message")

		switch m.Type {
		case MsgDownloadInProgress:
			c.setState(StateDownloading)
		case MsgLoadingInProgress:
			c.setState(StateConstructingEngine)
		case MsgPong:
			var p Pong
			if derr := m.Decode(&p); derr != nil {
				c.logger.Errorf("Malformed pong: %v", derr)
				p = Pong{Error: derr.Error()}
			}
			c.resolveReady(Readiness{Success: p.Success, Backend: p.Device, Error: p.Error})
		case MsgClassifyResults:
			c.deliver(c.classifySlot, response{msg: m})
		case MsgStats:
			c.deliver(c.statsSlot, response{msg: m})
		case MsgError:
			var e ErrorMessage
			if derr := m.Decode(&e); derr != nil {
				c.logger.Errorf("Malformed error message: %v", derr)
				continue
			}
			switch e.Request {
			case MsgClassify:
				c.deliver(c.classifySlot, response{err: e.Err()})
			case MsgStats:
				c.deliver(c.statsSlot, response{err: e.Err()})
			default:
				c.logger.Warnf("Boundary error: %v", e.Err())
			}
		default:
			c.logger.Warnf("Ignoring unknown message type %q", m.Type)
		}
	}
}

func (c *Classifier) deliver(slot chan response, r response) {
	select {
	case slot <- r:
	default:
		c.logger.Warn("Dropping unsolicited boundary response")
	}
}

func (c *Classifier) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.readErr != nil && !errors.Is(c.readErr, io.EOF) {
		return fmt.Errorf("boundary connection lost: %w", c.readErr)
	}
	return fmt.Errorf("boundary connection lost")
}

// Close shuts the boundary down and releases its engine.
func (c *Classifier) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	started := c.started
	c.mu.Unlock()

	if !started {
		return nil
	}
	if conn != nil {
		if err := conn.Send(MsgShutdown, nil); err != nil {
			c.logger.Debugf("Shutdown message not delivered: %v", err)
		}
		conn.Close()
	}
	<-c.done
	return nil
}
