package nsfw

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Backend builds engines on one execution path.
type Backend interface {
	Name() string
	Open(ctx context.Context, artifact *Artifact) (Engine, error)
}

// Engine is a constructed inference session.
type Engine interface {
	Inputs() []TensorInfo
	Outputs() []TensorInfo
	Run(ctx context.Context, inputs map[string]Tensor) (map[string]Tensor, error)
	Close() error
}

// EngineHandle pairs an engine with the backend that produced it.
type EngineHandle struct {
	Engine  Engine
	Backend string
}

// Run validates inputs against the engine's declared inputs, then runs it.
func (h *EngineHandle) Run(ctx context.Context, inputs map[string]Tensor) (map[string]Tensor, error) {
	for _, info := range h.Engine.Inputs() {
		t, ok := inputs[info.Name]
		if !ok {
			return nil, &ShapeMismatchError{Input: info.Name, Expected: info.Shape, Reason: "input missing"}
		}
		if err := t.Validate(); err != nil {
			if sm, ok := err.(*ShapeMismatchError); ok {
				sm.Input, sm.Expected = info.Name, info.Shape
			}
			return nil, err
		}
		if len(info.Shape) > 0 && !shapeMatches(info.Shape, t.Shape) {
			return nil, &ShapeMismatchError{Input: info.Name, Expected: info.Shape, Got: t.Shape}
		}
	}
	return h.Engine.Run(ctx, inputs)
}

// Classify runs a single named input and returns the flattened output.
func (h *EngineHandle) Classify(ctx context.Context, input, output string, t Tensor) ([]float32, error) {
	outs, err := h.Run(ctx, map[string]Tensor{input: t})
	if err != nil {
		return nil, err
	}
	out, ok := outs[output]
	if !ok {
		return nil, fmt.Errorf("engine produced no %q output", output)
	}
	return out.Data, nil
}

func (h *EngineHandle) Close() error {
	if h == nil || h.Engine == nil {
		return nil
	}
	return h.Engine.Close()
}

// Factory holds the registered backends.
type Factory struct {
	mu       sync.RWMutex
	backends map[string]Backend
	logger   logrus.FieldLogger
}

func NewFactory(logger logrus.FieldLogger, backends ...Backend) *Factory {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	f := &Factory{backends: make(map[string]Backend), logger: logger}
	for _, b := range backends {
		f.Register(b)
	}
	return f
}

// Register adds or replaces a backend under its Name.
func (f *Factory) Register(b Backend) {
	f.mu.Lock()
	f.backends[b.Name()] = b
	f.mu.Unlock()
}

func (f *Factory) Backend(name string) (Backend, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.backends[name]
	return b, ok
}

// Create tries candidates in order and returns the first engine that opens.
// Construction failures, including panics from native bindings, are logged
// and the next candidate is tried. If none succeeds the result is an
// *AllBackendsFailedError and no handle.
func (f *Factory) Create(ctx context.Context, artifact *Artifact, candidates []string) (*EngineHandle, error) {
	failed := &AllBackendsFailedError{}

	for _, name := range candidates {
		if err := ctx.Err(); err != nil {
			failed.Attempts = append(failed.Attempts, BackendAttempt{Backend: name, Err: err})
			break
		}

		logger := f.logger.WithField("backend", name)
		b, ok := f.Backend(name)
		if !ok {
			logger.Warn("Backend not available in this build, skipping")
			failed.Attempts = append(failed.Attempts, BackendAttempt{Backend: name, Err: fmt.Errorf("backend %q not registered", name)})
			continue
		}

		engine, err := openEngine(ctx, b, artifact)
		if err != nil {
			logger.Warnf("Creating session failed: %v", err)
			failed.Attempts = append(failed.Attempts, BackendAttempt{Backend: name, Err: err})
			continue
		}

		logger.Info("Engine ready")
		return &EngineHandle{Engine: engine, Backend: name}, nil
	}

	f.logger.Error("Creating model session failed on every backend")
	return nil, failed
}

func openEngine(ctx context.Context, b Backend, artifact *Artifact) (engine Engine, err error) {
	defer func() {
		if r := recover(); r != nil {
			if engine != nil {
				engine.Close()
			}
			engine, err = nil, fmt.Errorf("panic while opening engine: %v", r)
		}
	}()
	engine, err = b.Open(ctx, artifact)
	if err == nil && engine == nil {
		err = fmt.Errorf("backend returned no engine")
	}
	return engine, err
}
