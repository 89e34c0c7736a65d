package nsfw

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// Execution providers understood by ORTBackend.
const (
	BackendCUDA     = "cuda"
	BackendCoreML   = "coreml"
	BackendDirectML = "directml"
	BackendCPU      = "cpu"
)

// ORTOptions configures the onnxruntime environment and sessions.
type ORTOptions struct {
	LibraryPath    string
	IntraOpThreads int
	InputName      string
	OutputName     string
}

var ortEnvMu sync.Mutex

// initORT initialises the process wide onnxruntime environment once.
func initORT(libraryPath string) error {
	ortEnvMu.Lock()
	defer ortEnvMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		if !fileExists(libraryPath) {
			return fmt.Errorf("onnxruntime library not found: %s", libraryPath)
		}
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// ORTBackend opens ONNX artifacts on one onnxruntime execution provider.
type ORTBackend struct {
	provider string
	opts     ORTOptions
}

func NewORTBackend(provider string, opts ORTOptions) *ORTBackend {
	return &ORTBackend{provider: provider, opts: opts}
}

func (b *ORTBackend) Name() string {
	return b.provider
}

func (b *ORTBackend) Open(ctx context.Context, artifact *Artifact) (Engine, error) {
	if err := initORT(b.opts.LibraryPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(artifact.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to read model inputs/outputs: %w", err)
	}
	in, err := pickInfo(inputs, b.opts.InputName)
	if err != nil {
		return nil, err
	}
	out, err := pickInfo(outputs, b.opts.OutputName)
	if err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	threads := b.opts.IntraOpThreads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := b.appendProvider(options); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(artifact.Data,
		[]string{in.Name}, []string{out.Name}, options)
	if err != nil {
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ortEngine{
		session: session,
		input:   TensorInfo{Name: in.Name, Shape: []int64(in.Dimensions)},
		output:  TensorInfo{Name: out.Name, Shape: []int64(out.Dimensions)},
	}, nil
}

func (b *ORTBackend) appendProvider(options *ort.SessionOptions) error {
	switch b.provider {
	case BackendCPU:
		return nil
	case BackendCUDA:
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fmt.Errorf("error creating CUDA options: %w", err)
		}
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return fmt.Errorf("cuda provider unavailable: %w", err)
		}
		return nil
	case BackendCoreML:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return fmt.Errorf("coreml provider unavailable: %w", err)
		}
		return nil
	case BackendDirectML:
		if err := options.AppendExecutionProviderDirectML(0); err != nil {
			return fmt.Errorf("directml provider unavailable: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown execution provider %q", b.provider)
}

func pickInfo(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, error) {
	if len(infos) == 0 {
		return ort.InputOutputInfo{}, fmt.Errorf("model declares no tensors")
	}
	if name == "" {
		return infos[0], nil
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return ort.InputOutputInfo{}, fmt.Errorf("model has no tensor named %q", name)
}

type ortEngine struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	input   TensorInfo
	output  TensorInfo
}

func (e *ortEngine) Inputs() []TensorInfo  { return []TensorInfo{e.input} }
func (e *ortEngine) Outputs() []TensorInfo { return []TensorInfo{e.output} }

func (e *ortEngine) Run(ctx context.Context, inputs map[string]Tensor) (map[string]Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return nil, ErrClosed
	}

	in := inputs[e.input.Name]
	inputTensor, err := ort.NewTensor(ort.NewShape(in.Shape...), in.Data)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outShape := concreteShape(e.output.Shape)
	if len(outShape) > 0 && len(in.Shape) > 0 && e.output.Shape[0] <= 0 {
		// dynamic batch follows the input batch
		outShape[0] = in.Shape[0]
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(outShape...))
	if err != nil {
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	err = e.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor})
	if err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	data := append([]float32(nil), outputTensor.GetData()...)
	return map[string]Tensor{
		e.output.Name: {Shape: outShape, Data: data},
	}, nil
}

func (e *ortEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return err
}

// DefaultFactory registers the onnxruntime providers named in cfg.Backends.
// Names it does not know are left for callers to Register.
func DefaultFactory(cfg Config, logger logrus.FieldLogger) *Factory {
	f := NewFactory(logger)
	opts := ORTOptions{
		LibraryPath:    cfg.ORTLibraryPath,
		IntraOpThreads: cfg.IntraOpThreads,
		InputName:      cfg.InputName,
		OutputName:     cfg.OutputName,
	}
	for _, name := range cfg.Backends {
		switch name {
		case BackendCUDA, BackendCoreML, BackendDirectML, BackendCPU:
			f.Register(NewORTBackend(name, opts))
		}
	}
	return f
}
