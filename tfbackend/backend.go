// Package tfbackend runs zipped TensorFlow SavedModel artifacts through tfgo.
// It links against libtensorflow, so it lives outside the root package and is
// registered explicitly:
//
//	factory.Register(tfbackend.New(tfbackend.Options{...}))
package tfbackend

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	tf "github.com/galeone/tensorflow/tensorflow/go"
	tg "github.com/galeone/tfgo"

	nsfw "github.com/afroximity/nsfw_ondevice"
)

// Name is the backend identifier used in Config.Backends.
const Name = "tensorflow"

type Options struct {
	WorkDir      string // where archives are unpacked, os.TempDir() if empty
	Tags         []string
	InputOp      string
	OutputOp     string
	InputName    string // name the boundary uses for the pixel tensor
	OutputName   string
	InputShape   []int64
	ChannelsLast bool // transpose NCHW input to NHWC before feeding
}

func (o *Options) defaults() {
	if len(o.Tags) == 0 {
		o.Tags = []string{"serve"}
	}
	if o.InputOp == "" {
		o.InputOp = "serving_default_input"
	}
	if o.OutputOp == "" {
		o.OutputOp = "StatefulPartitionedCall"
	}
	if o.InputName == "" {
		o.InputName = nsfw.DefaultInputName
	}
	if o.OutputName == "" {
		o.OutputName = nsfw.DefaultOutputName
	}
	if len(o.InputShape) == 0 {
		o.InputShape = nsfw.DefaultInputShape
	}
}

// FromConfig derives Options from the shared configuration.
func FromConfig(cfg nsfw.Config) Options {
	return Options{
		WorkDir:    cfg.CacheDir,
		InputName:  cfg.InputName,
		OutputName: cfg.OutputName,
		InputShape: cfg.InputShape,
	}
}

type Backend struct {
	opts Options
}

func New(opts Options) *Backend {
	opts.defaults()
	return &Backend{opts: opts}
}

func (b *Backend) Name() string {
	return Name
}

// Open unpacks the artifact and loads it. tfgo panics on load errors; the
// factory turns those into construction failures.
func (b *Backend) Open(ctx context.Context, artifact *nsfw.Artifact) (nsfw.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(b.opts.WorkDir, "savedmodel-")
	if err != nil {
		return nil, err
	}
	modelDir, err := unpack(artifact.Data, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	var model *tg.Model
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("failed to load SavedModel: %v", r)
			}
		}()
		model = tg.LoadModel(modelDir, b.opts.Tags, nil)
	}()
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	return &engine{model: model, dir: dir, opts: b.opts}, nil
}

type engine struct {
	mu    sync.Mutex
	model *tg.Model
	dir   string
	opts  Options
}

func (e *engine) Inputs() []nsfw.TensorInfo {
	return []nsfw.TensorInfo{{Name: e.opts.InputName, Shape: e.opts.InputShape}}
}

func (e *engine) Outputs() []nsfw.TensorInfo {
	return []nsfw.TensorInfo{{Name: e.opts.OutputName, Shape: []int64{-1, -1}}}
}

func (e *engine) Run(ctx context.Context, inputs map[string]nsfw.Tensor) (out map[string]nsfw.Tensor, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil, nsfw.ErrClosed
	}

	in := inputs[e.opts.InputName]
	shape, data := in.Shape, in.Data
	if e.opts.ChannelsLast {
		shape, data = toNHWC(shape, data)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, data); err != nil {
		return nil, err
	}
	input, err := tf.ReadTensor(tf.Float, shape, &buf)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("model inference: %v", r)
		}
	}()
	results := e.model.Exec(
		[]tf.Output{e.model.Op(e.opts.OutputOp, 0)},
		map[tf.Output]*tf.Tensor{e.model.Op(e.opts.InputOp, 0): input},
	)
	if len(results) == 0 {
		return nil, fmt.Errorf("model produced no output")
	}

	logits, err := flatten(results[0])
	if err != nil {
		return nil, err
	}
	return map[string]nsfw.Tensor{
		e.opts.OutputName: {Shape: results[0].Shape(), Data: logits},
	}, nil
}

func (e *engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.model = nil
	return os.RemoveAll(e.dir)
}

func flatten(t *tf.Tensor) ([]float32, error) {
	if t.DataType() != tf.Float {
		return nil, fmt.Errorf("unexpected output type %v", t.DataType())
	}
	var buf bytes.Buffer
	if _, err := t.WriteContentsTo(&buf); err != nil {
		return nil, err
	}
	n := 1
	for _, d := range t.Shape() {
		n *= int(d)
	}
	data := make([]float32, n)
	if err := binary.Read(&buf, binary.LittleEndian, data); err != nil {
		return nil, err
	}
	return data, nil
}

// toNHWC transposes a rank-4 NCHW buffer. Other ranks pass through.
func toNHWC(shape []int64, data []float32) ([]int64, []float32) {
	if len(shape) != 4 {
		return shape, data
	}
	n, c, h, w := int(shape[0]), int(shape[1]), int(shape[2]), int(shape[3])
	out := make([]float32, len(data))
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					src := ((b*c+ch)*h+y)*w + x
					dst := ((b*h+y)*w+x)*c + ch
					out[dst] = data[src]
				}
			}
		}
	}
	return []int64{shape[0], shape[2], shape[3], shape[1]}, out
}
