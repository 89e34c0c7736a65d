package nsfw

import (
	"fmt"
	"math"
)

// Tensor is a dense float32 buffer with an explicit shape.
type Tensor struct {
	Shape []int64   `msgpack:"shape" json:"shape"`
	Data  []float32 `msgpack:"data" json:"data"`
}

// TensorInfo describes a named engine input or output. Non-positive dims are
// dynamic.
type TensorInfo struct {
	Name  string
	Shape []int64
}

// NewTensor checks that len(data) matches the product of shape.
func NewTensor(shape []int64, data []float32) (Tensor, error) {
	t := Tensor{Shape: shape, Data: data}
	if err := t.Validate(); err != nil {
		return Tensor{}, err
	}
	return t, nil
}

// Elements returns the product of the shape dims, or -1 when it overflows.
func (t Tensor) Elements() int64 {
	n, ok := shapeElements(t.Shape)
	if !ok {
		return -1
	}
	return n
}

func (t Tensor) Validate() error {
	if len(t.Shape) == 0 {
		return &ShapeMismatchError{Got: t.Shape, Reason: "empty shape"}
	}
	for _, d := range t.Shape {
		if d <= 0 {
			return &ShapeMismatchError{Got: t.Shape, Reason: "non-positive dimension"}
		}
	}
	n, ok := shapeElements(t.Shape)
	if !ok {
		return &ShapeMismatchError{Got: t.Shape, Reason: "element count overflows int64"}
	}
	if n != int64(len(t.Data)) {
		return &ShapeMismatchError{
			Got:    t.Shape,
			Reason: fmt.Sprintf("shape holds %d elements, buffer has %d", n, len(t.Data)),
		}
	}
	return nil
}

// Clone deep-copies shape and data.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int64(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// shapeElements multiplies the dims; ok is false when the product does not
// fit in an int64.
func shapeElements(shape []int64) (n int64, ok bool) {
	if len(shape) == 0 {
		return 0, true
	}
	n = 1
	for _, d := range shape {
		if d > 0 && n > math.MaxInt64/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// shapeMatches compares a concrete shape against an expected one where
// non-positive expected dims accept any size.
func shapeMatches(expected, got []int64) bool {
	if len(expected) != len(got) {
		return false
	}
	for i := range expected {
		if expected[i] > 0 && expected[i] != got[i] {
			return false
		}
	}
	return true
}

// concreteShape replaces dynamic dims with 1.
func concreteShape(shape []int64) []int64 {
	out := make([]int64, len(shape))
	for i, d := range shape {
		if d <= 0 {
			d = 1
		}
		out[i] = d
	}
	return out
}
