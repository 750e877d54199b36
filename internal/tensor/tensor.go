// Package tensor provides the dense numeric primitives used by the
// transformer engine: a row-major float32 tensor plus the small set of
// elementwise, matmul and reduction kernels the forward pass needs.
package tensor

import (
	"fmt"
	"math/rand"
)

// Tensor is a dense row-major float32 array. Strides are precomputed at
// construction; Data always covers the full shape (no gaps, no views).
//
// Tensor does not perform memory safety beyond the checks performed by Go's
// slice types; out-of-range indices panic.
type Tensor struct {
	Data    []float32
	Shape   []int
	Strides []int
}

// New allocates a zero-initialised tensor with the given shape.
func New(shape ...int) *Tensor {
	size := 1
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for tensor")
		}
		size *= d
	}
	return &Tensor{
		Data:    make([]float32, size),
		Shape:   append([]int(nil), shape...),
		Strides: computeStrides(shape),
	}
}

// FromSlice builds a tensor that takes ownership of data. It returns an error
// if the element count does not match the shape.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	size := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", d, shape)
		}
		size *= d
	}
	if len(data) != size {
		return nil, fmt.Errorf("data length %d does not match shape %v (want %d)", len(data), shape, size)
	}
	return &Tensor{
		Data:    data,
		Shape:   append([]int(nil), shape...),
		Strides: computeStrides(shape),
	}, nil
}

func computeStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Dim returns the extent of axis i.
func (t *Tensor) Dim(i int) int { return t.Shape[i] }

// At returns the element at the given multi-index.
func (t *Tensor) At(idx ...int) float32 {
	return t.Data[t.offset(idx)]
}

// SetAt stores v at the given multi-index.
func (t *Tensor) SetAt(v float32, idx ...int) {
	t.Data[t.offset(idx)] = v
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("index rank %d does not match tensor rank %d", len(idx), len(t.Shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.Shape[i] {
			panic(fmt.Sprintf("index %d out of range for axis %d (extent %d)", v, i, t.Shape[i]))
		}
		off += v * t.Strides[i]
	}
	return off
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Data:    append([]float32(nil), t.Data...),
		Shape:   append([]int(nil), t.Shape...),
		Strides: append([]int(nil), t.Strides...),
	}
}

// Reshape returns a tensor sharing t's data with a new shape. The element
// count must match.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape %v to %v", t.Shape, shape)
	}
	return &Tensor{
		Data:    t.Data,
		Shape:   append([]int(nil), shape...),
		Strides: computeStrides(shape),
	}, nil
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// FillRand fills the tensor with reproducible pseudo-random values in a small
// range around zero. Multiple calls with the same seed produce identical
// tensors.
func FillRand(t *Tensor, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = (rng.Float32() - 0.5) * 0.2
	}
}
