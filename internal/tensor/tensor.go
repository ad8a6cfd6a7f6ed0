package tensor

import (
	"fmt"
	"math/rand"
)

// Tensor is a dense row-major float32 tensor of arbitrary rank.
//
// Shape holds the size of each dimension and Data the flattened values.
// Tensor does not perform any memory safety beyond the checks performed by
// Go's slice types; out-of-range indices will panic.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-initialised tensor with the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for tensor")
		}
		n *= d
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
	}
}

// FromData creates a tensor backed by data. It checks that the data length
// matches the product of the shape dims.
func FromData(data []float32, shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for tensor")
		}
		n *= d
	}
	if n != len(data) {
		panic(fmt.Sprintf("data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  data,
	}
}

// NumEl returns the total number of elements.
func (t *Tensor) NumEl() int { return len(t.Data) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.Shape[i] }

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  make([]float32, len(t.Data)),
	}
	copy(out.Data, t.Data)
	return out
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

// stride returns the number of elements between consecutive indices along
// axis, i.e. the product of all dims after axis.
func (t *Tensor) stride(axis int) int {
	s := 1
	for i := axis + 1; i < len(t.Shape); i++ {
		s *= t.Shape[i]
	}
	return s
}

// FillRand fills the tensor with reproducible pseudo-random values.  A small
// range around zero is used to avoid overflow in accumulations.  The seed
// controls the random sequence; multiple calls with the same seed produce
// identical tensors.
func FillRand(t *Tensor, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = (rng.Float32() - 0.5) * 2 // in (-1,1)
	}
}
