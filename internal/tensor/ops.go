package tensor

import (
	"fmt"
	"math"
)

// AbsMax returns max(|x|) over every element of t. An empty tensor yields 0.
func AbsMax(t *Tensor) float32 {
	var m float32
	for _, v := range t.Data {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}

// AbsMaxAxis returns max(|x|) reduced over every axis except axis.  The
// result has length t.Shape[axis].
func AbsMaxAxis(t *Tensor, axis int) []float32 {
	if axis < 0 || axis >= len(t.Shape) {
		panic(fmt.Sprintf("axis %d out of range for rank %d", axis, len(t.Shape)))
	}
	out := make([]float32, t.Shape[axis])
	stride := t.stride(axis)
	n := t.Shape[axis]
	for i, v := range t.Data {
		if v < 0 {
			v = -v
		}
		c := (i / stride) % n
		if v > out[c] {
			out[c] = v
		}
	}
	return out
}

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// AddBias adds bias broadcast along axis: every element whose coordinate
// along axis is c gets bias[c] added.  len(bias) must equal t.Shape[axis].
func AddBias(t *Tensor, bias []float32, axis int) {
	if axis < 0 || axis >= len(t.Shape) {
		panic(fmt.Sprintf("bias axis %d out of range for rank %d", axis, len(t.Shape)))
	}
	if len(bias) != t.Shape[axis] {
		panic(fmt.Sprintf("bias length %d does not match dim %d", len(bias), t.Shape[axis]))
	}
	stride := t.stride(axis)
	n := t.Shape[axis]
	for i := range t.Data {
		t.Data[i] += bias[(i/stride)%n]
	}
}

// Activation selects an elementwise activation function.
type Activation int

const (
	ActNone Activation = iota
	ActReLU
	ActSigmoid
	ActSiLU
	ActTanh
)

func (a Activation) String() string {
	switch a {
	case ActNone:
		return "none"
	case ActReLU:
		return "relu"
	case ActSigmoid:
		return "sigmoid"
	case ActSiLU:
		return "silu"
	case ActTanh:
		return "tanh"
	default:
		return "unknown"
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// ApplyActivation applies a in place over every element of t.
func ApplyActivation(t *Tensor, a Activation) {
	switch a {
	case ActNone:
	case ActReLU:
		for i := range t.Data {
			if t.Data[i] < 0 {
				t.Data[i] = 0
			}
		}
	case ActSigmoid:
		for i, v := range t.Data {
			t.Data[i] = Sigmoid(v)
		}
	case ActSiLU:
		for i, v := range t.Data {
			t.Data[i] = Silu(v)
		}
	case ActTanh:
		for i, v := range t.Data {
			t.Data[i] = float32(math.Tanh(float64(v)))
		}
	default:
		panic("unknown activation")
	}
}
