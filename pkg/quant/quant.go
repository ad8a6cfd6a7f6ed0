// Package quant implements simulated ("fake") quantization for
// quantization-aware training.
//
// A fake-quant layer estimates a scale from the value distribution of a
// tensor and applies a quantize-round-dequantize transform in floating
// point, so training sees the precision loss of low-bit inference without
// any integer arithmetic.  Three scale estimation strategies are provided:
// instantaneous abs-max, exponential moving-average abs-max, and
// per-channel abs-max.  QuantizedConv2D and QuantizedLinear wrap a plain
// affine layer with fake quantization of both its input and its weight.
package quant

import (
	"fmt"

	"github.com/lowbitml/quantsim/internal/tensor"
)

// Strategy selects a scale estimation strategy for a fake-quant layer.
type Strategy int

const (
	// AbsMax recomputes max(|x|) on every call.
	AbsMax Strategy = iota
	// MovingAverageAbsMax keeps an exponential moving average of max(|x|)
	// across training steps, with warm-up bias correction.
	MovingAverageAbsMax
	// ChannelWiseAbsMax computes one max(|x|) per output channel.  Only
	// valid for weight quantization.
	ChannelWiseAbsMax
)

func (s Strategy) String() string {
	switch s {
	case AbsMax:
		return "abs_max"
	case MovingAverageAbsMax:
		return "moving_average_abs_max"
	case ChannelWiseAbsMax:
		return "channel_wise_abs_max"
	default:
		return "unknown"
	}
}

// ParseStrategy converts a strategy name to its Strategy value.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "abs_max":
		return AbsMax, nil
	case "moving_average_abs_max":
		return MovingAverageAbsMax, nil
	case "channel_wise_abs_max":
		return ChannelWiseAbsMax, nil
	default:
		return 0, fmt.Errorf("%w: unknown quantize strategy %q", ErrConfig, name)
	}
}

// Quantizer is a fake-quant layer: one tensor in, one tensor out, with
// configuration fixed at construction.  Backward implements the
// straight-through estimator, so the transform is the identity for
// gradient purposes.
type Quantizer interface {
	Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	Backward(grad *tensor.Tensor) *tensor.Tensor
	State() State
	LoadState(s State) error
}

// Transform is an optional tensor pre-processing hook applied before a
// fake-quant step (eg weight clipping or equalisation).
type Transform func(x *tensor.Tensor) *tensor.Tensor

func checkBits(bits int) error {
	if bits < 2 || bits > 16 {
		return fmt.Errorf("%w: bit length %d outside [2,16]", ErrConfig, bits)
	}
	return nil
}

func checkMovingRate(rate float32) error {
	if rate <= 0 || rate >= 1 {
		return fmt.Errorf("%w: moving rate %v outside (0,1)", ErrConfig, rate)
	}
	return nil
}
