package quant

import (
	"fmt"
	"math"

	"github.com/lowbitml/quantsim/internal/tensor"
)

// QuantRange returns the largest representable magnitude for a signed
// bit-length: 2^(bits-1) - 1.
func QuantRange(bits int) float32 {
	return float32(int32(1)<<(bits-1) - 1)
}

func quantDequantValue(v, scale, qrange float32) float32 {
	// A zero scale means no dynamic range has been observed yet; the only
	// representable value is 0.
	if scale == 0 {
		return 0
	}
	r := v / scale
	if r > 1 {
		r = 1
	} else if r < -1 {
		r = -1
	}
	return float32(math.Round(float64(r*qrange))) * scale / qrange
}

// QuantDequant applies the fake quantize-dequantize round trip with a
// single scale:
//
//	out = round(clamp(x/scale, -1, 1) * range) * scale / range
//
// Clamping before rounding keeps stale scale estimates from overflowing
// the representable range.  A zero scale yields zeros rather than NaN.
func QuantDequant(x *tensor.Tensor, scale float32, bits int) *tensor.Tensor {
	qrange := QuantRange(bits)
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = quantDequantValue(v, scale, qrange)
	}
	return out
}

// QuantDequantAxis applies the fake quantize-dequantize round trip with
// one scale per channel, broadcast along axis.  len(scale) must equal the
// tensor's size along axis.
func QuantDequantAxis(x *tensor.Tensor, scale []float32, bits, axis int) *tensor.Tensor {
	if axis < 0 || axis >= x.Rank() {
		panic(fmt.Sprintf("quant axis %d out of range for rank %d", axis, x.Rank()))
	}
	if len(scale) != x.Dim(axis) {
		panic(fmt.Sprintf("scale length %d does not match dim %d", len(scale), x.Dim(axis)))
	}
	qrange := QuantRange(bits)
	stride := 1
	for i := axis + 1; i < x.Rank(); i++ {
		stride *= x.Dim(i)
	}
	n := x.Dim(axis)
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = quantDequantValue(v, scale[(i/stride)%n], qrange)
	}
	return out
}

// FakeQuantAbsMax fake-quantizes with an instantaneous abs-max scale.
type FakeQuantAbsMax struct {
	bits          int
	quantOnWeight bool
	est           *AbsMaxEstimator
}

// NewFakeQuantAbsMax creates an abs-max fake-quant layer.
func NewFakeQuantAbsMax(bits int, quantOnWeight bool) (*FakeQuantAbsMax, error) {
	if err := checkBits(bits); err != nil {
		return nil, err
	}
	return &FakeQuantAbsMax{
		bits:          bits,
		quantOnWeight: quantOnWeight,
		est:           NewAbsMaxEstimator(quantOnWeight),
	}, nil
}

func (q *FakeQuantAbsMax) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	scale := q.est.Update(x, training)
	return QuantDequant(x, scale, q.bits), nil
}

// Backward passes the upstream gradient through unchanged
// (straight-through estimator); no gradient flows to the scale.
func (q *FakeQuantAbsMax) Backward(grad *tensor.Tensor) *tensor.Tensor { return grad }

func (q *FakeQuantAbsMax) State() State {
	if !q.quantOnWeight {
		return nil
	}
	return State{KeyScale: {q.est.scale}}
}

func (q *FakeQuantAbsMax) LoadState(s State) error {
	if !q.quantOnWeight {
		if _, ok := s[KeyScale]; ok {
			return fmt.Errorf("%w: abs-max activation quantizer has no persistent scale", ErrConfig)
		}
		return nil
	}
	return loadScalar(s, KeyScale, &q.est.scale)
}

// FakeQuantMovingAverage fake-quantizes with a moving-average abs-max
// scale.  In eval mode the persisted scale is used and no state mutates.
type FakeQuantMovingAverage struct {
	bits int
	est  *MovingAverageEstimator
}

// NewFakeQuantMovingAverage creates a moving-average fake-quant layer.
func NewFakeQuantMovingAverage(bits int, movingRate float32) (*FakeQuantMovingAverage, error) {
	if err := checkBits(bits); err != nil {
		return nil, err
	}
	est, err := NewMovingAverageEstimator(movingRate)
	if err != nil {
		return nil, err
	}
	return &FakeQuantMovingAverage{bits: bits, est: est}, nil
}

func (q *FakeQuantMovingAverage) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	scale := q.est.Update(x, training)
	return QuantDequant(x, scale, q.bits), nil
}

// Backward passes the upstream gradient through unchanged
// (straight-through estimator).
func (q *FakeQuantMovingAverage) Backward(grad *tensor.Tensor) *tensor.Tensor { return grad }

func (q *FakeQuantMovingAverage) State() State {
	return State{
		KeyScale: {q.est.scale},
		KeyState: {q.est.state},
		KeyAccum: {q.est.accum},
	}
}

func (q *FakeQuantMovingAverage) LoadState(s State) error {
	if err := loadScalar(s, KeyScale, &q.est.scale); err != nil {
		return err
	}
	if err := loadScalar(s, KeyState, &q.est.state); err != nil {
		return err
	}
	return loadScalar(s, KeyAccum, &q.est.accum)
}

// FakeChannelWiseAbsMax fake-quantizes a weight tensor with one abs-max
// scale per output channel.
type FakeChannelWiseAbsMax struct {
	bits int
	axis int
	est  *ChannelWiseAbsMaxEstimator
}

// NewFakeChannelWiseAbsMax creates a channel-wise fake-quant layer.
// quantOnWeight must be true; channelNum fixes the scale vector length.
func NewFakeChannelWiseAbsMax(bits, channelNum, axis int, quantOnWeight bool) (*FakeChannelWiseAbsMax, error) {
	if err := checkBits(bits); err != nil {
		return nil, err
	}
	est, err := NewChannelWiseAbsMaxEstimator(channelNum, axis, quantOnWeight)
	if err != nil {
		return nil, err
	}
	return &FakeChannelWiseAbsMax{bits: bits, axis: axis, est: est}, nil
}

func (q *FakeChannelWiseAbsMax) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	scale, err := q.est.Update(x, training)
	if err != nil {
		return nil, err
	}
	return QuantDequantAxis(x, scale, q.bits, q.axis), nil
}

// Backward passes the upstream gradient through unchanged
// (straight-through estimator).
func (q *FakeChannelWiseAbsMax) Backward(grad *tensor.Tensor) *tensor.Tensor { return grad }

func (q *FakeChannelWiseAbsMax) State() State {
	scale := make([]float32, len(q.est.scale))
	copy(scale, q.est.scale)
	return State{KeyScale: scale}
}

func (q *FakeChannelWiseAbsMax) LoadState(s State) error {
	v, ok := s[KeyScale]
	if !ok {
		return nil
	}
	if len(v) != len(q.est.scale) {
		return fmt.Errorf("%w: checkpoint scale has %d channels, estimator fixed at %d", ErrShapeMismatch, len(v), len(q.est.scale))
	}
	copy(q.est.scale, v)
	return nil
}
