package quant

import (
	"fmt"

	"github.com/lowbitml/quantsim/internal/tensor"
)

// initMovingScale is the initial scale of a moving-average estimator used
// for fake quantization.  It is deliberately small but non-zero so the
// very first transform call has a usable divisor.
const initMovingScale = 0.001

// MovingAverageEstimator tracks an exponential moving average of
// max(|x|).  The accum/state pair implements bias-corrected averaging:
// both start at 1 so early estimates are not damped toward the initial
// scale.
//
//	accum' = rate*accum + max(|x|)
//	state' = rate*state + 1
//	scale' = accum' / state'
type MovingAverageEstimator struct {
	movingRate float32

	scale float32
	accum float32
	state float32
}

// NewMovingAverageEstimator creates an estimator with the given moving
// rate, which must lie in (0,1).
func NewMovingAverageEstimator(movingRate float32) (*MovingAverageEstimator, error) {
	return newMovingAverageEstimator(movingRate, initMovingScale)
}

func newMovingAverageEstimator(movingRate, initScale float32) (*MovingAverageEstimator, error) {
	if err := checkMovingRate(movingRate); err != nil {
		return nil, err
	}
	return &MovingAverageEstimator{
		movingRate: movingRate,
		scale:      initScale,
		accum:      1,
		state:      1,
	}, nil
}

// Update advances the moving average with the current tensor and returns
// the new scale.  Outside training mode it returns the persisted scale
// unchanged and mutates nothing.
func (e *MovingAverageEstimator) Update(x *tensor.Tensor, training bool) float32 {
	if !training {
		return e.scale
	}
	cur := tensor.AbsMax(x)
	e.accum = e.movingRate*e.accum + cur
	e.state = e.movingRate*e.state + 1
	e.scale = e.accum / e.state
	return e.scale
}

// Scale returns the current persisted scale without updating it.
func (e *MovingAverageEstimator) Scale() float32 { return e.scale }

// AbsMaxEstimator computes max(|x|) fresh on every call.  In
// quant-on-weight mode the most recent scale is additionally persisted so
// checkpoints can reproduce inference behaviour; the persisted value is
// never read back by the computation.
type AbsMaxEstimator struct {
	quantOnWeight bool
	scale         float32
}

// NewAbsMaxEstimator creates an abs-max estimator.  quantOnWeight enables
// the persistent scale slot.
func NewAbsMaxEstimator(quantOnWeight bool) *AbsMaxEstimator {
	return &AbsMaxEstimator{quantOnWeight: quantOnWeight}
}

// Update returns max(|x|) computed from the current tensor, in both
// training and eval mode.
func (e *AbsMaxEstimator) Update(x *tensor.Tensor, training bool) float32 {
	scale := tensor.AbsMax(x)
	if e.quantOnWeight {
		e.scale = scale
	}
	return scale
}

// ChannelWiseAbsMaxEstimator computes an independent max(|x|) per channel
// along a fixed quantization axis.  It is only valid for weight
// quantization; the channel count is fixed at construction and checked on
// every call.
type ChannelWiseAbsMaxEstimator struct {
	channelNum int
	axis       int
	scale      []float32
}

// NewChannelWiseAbsMaxEstimator creates a per-channel estimator.
// quantOnWeight must be true and channelNum positive.
func NewChannelWiseAbsMaxEstimator(channelNum, axis int, quantOnWeight bool) (*ChannelWiseAbsMaxEstimator, error) {
	if !quantOnWeight {
		return nil, fmt.Errorf("%w: channel-wise quantization can only be used on weights", ErrConfig)
	}
	if channelNum <= 0 {
		return nil, fmt.Errorf("%w: channel-wise quantization requires a positive channel count, got %d", ErrConfig, channelNum)
	}
	if axis < 0 {
		return nil, fmt.Errorf("%w: negative quantization axis %d", ErrConfig, axis)
	}
	return &ChannelWiseAbsMaxEstimator{
		channelNum: channelNum,
		axis:       axis,
		scale:      make([]float32, channelNum),
	}, nil
}

// Update returns one max(|x|) per channel along the configured axis.  The
// tensor's size along that axis must match the fixed channel count.
func (e *ChannelWiseAbsMaxEstimator) Update(x *tensor.Tensor, training bool) ([]float32, error) {
	if e.axis >= x.Rank() {
		return nil, fmt.Errorf("%w: quant axis %d out of range for rank %d", ErrShapeMismatch, e.axis, x.Rank())
	}
	if got := x.Dim(e.axis); got != e.channelNum {
		return nil, fmt.Errorf("%w: dim %d along axis %d, estimator fixed at %d channels", ErrShapeMismatch, got, e.axis, e.channelNum)
	}
	scale := tensor.AbsMaxAxis(x, e.axis)
	copy(e.scale, scale)
	return scale, nil
}
