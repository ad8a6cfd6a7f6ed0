package quant

import (
	"github.com/lowbitml/quantsim/internal/tensor"
)

// MovingAverageAbsMaxScale observes a layer's output tensor and tracks
// its moving-average abs-max scale for inference calibration.  It never
// transforms the tensor: Forward returns the scale, and the caller keeps
// using the original output.  Its initial scale is 1, unlike the
// fake-quant moving-average layer.
type MovingAverageAbsMaxScale struct {
	est      *MovingAverageEstimator
	training bool
}

// NewMovingAverageAbsMaxScale creates an output-scale observer with the
// given moving rate in (0,1).
func NewMovingAverageAbsMaxScale(movingRate float32) (*MovingAverageAbsMaxScale, error) {
	est, err := newMovingAverageEstimator(movingRate, 1)
	if err != nil {
		return nil, err
	}
	return &MovingAverageAbsMaxScale{est: est, training: true}, nil
}

// Train puts the observer in training mode: each Forward call updates the
// moving average.
func (o *MovingAverageAbsMaxScale) Train() { o.training = true }

// Eval freezes the observer.
func (o *MovingAverageAbsMaxScale) Eval() { o.training = false }

// Forward observes x and returns the updated (or, in eval mode, frozen)
// scale.
func (o *MovingAverageAbsMaxScale) Forward(x *tensor.Tensor) float32 {
	return o.est.Update(x, o.training)
}

// Scale returns the current scale without observing anything.
func (o *MovingAverageAbsMaxScale) Scale() float32 { return o.est.Scale() }

// State exposes scale/state/accum for checkpoint serialization.
func (o *MovingAverageAbsMaxScale) State() State {
	return State{
		KeyScale: {o.est.scale},
		KeyState: {o.est.state},
		KeyAccum: {o.est.accum},
	}
}

// LoadState restores state collected by State.
func (o *MovingAverageAbsMaxScale) LoadState(s State) error {
	if err := loadScalar(s, KeyScale, &o.est.scale); err != nil {
		return err
	}
	if err := loadScalar(s, KeyState, &o.est.state); err != nil {
		return err
	}
	return loadScalar(s, KeyAccum, &o.est.accum)
}
