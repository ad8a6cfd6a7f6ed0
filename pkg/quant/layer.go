package quant

import (
	"fmt"

	"github.com/lowbitml/quantsim/internal/tensor"
)

// Quantization axes of the wrapped affine ops: convolution weights are
// [Cout, Cin/g, Kh, Kw], linear weights are [In, Out].
const (
	convQuantAxis   = 0
	linearQuantAxis = 1
)

// Options configures the fake-quant steps of a quantized layer.  The zero
// value selects abs-max quantization at 8 bits for both weight and
// activation.
type Options struct {
	WeightBits     int     // default 8
	ActivationBits int     // default 8
	MovingRate     float32 // default 0.9, used by moving-average strategies

	WeightQuant     Strategy
	ActivationQuant Strategy

	// Optional pre-processing applied before the corresponding
	// fake-quant step.
	WeightPre     Transform
	ActivationPre Transform

	// Optional full replacements for either fake-quant step.  When set,
	// the corresponding Strategy and bit width are ignored.
	WeightQuantizer     Quantizer
	ActivationQuantizer Quantizer
}

func (o Options) withDefaults() Options {
	if o.WeightBits == 0 {
		o.WeightBits = 8
	}
	if o.ActivationBits == 0 {
		o.ActivationBits = 8
	}
	if o.MovingRate == 0 {
		o.MovingRate = 0.9
	}
	return o
}

// newQuantizer builds the fake-quant layer for one tensor role.
func newQuantizer(s Strategy, bits int, movingRate float32, quantOnWeight bool, channelNum, axis int) (Quantizer, error) {
	switch s {
	case AbsMax:
		return NewFakeQuantAbsMax(bits, quantOnWeight)
	case MovingAverageAbsMax:
		return NewFakeQuantMovingAverage(bits, movingRate)
	case ChannelWiseAbsMax:
		return NewFakeChannelWiseAbsMax(bits, channelNum, axis, quantOnWeight)
	default:
		return nil, fmt.Errorf("%w: unknown quantize strategy %d", ErrConfig, s)
	}
}

// Conv2D is the plain convolution layer being wrapped: weight, bias and
// spatial parameters, plus an optional activation.  The convolution
// itself is computed by the reference kernel in internal/tensor.
type Conv2D struct {
	Weight *tensor.Tensor // [Cout, Cin/groups, Kh, Kw]
	Bias   []float32      // [Cout], nil for no bias
	Params tensor.ConvParams
	Act    tensor.Activation
}

// Linear is the plain matmul layer being wrapped.
type Linear struct {
	Weight *tensor.Tensor // [In, Out]
	Bias   []float32      // [Out], nil for no bias
	Act    tensor.Activation
}

// QuantizedConv2D computes the same function as Conv2D, with both the
// input and the weight fake-quantized first.
type QuantizedConv2D struct {
	conv Conv2D

	weightQuant Quantizer
	actQuant    Quantizer
	weightPre   Transform
	actPre      Transform

	training bool
}

// NewQuantizedConv2D wraps conv with fake quantization.  Selecting the
// channel-wise strategy for the activation path is a configuration error.
func NewQuantizedConv2D(conv Conv2D, opts Options) (*QuantizedConv2D, error) {
	if conv.Weight == nil || conv.Weight.Rank() != 4 {
		return nil, fmt.Errorf("%w: conv weight must be a rank-4 tensor", ErrConfig)
	}
	opts = opts.withDefaults()

	wq, aq, err := buildQuantizers(opts, conv.Weight.Dim(convQuantAxis), convQuantAxis)
	if err != nil {
		return nil, err
	}
	return &QuantizedConv2D{
		conv:        conv,
		weightQuant: wq,
		actQuant:    aq,
		weightPre:   opts.WeightPre,
		actPre:      opts.ActivationPre,
		training:    true,
	}, nil
}

// Train puts the layer in training mode: scale statistics update on each
// forward pass.
func (l *QuantizedConv2D) Train() { l.training = true }

// Eval freezes scale statistics.
func (l *QuantizedConv2D) Eval() { l.training = false }

// Forward fake-quantizes the input and the weight, then runs the
// convolution, bias add (broadcast over the channel axis) and activation.
func (l *QuantizedConv2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	qx, qw, err := quantizePair(x, l.conv.Weight, l.actPre, l.weightPre, l.actQuant, l.weightQuant, l.training)
	if err != nil {
		return nil, err
	}
	out := tensor.Conv2D(qx, qw, l.conv.Params)
	if l.conv.Bias != nil {
		tensor.AddBias(out, l.conv.Bias, 1)
	}
	tensor.ApplyActivation(out, l.conv.Act)
	return out, nil
}

// BackwardInput maps the upstream gradient of the fake-quantized input
// back through the activation-side quantizer (identity, per the
// straight-through estimator).
func (l *QuantizedConv2D) BackwardInput(grad *tensor.Tensor) *tensor.Tensor {
	return l.actQuant.Backward(grad)
}

// State collects the persistent quantization state of both fake-quant
// steps, keyed "weight" and "input".
func (l *QuantizedConv2D) State() map[string]State {
	return pairState(l.weightQuant, l.actQuant)
}

// LoadState restores state collected by State.
func (l *QuantizedConv2D) LoadState(s map[string]State) error {
	return loadPairState(l.weightQuant, l.actQuant, s)
}

// QuantizedLinear computes the same function as Linear, with both the
// input and the weight fake-quantized first.
type QuantizedLinear struct {
	linear Linear

	weightQuant Quantizer
	actQuant    Quantizer
	weightPre   Transform
	actPre      Transform

	training bool
}

// NewQuantizedLinear wraps linear with fake quantization.  Selecting the
// channel-wise strategy for the activation path is a configuration error.
func NewQuantizedLinear(linear Linear, opts Options) (*QuantizedLinear, error) {
	if linear.Weight == nil || linear.Weight.Rank() != 2 {
		return nil, fmt.Errorf("%w: linear weight must be a rank-2 tensor", ErrConfig)
	}
	opts = opts.withDefaults()

	wq, aq, err := buildQuantizers(opts, linear.Weight.Dim(linearQuantAxis), linearQuantAxis)
	if err != nil {
		return nil, err
	}
	return &QuantizedLinear{
		linear:      linear,
		weightQuant: wq,
		actQuant:    aq,
		weightPre:   opts.WeightPre,
		actPre:      opts.ActivationPre,
		training:    true,
	}, nil
}

// Train puts the layer in training mode.
func (l *QuantizedLinear) Train() { l.training = true }

// Eval freezes scale statistics.
func (l *QuantizedLinear) Eval() { l.training = false }

// Forward fake-quantizes the input and the weight, then runs the matmul,
// bias add (broadcast over the last axis) and activation.
func (l *QuantizedLinear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	qx, qw, err := quantizePair(x, l.linear.Weight, l.actPre, l.weightPre, l.actQuant, l.weightQuant, l.training)
	if err != nil {
		return nil, err
	}
	out := tensor.MatMul(qx, qw)
	if l.linear.Bias != nil {
		tensor.AddBias(out, l.linear.Bias, out.Rank()-1)
	}
	tensor.ApplyActivation(out, l.linear.Act)
	return out, nil
}

// BackwardInput maps the upstream gradient of the fake-quantized input
// back through the activation-side quantizer (identity, per the
// straight-through estimator).
func (l *QuantizedLinear) BackwardInput(grad *tensor.Tensor) *tensor.Tensor {
	return l.actQuant.Backward(grad)
}

// State collects the persistent quantization state of both fake-quant
// steps, keyed "weight" and "input".
func (l *QuantizedLinear) State() map[string]State {
	return pairState(l.weightQuant, l.actQuant)
}

// LoadState restores state collected by State.
func (l *QuantizedLinear) LoadState(s map[string]State) error {
	return loadPairState(l.weightQuant, l.actQuant, s)
}

func buildQuantizers(opts Options, channelNum, quantAxis int) (weight, act Quantizer, err error) {
	if opts.ActivationQuant == ChannelWiseAbsMax && opts.ActivationQuantizer == nil {
		return nil, nil, fmt.Errorf("%w: channel-wise quantization can only be used on weights", ErrConfig)
	}

	weight = opts.WeightQuantizer
	if weight == nil {
		weight, err = newQuantizer(opts.WeightQuant, opts.WeightBits, opts.MovingRate, true, channelNum, quantAxis)
		if err != nil {
			return nil, nil, err
		}
	}
	act = opts.ActivationQuantizer
	if act == nil {
		act, err = newQuantizer(opts.ActivationQuant, opts.ActivationBits, opts.MovingRate, false, 0, 0)
		if err != nil {
			return nil, nil, err
		}
	}
	return weight, act, nil
}

func quantizePair(x, w *tensor.Tensor, actPre, weightPre Transform, actQuant, weightQuant Quantizer, training bool) (qx, qw *tensor.Tensor, err error) {
	if actPre != nil {
		x = actPre(x)
	}
	qx, err = actQuant.Forward(x, training)
	if err != nil {
		return nil, nil, err
	}

	if weightPre != nil {
		w = weightPre(w)
	}
	qw, err = weightQuant.Forward(w, training)
	if err != nil {
		return nil, nil, err
	}
	return qx, qw, nil
}

func pairState(weight, act Quantizer) map[string]State {
	out := make(map[string]State)
	if s := weight.State(); s != nil {
		out["weight"] = s
	}
	if s := act.State(); s != nil {
		out["input"] = s
	}
	return out
}

func loadPairState(weight, act Quantizer, s map[string]State) error {
	if ws, ok := s["weight"]; ok {
		if err := weight.LoadState(ws); err != nil {
			return fmt.Errorf("weight quantizer: %w", err)
		}
	}
	if as, ok := s["input"]; ok {
		if err := act.LoadState(as); err != nil {
			return fmt.Errorf("input quantizer: %w", err)
		}
	}
	return nil
}
