package calibrate

import (
	"fmt"

	"github.com/lowbitml/quantsim/internal/tensor"
	"github.com/lowbitml/quantsim/pkg/quant"
)

const convFilters = 8

// forwarder is either a quantized conv or linear layer.
type forwarder interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Eval()
	State() map[string]quant.State
	LoadState(map[string]quant.State) error
}

type observedLayer struct {
	name  string
	layer forwarder
	scale *quant.MovingAverageAbsMaxScale

	// flattenTo collapses the layer output to rank 2 before the next
	// layer.  Zero means keep the shape.
	flattenTo int
}

// network is the fixed calibration model.  Rank-4 batches get a conv
// stem followed by a linear head, rank-2 batches two linear layers.
type network struct {
	layers    []*observedLayer
	observers []*observedLayer
	buildErr  error
}

func buildNetwork(first *tensor.Tensor, cfg Config) (*network, error) {
	opts := quant.Options{
		WeightBits:      cfg.WeightBits,
		ActivationBits:  cfg.ActivationBits,
		MovingRate:      cfg.MovingRate,
		WeightQuant:     cfg.WeightQuant,
		ActivationQuant: cfg.ActivationQuant,
	}

	switch first.Rank() {
	case 4:
		return buildConvNetwork(first, cfg, opts)
	case 2:
		return buildLinearNetwork(first, cfg, opts)
	default:
		return nil, fmt.Errorf("batch rank %d not supported, want 2 or 4", first.Rank())
	}
}

func buildConvNetwork(first *tensor.Tensor, cfg Config, opts quant.Options) (*network, error) {
	channels, height, width := first.Dim(1), first.Dim(2), first.Dim(3)

	convWeight := tensor.New(convFilters, channels, 3, 3)
	tensor.FillRand(convWeight, cfg.Seed)
	scaleWeights(convWeight)
	conv, err := quant.NewQuantizedConv2D(quant.Conv2D{
		Weight: convWeight,
		Bias:   make([]float32, convFilters),
		Params: tensor.ConvParams{PadH: 1, PadW: 1},
		Act:    tensor.ActReLU,
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("conv stem: %w", err)
	}

	flat := convFilters * height * width
	head, err := buildHead(flat, cfg, opts)
	if err != nil {
		return nil, err
	}

	net := &network{}
	net.add("conv1", conv, flat, cfg.MovingRate)
	net.add("fc1", head, 0, cfg.MovingRate)
	return net, net.err()
}

func buildLinearNetwork(first *tensor.Tensor, cfg Config, opts quant.Options) (*network, error) {
	features := first.Dim(1)

	hiddenWeight := tensor.New(features, cfg.Hidden)
	tensor.FillRand(hiddenWeight, cfg.Seed)
	scaleWeights(hiddenWeight)
	hidden, err := quant.NewQuantizedLinear(quant.Linear{
		Weight: hiddenWeight,
		Bias:   make([]float32, cfg.Hidden),
		Act:    tensor.ActReLU,
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("hidden layer: %w", err)
	}

	head, err := buildHead(cfg.Hidden, cfg, opts)
	if err != nil {
		return nil, err
	}

	net := &network{}
	net.add("fc1", hidden, 0, cfg.MovingRate)
	net.add("fc2", head, 0, cfg.MovingRate)
	return net, net.err()
}

func buildHead(in int, cfg Config, opts quant.Options) (*quant.QuantizedLinear, error) {
	headWeight := tensor.New(in, cfg.Classes)
	tensor.FillRand(headWeight, cfg.Seed+1)
	scaleWeights(headWeight)
	head, err := quant.NewQuantizedLinear(quant.Linear{
		Weight: headWeight,
		Bias:   make([]float32, cfg.Classes),
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("head layer: %w", err)
	}
	return head, nil
}

// scaleWeights shrinks random init so deep outputs stay near unit range.
func scaleWeights(w *tensor.Tensor) {
	for i := range w.Data {
		w.Data[i] *= 0.1
	}
}

func (n *network) add(name string, layer forwarder, flattenTo int, movingRate float32) {
	if movingRate == 0 {
		movingRate = 0.9
	}
	scale, obsErr := quant.NewMovingAverageAbsMaxScale(movingRate)
	ol := &observedLayer{name: name, layer: layer, scale: scale, flattenTo: flattenTo}
	if obsErr != nil {
		n.buildErr = obsErr
	}
	n.layers = append(n.layers, ol)
	n.observers = append(n.observers, ol)
}

func (n *network) err() error { return n.buildErr }

func (n *network) forward(x *tensor.Tensor) error {
	cur := x
	for _, ol := range n.layers {
		out, err := ol.layer.Forward(cur)
		if err != nil {
			return fmt.Errorf("layer %s: %w", ol.name, err)
		}
		ol.scale.Forward(out)
		if ol.flattenTo > 0 {
			out = tensor.FromData(out.Data, out.Dim(0), ol.flattenTo)
		}
		cur = out
	}
	return nil
}

func (n *network) eval() {
	for _, ol := range n.layers {
		ol.layer.Eval()
		ol.scale.Eval()
	}
}

func (n *network) checkpoint(runID string) *quant.Checkpoint {
	ckpt := quant.NewCheckpoint(runID)
	for _, ol := range n.layers {
		for role, s := range ol.layer.State() {
			ckpt.Add(ol.name+"."+role, s)
		}
		ckpt.Add(ol.name+".out_scale", ol.scale.State())
	}
	return ckpt
}

func (n *network) loadCheckpoint(ckpt *quant.Checkpoint) error {
	for _, ol := range n.layers {
		byRole := make(map[string]quant.State)
		for role := range ol.layer.State() {
			if s, ok := ckpt.Layers[ol.name+"."+role]; ok {
				byRole[role] = s
			}
		}
		if len(byRole) > 0 {
			if err := ol.layer.LoadState(byRole); err != nil {
				return fmt.Errorf("layer %s: %w", ol.name, err)
			}
		}
		if s, ok := ckpt.Layers[ol.name+".out_scale"]; ok {
			if err := ol.scale.LoadState(s); err != nil {
				return fmt.Errorf("observer %s: %w", ol.name, err)
			}
		}
	}
	return nil
}
