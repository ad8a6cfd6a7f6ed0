// Package calibrate drives batches from a QDS dataset through a small
// quantized network and collects the scale statistics a deployment
// would freeze for inference.
package calibrate

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lowbitml/quantsim/internal/logger"
	"github.com/lowbitml/quantsim/pkg/qds"
	"github.com/lowbitml/quantsim/pkg/quant"
)

// Config selects the quantization applied during a calibration run.
// The zero value quantizes weights and activations with abs-max at
// 8 bits, matching the layer defaults.
type Config struct {
	WeightQuant     quant.Strategy
	ActivationQuant quant.Strategy

	WeightBits     int     // default 8
	ActivationBits int     // default 8
	MovingRate     float32 // default 0.9

	MaxSteps int   // 0 runs every batch in the dataset
	Hidden   int   // linear head width, default 16
	Classes  int   // output width, default 10
	Seed     int64 // weight initialisation seed
}

func (c Config) withDefaults() Config {
	if c.Hidden == 0 {
		c.Hidden = 16
	}
	if c.Classes == 0 {
		c.Classes = 10
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
	return c
}

// Runner executes calibration runs against one configuration.
type Runner struct {
	cfg Config
	log logger.Logger
}

// New creates a runner.  A nil logger falls back to the default.
func New(cfg Config, log logger.Logger) *Runner {
	if log == nil {
		log = logger.Default()
	}
	return &Runner{cfg: cfg.withDefaults(), log: log}
}

// Result bundles the statistics report with the checkpoint holding the
// full quantizer state of the calibrated network.
type Result struct {
	Report     *Report
	Checkpoint *quant.Checkpoint
}

// Run streams the dataset batches through the network in training mode,
// observing every layer output.  All batches must share the shape of
// the first one.
func (r *Runner) Run(ctx context.Context, ds *qds.Dataset) (*Result, error) {
	if ds.Len() == 0 {
		return nil, fmt.Errorf("dataset %q has no batches", ds.Info().Name)
	}

	first, err := ds.TensorAt(0)
	if err != nil {
		return nil, err
	}
	net, err := buildNetwork(first, r.cfg)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log := r.log.With("run_id", runID, "dataset", ds.Info().Name)
	log.Info("starting calibration",
		"batches", ds.Len(),
		"weight_quant", r.cfg.WeightQuant.String(),
		"activation_quant", r.cfg.ActivationQuant.String())

	steps := ds.Len()
	if r.cfg.MaxSteps > 0 && r.cfg.MaxSteps < steps {
		steps = r.cfg.MaxSteps
	}

	series := make(map[string][]float64, len(net.observers))
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := ds.TensorAt(i)
		if err != nil {
			return nil, err
		}
		if !batch.SameShape(first) {
			return nil, fmt.Errorf("batch %d shape %v does not match first batch %v",
				i, batch.Shape, first.Shape)
		}
		if err := net.forward(batch); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		for _, obs := range net.observers {
			series[obs.name] = append(series[obs.name], float64(obs.scale.Scale()))
		}
		log.Debug("calibration step", "step", i)
	}

	report := buildReport(runID, ds.Info().Name, steps, r.cfg, net, series)
	ckpt := net.checkpoint(runID)
	log.Info("calibration finished", "steps", steps, "layers", len(report.Layers))
	return &Result{Report: report, Checkpoint: ckpt}, nil
}

// Replay restores a checkpoint into a fresh network and runs the
// dataset through it in eval mode.  Frozen scales must not move; the
// returned map holds the per-layer output scales for verification.
func (r *Runner) Replay(ctx context.Context, ds *qds.Dataset, ckpt *quant.Checkpoint) (map[string]float32, error) {
	if ds.Len() == 0 {
		return nil, fmt.Errorf("dataset %q has no batches", ds.Info().Name)
	}
	first, err := ds.TensorAt(0)
	if err != nil {
		return nil, err
	}
	net, err := buildNetwork(first, r.cfg)
	if err != nil {
		return nil, err
	}
	if err := net.loadCheckpoint(ckpt); err != nil {
		return nil, err
	}
	net.eval()

	steps := ds.Len()
	if r.cfg.MaxSteps > 0 && r.cfg.MaxSteps < steps {
		steps = r.cfg.MaxSteps
	}
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := ds.TensorAt(i)
		if err != nil {
			return nil, err
		}
		if err := net.forward(batch); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	scales := make(map[string]float32, len(net.observers))
	for _, ol := range net.observers {
		scales[ol.name] = ol.scale.Scale()
	}
	return scales, nil
}
