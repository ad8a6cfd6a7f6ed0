package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/lowbitml/quantsim/internal/calibrate"
	"github.com/lowbitml/quantsim/pkg/qds"
	"github.com/lowbitml/quantsim/pkg/quant"
)

func calibrateCmd() *cli.Command {
	var (
		dataset  string
		outRep   string
		outCkpt  string
		maxSteps int64
		seed     int64
		verify   bool
	)

	return &cli.Command{
		Name:  "calibrate",
		Usage: "Run a dataset through the quantized network and collect scales",
		Flags: append(append(loggingFlags(), quantFlags()...),
			&cli.StringFlag{
				Name:        "dataset",
				Aliases:     []string{"d"},
				Usage:       "input .qds dataset",
				Required:    true,
				Destination: &dataset,
			},
			&cli.StringFlag{
				Name:        "out-report",
				Usage:       "output report JSON path",
				Value:       "report.json",
				Destination: &outRep,
			},
			&cli.StringFlag{
				Name:        "out-checkpoint",
				Usage:       "output checkpoint JSON path",
				Value:       "checkpoint.json",
				Destination: &outCkpt,
			},
			&cli.Int64Flag{
				Name:        "max-steps",
				Usage:       "limit the number of batches (0 = all)",
				Destination: &maxSteps,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "weight initialisation seed",
				Value:       1,
				Destination: &seed,
			},
			&cli.BoolFlag{
				Name:        "verify",
				Usage:       "replay the checkpoint in eval mode after the run",
				Destination: &verify,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyQuantConfig(c, LoadConfig())
			log := newLogger()

			wq, err := quant.ParseStrategy(weightQuant)
			if err != nil {
				return err
			}
			aq, err := quant.ParseStrategy(activationQuant)
			if err != nil {
				return err
			}

			ds, err := qds.OpenDataset(dataset)
			if err != nil {
				return err
			}
			defer func() { _ = ds.Close() }()

			runner := calibrate.New(calibrate.Config{
				WeightQuant:     wq,
				ActivationQuant: aq,
				WeightBits:      int(weightBits),
				ActivationBits:  int(activationBits),
				MovingRate:      float32(movingRate),
				MaxSteps:        int(maxSteps),
				Seed:            seed,
			}, log)

			res, err := runner.Run(ctx, ds)
			if err != nil {
				return err
			}
			if err := calibrate.SaveReport(outRep, res.Report); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			if err := quant.SaveCheckpoint(outCkpt, res.Checkpoint); err != nil {
				return fmt.Errorf("write checkpoint: %w", err)
			}
			log.Info("artifacts written", "report", outRep, "checkpoint", outCkpt)

			if verify {
				scales, err := runner.Replay(ctx, ds, res.Checkpoint)
				if err != nil {
					return fmt.Errorf("verify: %w", err)
				}
				for name, scale := range scales {
					log.Info("frozen scale", "layer", name, "scale", scale)
				}
			}
			return nil
		},
	}
}
