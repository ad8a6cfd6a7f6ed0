package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/lowbitml/quantsim/internal/logger"
	"github.com/lowbitml/quantsim/internal/tensor"
	"github.com/lowbitml/quantsim/pkg/qds"
)

func packCmd() *cli.Command {
	var (
		out     string
		name    string
		shape   string
		batches int64
		seed    int64
		dtype   string
	)

	return &cli.Command{
		Name:  "pack",
		Usage: "Pack a synthetic calibration dataset into a .qds file",
		Flags: append(loggingFlags(),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .qds path",
				Required:    true,
				Destination: &out,
			},
			&cli.StringFlag{
				Name:        "name",
				Usage:       "dataset name",
				Value:       "synthetic",
				Destination: &name,
			},
			&cli.StringFlag{
				Name:        "shape",
				Usage:       "batch shape, comma separated (e.g. 8,3,32,32 or 32,64)",
				Value:       "8,3,32,32",
				Destination: &shape,
			},
			&cli.Int64Flag{
				Name:        "batches",
				Aliases:     []string{"n"},
				Usage:       "number of batches",
				Value:       16,
				Destination: &batches,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "random seed",
				Value:       1,
				Destination: &seed,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "tensor storage dtype (f32, f16)",
				Value:       "f32",
				Destination: &dtype,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyLoggingConfig(c, LoadConfig())
			log := newLogger()
			ctx = logger.WithContext(ctx, log)

			dims, err := parseShape(shape)
			if err != nil {
				return err
			}
			dt := qds.DType(dtype)
			if dt.ElemSize() == 0 {
				return fmt.Errorf("unknown dtype %q (want f32 or f16)", dtype)
			}
			if batches <= 0 {
				return fmt.Errorf("batches must be positive, got %d", batches)
			}

			b := qds.NewBuilder(qds.DatasetInfo{Name: name, Seed: seed})
			for i := int64(0); i < batches; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				batch := tensor.New(dims...)
				tensor.FillRand(batch, seed+i)
				if err := b.Add(fmt.Sprintf("batch%04d", i), batch, dt); err != nil {
					return err
				}
			}
			if err := b.WriteFile(out); err != nil {
				return err
			}
			log.Info("dataset written",
				"path", out, "batches", batches, "shape", dims, "dtype", dtype)
			return nil
		},
	}
}

func parseShape(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	dims := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid shape %q: dimensions must be positive integers", s)
		}
		dims = append(dims, d)
	}
	if len(dims) != 2 && len(dims) != 4 {
		return nil, fmt.Errorf("invalid shape %q: want 2 (NK) or 4 (NCHW) dimensions", s)
	}
	return dims, nil
}
