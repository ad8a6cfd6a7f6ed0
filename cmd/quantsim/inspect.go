package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/lowbitml/quantsim/internal/calibrate"
	"github.com/lowbitml/quantsim/pkg/qds"
	"github.com/lowbitml/quantsim/pkg/quant"
)

func inspectCmd() *cli.Command {
	var (
		path        string
		tensorLimit int64
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a .qds dataset, report JSON or checkpoint JSON",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "file",
				Aliases:     []string{"f"},
				Usage:       "path to .qds, report.json or checkpoint.json",
				Required:    true,
				Destination: &path,
			},
			&cli.Int64Flag{
				Name:        "tensors-limit",
				Usage:       "limit tensor listing (0 = no limit)",
				Value:       50,
				Destination: &tensorLimit,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx
			if strings.HasSuffix(path, ".qds") {
				return inspectDataset(path, int(tensorLimit))
			}
			return inspectJSON(path)
		},
	}
}

func inspectDataset(path string, limit int) error {
	ds, err := qds.OpenDataset(path)
	if err != nil {
		return err
	}
	defer func() { _ = ds.Close() }()

	info := ds.Info()
	fmt.Printf("dataset:  %s\n", info.Name)
	if info.Description != "" {
		fmt.Printf("desc:     %s\n", info.Description)
	}
	fmt.Printf("created:  %s\n", info.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("seed:     %d\n", info.Seed)
	fmt.Printf("tensors:  %d\n", ds.Len())

	for i, rec := range ds.Records() {
		if limit > 0 && i >= limit {
			fmt.Printf("  ... %d more\n", ds.Len()-limit)
			break
		}
		fmt.Printf("  %-16s %-4s %v (%d bytes)\n", rec.Name, rec.DType, rec.Shape, rec.Size)
	}
	return nil
}

// inspectJSON prints either a checkpoint or a calibration report,
// whichever the file turns out to be.
func inspectJSON(path string) error {
	if ckpt, err := quant.LoadCheckpoint(path); err == nil && len(ckpt.Layers) > 0 {
		return printCheckpoint(ckpt)
	}
	report, err := calibrate.LoadReport(path)
	if err != nil {
		return fmt.Errorf("not a checkpoint or report: %w", err)
	}
	return printReport(report)
}

func printCheckpoint(ckpt *quant.Checkpoint) error {
	fmt.Printf("checkpoint run: %s\n", ckpt.RunID)
	fmt.Printf("created:        %s\n", ckpt.CreatedAt.Format("2006-01-02 15:04:05 MST"))

	names := make([]string, 0, len(ckpt.Layers))
	for name := range ckpt.Layers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		state := ckpt.Layers[name]
		if scale, ok := state[quant.KeyScale]; ok {
			if len(scale) == 1 {
				fmt.Printf("  %-20s scale=%g\n", name, scale[0])
			} else {
				fmt.Printf("  %-20s scale=%d channels\n", name, len(scale))
			}
		}
	}
	return nil
}

func printReport(r *calibrate.Report) error {
	fmt.Printf("report run: %s\n", r.RunID)
	fmt.Printf("dataset:    %s\n", r.Dataset)
	fmt.Printf("steps:      %d\n", r.Steps)
	fmt.Printf("weights:    %s @ %d bits\n", r.WeightQuant, r.WeightBits)
	fmt.Printf("acts:       %s @ %d bits\n", r.ActivationQuant, r.ActivationBits)
	for _, ls := range r.Layers {
		fmt.Printf("  %-8s final=%g mean=%.6f std=%.6f\n",
			ls.Name, ls.FinalScale, ls.ScaleMean, ls.ScaleStd)
	}
	return nil
}
