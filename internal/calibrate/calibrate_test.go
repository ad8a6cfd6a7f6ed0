package calibrate

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/lowbitml/quantsim/internal/tensor"
	"github.com/lowbitml/quantsim/pkg/qds"
	"github.com/lowbitml/quantsim/pkg/quant"
)

func writeDataset(t *testing.T, shape []int, batches int) *qds.Dataset {
	t.Helper()

	b := qds.NewBuilder(qds.DatasetInfo{Name: "calib-test", Seed: 7})
	for i := 0; i < batches; i++ {
		batch := tensor.New(shape...)
		tensor.FillRand(batch, int64(100+i))
		name := fmt.Sprintf("batch%04d", i)
		if err := b.Add(name, batch, qds.DTypeF32); err != nil {
			t.Fatalf("add batch %d: %v", i, err)
		}
	}
	path := filepath.Join(t.TempDir(), "calib.qds")
	if err := b.WriteFile(path); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	ds, err := qds.OpenDataset(path)
	if err != nil {
		t.Fatalf("open dataset: %v", err)
	}
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func TestRunLinearNetwork(t *testing.T) {
	t.Parallel()

	ds := writeDataset(t, []int{4, 6}, 5)
	r := New(Config{}, nil)
	res, err := r.Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	rep := res.Report
	if rep.RunID == "" {
		t.Fatalf("missing run id")
	}
	if rep.Steps != 5 {
		t.Fatalf("steps %d, want 5", rep.Steps)
	}
	if len(rep.Layers) != 2 || rep.Layers[0].Name != "fc1" || rep.Layers[1].Name != "fc2" {
		t.Fatalf("unexpected layers %+v", rep.Layers)
	}
	for _, ls := range rep.Layers {
		if ls.FinalScale <= 0 {
			t.Fatalf("layer %s final scale %v, want > 0", ls.Name, ls.FinalScale)
		}
		if ls.ScaleMean <= 0 {
			t.Fatalf("layer %s scale mean %v, want > 0", ls.Name, ls.ScaleMean)
		}
		if len(ls.WeightScale) != 1 {
			t.Fatalf("layer %s weight scale %v, want one abs-max entry", ls.Name, ls.WeightScale)
		}
	}

	for _, slot := range []string{"fc1.weight", "fc1.out_scale", "fc2.weight", "fc2.out_scale"} {
		if _, ok := res.Checkpoint.Layers[slot]; !ok {
			t.Fatalf("checkpoint missing slot %s", slot)
		}
	}
}

func TestRunConvNetwork(t *testing.T) {
	t.Parallel()

	ds := writeDataset(t, []int{2, 3, 5, 5}, 4)
	r := New(Config{WeightQuant: quant.ChannelWiseAbsMax}, nil)
	res, err := r.Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	rep := res.Report
	if len(rep.Layers) != 2 || rep.Layers[0].Name != "conv1" || rep.Layers[1].Name != "fc1" {
		t.Fatalf("unexpected layers %+v", rep.Layers)
	}
	if got := len(rep.Layers[0].WeightScale); got != convFilters {
		t.Fatalf("conv weight scale has %d channels, want %d", got, convFilters)
	}
	if got := len(rep.Layers[1].WeightScale); got != 10 {
		t.Fatalf("head weight scale has %d channels, want 10", got)
	}
}

func TestRunRespectsMaxSteps(t *testing.T) {
	t.Parallel()

	ds := writeDataset(t, []int{4, 6}, 6)
	r := New(Config{MaxSteps: 2}, nil)
	res, err := r.Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Report.Steps != 2 {
		t.Fatalf("steps %d, want 2", res.Report.Steps)
	}
}

func TestRunRejectsMixedShapes(t *testing.T) {
	t.Parallel()

	b := qds.NewBuilder(qds.DatasetInfo{Name: "mixed"})
	a := tensor.New(4, 6)
	c := tensor.New(4, 7)
	if err := b.Add("batch0", a, qds.DTypeF32); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.Add("batch1", c, qds.DTypeF32); err != nil {
		t.Fatalf("add: %v", err)
	}
	path := filepath.Join(t.TempDir(), "mixed.qds")
	if err := b.WriteFile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	ds, err := qds.OpenDataset(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = ds.Close() }()

	if _, err := New(Config{}, nil).Run(context.Background(), ds); err == nil {
		t.Fatalf("expected shape mismatch error")
	}
}

func TestRunRejectsUnsupportedRank(t *testing.T) {
	t.Parallel()

	ds := writeDataset(t, []int{2, 3, 4}, 1)
	if _, err := New(Config{}, nil).Run(context.Background(), ds); err == nil {
		t.Fatalf("expected rank error for rank-3 batches")
	}
}

func TestReplayKeepsFrozenScales(t *testing.T) {
	t.Parallel()

	ds := writeDataset(t, []int{4, 6}, 5)
	cfg := Config{
		WeightQuant:     quant.MovingAverageAbsMax,
		ActivationQuant: quant.MovingAverageAbsMax,
	}
	r := New(cfg, nil)
	res, err := r.Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	scales, err := r.Replay(context.Background(), ds, res.Checkpoint)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	for _, ls := range res.Report.Layers {
		got, ok := scales[ls.Name]
		if !ok {
			t.Fatalf("replay missing layer %s", ls.Name)
		}
		if got != ls.FinalScale {
			t.Fatalf("layer %s replay scale %v, want frozen %v", ls.Name, got, ls.FinalScale)
		}
	}
}

func TestRunHonoursContext(t *testing.T) {
	t.Parallel()

	ds := writeDataset(t, []int{4, 6}, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(Config{}, nil).Run(ctx, ds); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestReportRoundTrip(t *testing.T) {
	t.Parallel()

	ds := writeDataset(t, []int{4, 6}, 3)
	res, err := New(Config{}, nil).Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	path := filepath.Join(t.TempDir(), "report.json")
	if err := SaveReport(path, res.Report); err != nil {
		t.Fatalf("save report: %v", err)
	}
	got, err := LoadReport(path)
	if err != nil {
		t.Fatalf("load report: %v", err)
	}
	if got.RunID != res.Report.RunID || got.Steps != res.Report.Steps {
		t.Fatalf("report round trip mismatch: got %+v want %+v", got, res.Report)
	}
	if len(got.Layers) != len(res.Report.Layers) {
		t.Fatalf("layer count %d, want %d", len(got.Layers), len(res.Report.Layers))
	}
}
