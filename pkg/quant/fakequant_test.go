package quant

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/lowbitml/quantsim/internal/tensor"
)

func TestQuantRange(t *testing.T) {
	t.Parallel()

	if got := QuantRange(8); got != 127 {
		t.Fatalf("QuantRange(8) = %v, want 127", got)
	}
	if got := QuantRange(4); got != 7 {
		t.Fatalf("QuantRange(4) = %v, want 7", got)
	}
	if got := QuantRange(2); got != 1 {
		t.Fatalf("QuantRange(2) = %v, want 1", got)
	}
}

func TestQuantDequantWorkedExample(t *testing.T) {
	t.Parallel()

	// x = [-2, 0, 3, -1], bits = 8, scale = max|x| = 3, range = 127.
	// x/scale*127 = [-84.7, 0, 127, -42.3], rounded [-85, 0, 127, -42],
	// *scale/range = [-2.0079, 0, 3, -0.9921].
	x := tensor.FromData([]float32{-2, 0, 3, -1}, 4)
	out := QuantDequant(x, 3, 8)
	want := []float32{-85 * 3.0 / 127, 0, 3, -42 * 3.0 / 127}
	assertCloseSlice(t, out.Data, want, 1e-6)
	assertCloseSlice(t, out.Data, []float32{-2.0079, 0, 3.0, -0.9921}, 1e-4)
}

func TestQuantDequantRoundTripBound(t *testing.T) {
	t.Parallel()

	const scale = 1.7
	for _, bits := range []int{4, 8, 12} {
		qrange := QuantRange(bits)
		rng := rand.New(rand.NewSource(int64(bits)))
		x := tensor.New(512)
		for i := range x.Data {
			x.Data[i] = (rng.Float32()*2 - 1) * scale // |x| <= scale
		}
		out := QuantDequant(x, scale, bits)
		bound := scale/qrange + 1e-6
		for i := range x.Data {
			diff := math.Abs(float64(out.Data[i] - x.Data[i]))
			if diff > float64(bound) {
				t.Fatalf("bits %d, index %d: |%v - %v| = %v exceeds one step %v",
					bits, i, out.Data[i], x.Data[i], diff, bound)
			}
		}
	}
}

func TestQuantDequantClampsOverflow(t *testing.T) {
	t.Parallel()

	// A stale scale smaller than |x| must clamp instead of overflowing.
	x := tensor.FromData([]float32{10, -10}, 2)
	out := QuantDequant(x, 2, 8)
	assertCloseSlice(t, out.Data, []float32{2, -2}, 1e-6)
}

func TestQuantDequantZeroScale(t *testing.T) {
	t.Parallel()

	x := tensor.FromData([]float32{1.5, -2, 0, 1e30}, 4)
	out := QuantDequant(x, 0, 8)
	for i, v := range out.Data {
		if v != 0 {
			t.Fatalf("index %d: got %v, want 0", i, v)
		}
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("index %d: non-finite output %v", i, v)
		}
	}
}

func TestQuantDequantAxisZeroScaleChannel(t *testing.T) {
	t.Parallel()

	// Channel 0 has scale 0, channel 1 a normal scale.
	x := tensor.FromData([]float32{5, -5, 1, -1}, 2, 2)
	out := QuantDequantAxis(x, []float32{0, 1}, 8, 0)
	assertCloseSlice(t, out.Data[:2], []float32{0, 0}, 0)
	assertCloseSlice(t, out.Data[2:], []float32{1, -1}, 1e-6)
}

func TestQuantDequantAxisBroadcast(t *testing.T) {
	t.Parallel()

	// [2,3] with per-row scales along axis 0: row i uses scale[i].
	x := tensor.FromData([]float32{
		1, -2, 2,
		4, 0, -4,
	}, 2, 3)
	out := QuantDequantAxis(x, []float32{2, 4}, 8, 0)

	wantRow0 := QuantDequant(tensor.FromData([]float32{1, -2, 2}, 3), 2, 8)
	wantRow1 := QuantDequant(tensor.FromData([]float32{4, 0, -4}, 3), 4, 8)
	assertCloseSlice(t, out.Data[:3], wantRow0.Data, 1e-6)
	assertCloseSlice(t, out.Data[3:], wantRow1.Data, 1e-6)
}

func TestFakeQuantAbsMaxForward(t *testing.T) {
	t.Parallel()

	q, err := NewFakeQuantAbsMax(8, false)
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}
	x := tensor.FromData([]float32{-2, 0, 3, -1}, 4)
	out, err := q.Forward(x, true)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	assertCloseSlice(t, out.Data, []float32{-2.0079, 0, 3.0, -0.9921}, 1e-4)
	if !out.SameShape(x) {
		t.Fatalf("output shape %v, want %v", out.Shape, x.Shape)
	}
}

func TestFakeQuantBackwardIsIdentity(t *testing.T) {
	t.Parallel()

	grad := tensor.FromData([]float32{0.1, -0.2, 0.3}, 3)

	absmax, _ := NewFakeQuantAbsMax(8, true)
	moving, _ := NewFakeQuantMovingAverage(8, 0.9)
	chanwise, _ := NewFakeChannelWiseAbsMax(8, 3, 0, true)

	for _, q := range []Quantizer{absmax, moving, chanwise} {
		got := q.Backward(grad)
		assertCloseSlice(t, got.Data, grad.Data, 0)
	}
}

func TestFakeQuantMovingAverageEvalUsesStoredScale(t *testing.T) {
	t.Parallel()

	q, err := NewFakeQuantMovingAverage(8, 0.9)
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}

	// Before any training step the initial scale 0.001 applies, so eval
	// output saturates at +-0.001 for larger inputs.
	x := tensor.FromData([]float32{0.5, -0.5}, 2)
	out, err := q.Forward(x, false)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	assertCloseSlice(t, out.Data, []float32{0.001, -0.001}, 1e-7)
}

func TestFakeQuantStateRoundTrip(t *testing.T) {
	t.Parallel()

	q, err := NewFakeQuantMovingAverage(8, 0.9)
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}
	x := tensor.FromData([]float32{2, -1}, 2)
	if _, err := q.Forward(x, true); err != nil {
		t.Fatalf("forward: %v", err)
	}

	s := q.State()
	for _, key := range []string{KeyScale, KeyState, KeyAccum} {
		if len(s[key]) != 1 {
			t.Fatalf("state %q missing or wrong length: %v", key, s[key])
		}
	}

	restored, err := NewFakeQuantMovingAverage(8, 0.9)
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}
	if err := restored.LoadState(s); err != nil {
		t.Fatalf("load state: %v", err)
	}

	// Eval output of the restored layer matches the original.
	a, _ := q.Forward(x, false)
	b, _ := restored.Forward(x, false)
	assertCloseSlice(t, b.Data, a.Data, 0)
}

func TestFakeQuantAbsMaxStateOnlyOnWeight(t *testing.T) {
	t.Parallel()

	act, _ := NewFakeQuantAbsMax(8, false)
	if s := act.State(); s != nil {
		t.Fatalf("activation abs-max should have no state, got %v", s)
	}
	if err := act.LoadState(State{KeyScale: {1}}); !errors.Is(err, ErrConfig) {
		t.Fatalf("loading scale into stateless quantizer: err %v, want ErrConfig", err)
	}

	w, _ := NewFakeQuantAbsMax(8, true)
	if _, err := w.Forward(tensor.FromData([]float32{-7}, 1), true); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if s := w.State(); len(s[KeyScale]) != 1 || s[KeyScale][0] != 7 {
		t.Fatalf("weight abs-max state = %v, want scale [7]", s)
	}
}

func TestFakeQuantBitLengthValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewFakeQuantAbsMax(1, false); !errors.Is(err, ErrConfig) {
		t.Fatalf("bits=1: err %v, want ErrConfig", err)
	}
	if _, err := NewFakeQuantMovingAverage(32, 0.9); !errors.Is(err, ErrConfig) {
		t.Fatalf("bits=32: err %v, want ErrConfig", err)
	}
}
