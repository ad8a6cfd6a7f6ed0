package tensor

import (
	"math"
	"testing"
)

func assertClose(t *testing.T, got, want, tol float32) {
	t.Helper()
	if diff := math.Abs(float64(got - want)); diff > float64(tol) {
		t.Fatalf("got %v want %v (diff %v)", got, want, diff)
	}
}

func assertCloseSlice(t *testing.T, got, want []float32, tol float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(want))
	}
	for i := range got {
		if diff := math.Abs(float64(got[i] - want[i])); diff > float64(tol) {
			t.Fatalf("index %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestAbsMax(t *testing.T) {
	t.Parallel()

	x := FromData([]float32{-2, 0, 3, -1}, 4)
	if got := AbsMax(x); got != 3 {
		t.Fatalf("AbsMax = %v, want 3", got)
	}

	neg := FromData([]float32{-7.5, -0.25, -1}, 3)
	if got := AbsMax(neg); got != 7.5 {
		t.Fatalf("AbsMax = %v, want 7.5", got)
	}

	empty := New(0)
	if got := AbsMax(empty); got != 0 {
		t.Fatalf("AbsMax of empty = %v, want 0", got)
	}
}

func TestAbsMaxAxisMatchesBruteForce(t *testing.T) {
	t.Parallel()

	x := New(4, 3, 2, 2)
	FillRand(x, 7)

	for axis := 0; axis < x.Rank(); axis++ {
		got := AbsMaxAxis(x, axis)
		want := make([]float32, x.Shape[axis])
		stride := 1
		for i := axis + 1; i < x.Rank(); i++ {
			stride *= x.Shape[i]
		}
		for i, v := range x.Data {
			if v < 0 {
				v = -v
			}
			c := (i / stride) % x.Shape[axis]
			if v > want[c] {
				want[c] = v
			}
		}
		assertCloseSlice(t, got, want, 0)
	}
}

func TestAbsMaxAxisLength(t *testing.T) {
	t.Parallel()

	x := New(6, 5, 4)
	FillRand(x, 3)
	for axis, wantLen := range []int{6, 5, 4} {
		if got := AbsMaxAxis(x, axis); len(got) != wantLen {
			t.Fatalf("axis %d: len %d, want %d", axis, len(got), wantLen)
		}
	}
}

func TestAddBiasConvAxis(t *testing.T) {
	t.Parallel()

	// [1,2,2,2]: bias along axis 1 hits each channel plane.
	x := New(1, 2, 2, 2)
	AddBias(x, []float32{1, -1}, 1)
	want := []float32{1, 1, 1, 1, -1, -1, -1, -1}
	assertCloseSlice(t, x.Data, want, 0)
}

func TestAddBiasLastAxis(t *testing.T) {
	t.Parallel()

	x := New(2, 3)
	AddBias(x, []float32{1, 2, 3}, 1)
	want := []float32{1, 2, 3, 1, 2, 3}
	assertCloseSlice(t, x.Data, want, 0)
}

func TestFillRandDeterministic(t *testing.T) {
	t.Parallel()

	a := New(16)
	b := New(16)
	FillRand(a, 42)
	FillRand(b, 42)
	assertCloseSlice(t, a.Data, b.Data, 0)
}

func TestApplyActivation(t *testing.T) {
	t.Parallel()

	x := FromData([]float32{-1, 0, 2}, 3)
	ApplyActivation(x, ActReLU)
	assertCloseSlice(t, x.Data, []float32{0, 0, 2}, 0)

	y := FromData([]float32{0}, 1)
	ApplyActivation(y, ActSigmoid)
	assertClose(t, y.Data[0], 0.5, 1e-6)

	z := FromData([]float32{0, 1}, 2)
	ApplyActivation(z, ActTanh)
	assertClose(t, z.Data[0], 0, 1e-6)
	assertClose(t, z.Data[1], float32(math.Tanh(1)), 1e-6)
}
