package tensor

import "fmt"

// MatMul multiplies x by w, where w is a [K,N] weight matrix and x has
// shape [..., K].  All leading dims of x are treated as a flattened batch,
// so the output has the same leading dims with the trailing dim replaced
// by N.  The implementation is a straightforward reference kernel; it is
// deliberately unblocked and unvectorised.
func MatMul(x, w *Tensor) *Tensor {
	if w.Rank() != 2 {
		panic(fmt.Sprintf("matmul weight must be rank 2, got %d", w.Rank()))
	}
	if x.Rank() < 1 {
		panic("matmul input must have at least rank 1")
	}
	k := x.Shape[x.Rank()-1]
	if k != w.Shape[0] {
		panic(fmt.Sprintf("matmul inner dims mismatch: %d vs %d", k, w.Shape[0]))
	}
	n := w.Shape[1]
	rows := x.NumEl() / k

	outShape := append([]int(nil), x.Shape[:x.Rank()-1]...)
	outShape = append(outShape, n)
	out := New(outShape...)

	for r := 0; r < rows; r++ {
		xRow := x.Data[r*k : (r+1)*k]
		oRow := out.Data[r*n : (r+1)*n]
		for i, xv := range xRow {
			if xv == 0 {
				continue
			}
			wRow := w.Data[i*n : (i+1)*n]
			for j, wv := range wRow {
				oRow[j] += xv * wv
			}
		}
	}
	return out
}
