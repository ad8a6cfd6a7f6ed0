package tensor

import "fmt"

// ConvParams carries the spatial parameters of a 2D convolution.
type ConvParams struct {
	StrideH, StrideW     int
	PadH, PadW           int
	DilationH, DilationW int
	Groups               int
}

// DefaultConvParams returns unit stride/dilation, zero padding, one group.
func DefaultConvParams() ConvParams {
	return ConvParams{StrideH: 1, StrideW: 1, DilationH: 1, DilationW: 1, Groups: 1}
}

func (p ConvParams) normalise() ConvParams {
	if p.StrideH <= 0 {
		p.StrideH = 1
	}
	if p.StrideW <= 0 {
		p.StrideW = 1
	}
	if p.DilationH <= 0 {
		p.DilationH = 1
	}
	if p.DilationW <= 0 {
		p.DilationW = 1
	}
	if p.Groups <= 0 {
		p.Groups = 1
	}
	return p
}

// Conv2D computes a 2D convolution over x in NCHW layout with a weight
// tensor of shape [Cout, Cin/groups, Kh, Kw].  It is a reference kernel:
// plain loops, no im2col or vector dispatch.
func Conv2D(x, w *Tensor, p ConvParams) *Tensor {
	p = p.normalise()
	if x.Rank() != 4 {
		panic(fmt.Sprintf("conv2d input must be rank 4 (NCHW), got %d", x.Rank()))
	}
	if w.Rank() != 4 {
		panic(fmt.Sprintf("conv2d weight must be rank 4, got %d", w.Rank()))
	}
	batch, cin, inH, inW := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	cout, cinPerG, kh, kw := w.Shape[0], w.Shape[1], w.Shape[2], w.Shape[3]
	if cin != cinPerG*p.Groups {
		panic(fmt.Sprintf("conv2d channel mismatch: input %d, weight %d x %d groups", cin, cinPerG, p.Groups))
	}
	if cout%p.Groups != 0 {
		panic(fmt.Sprintf("conv2d output channels %d not divisible by %d groups", cout, p.Groups))
	}

	outH := (inH+2*p.PadH-p.DilationH*(kh-1)-1)/p.StrideH + 1
	outW := (inW+2*p.PadW-p.DilationW*(kw-1)-1)/p.StrideW + 1
	if outH <= 0 || outW <= 0 {
		panic("conv2d output is empty; check padding and kernel size")
	}
	out := New(batch, cout, outH, outW)

	coutPerG := cout / p.Groups
	for b := 0; b < batch; b++ {
		for oc := 0; oc < cout; oc++ {
			g := oc / coutPerG
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					var sum float32
					for ic := 0; ic < cinPerG; ic++ {
						xc := g*cinPerG + ic
						for ky := 0; ky < kh; ky++ {
							iy := oy*p.StrideH - p.PadH + ky*p.DilationH
							if iy < 0 || iy >= inH {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := ox*p.StrideW - p.PadW + kx*p.DilationW
								if ix < 0 || ix >= inW {
									continue
								}
								xi := ((b*cin+xc)*inH+iy)*inW + ix
								wi := ((oc*cinPerG+ic)*kh+ky)*kw + kx
								sum += x.Data[xi] * w.Data[wi]
							}
						}
					}
					out.Data[((b*cout+oc)*outH+oy)*outW+ox] = sum
				}
			}
		}
	}
	return out
}
