package engine

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/firenet/parallel"
	"github.com/tsawler/firenet/tensor"
)

// separableConvLayer is a stride-1 depthwise k×k convolution (one filter per
// input channel) followed by a 1×1 pointwise convolution to filters channels.
type separableConvLayer struct {
	channels, filters int
	kernel, pad       int
	workers           int

	depthwise *Param // [C, 1, k, k]
	pointwise *Param // [F, C, 1, 1]
	bias      *Param // [F]

	input *tensor.Tensor
	depth *tensor.Tensor // depthwise output [N, C, OH, OW]
}

func newSeparableConvLayer(name string, channels, filters, kernel, pad int, useBias bool, rng *rand.Rand, workers int) *separableConvLayer {
	l := &separableConvLayer{
		channels:  channels,
		filters:   filters,
		kernel:    kernel,
		pad:       pad,
		workers:   workers,
		depthwise: newParam(name, "depthwise_kernel", []int{channels, 1, kernel, kernel}),
		pointwise: newParam(name, "pointwise_kernel", []int{filters, channels, 1, 1}),
	}
	glorotUniform(l.depthwise.Value, channels*kernel*kernel, kernel*kernel, rng)
	glorotUniform(l.pointwise.Value, channels, filters, rng)
	if useBias {
		l.bias = newParam(name, "bias", []int{filters})
	}
	return l
}

func (l *separableConvLayer) outSize(h, w int) (int, int) {
	return h + 2*l.pad - l.kernel + 1, w + 2*l.pad - l.kernel + 1
}

func (l *separableConvLayer) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Dim() != 4 || x.Shape[1] != l.channels {
		return nil, errors.Errorf("separable conv: expected [N, %d, H, W] input, got %v", l.channels, x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := l.outSize(h, w)
	k := l.kernel

	depth := tensor.Zeros(n, c, oh, ow)
	parallel.ForEach(n*c, l.workers, func(nc int) {
		ch := nc % c
		src := x.Data[nc*h*w : (nc+1)*h*w]
		dst := depth.Data[nc*oh*ow : (nc+1)*oh*ow]
		kern := l.depthwise.Value.Data[ch*k*k : (ch+1)*k*k]
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				var sum float32
				for i := 0; i < k; i++ {
					iy := y + i - l.pad
					if iy < 0 || iy >= h {
						continue
					}
					row := src[iy*w : (iy+1)*w]
					for j := 0; j < k; j++ {
						ix := xx + j - l.pad
						if ix < 0 || ix >= w {
							continue
						}
						sum += row[ix] * kern[i*k+j]
					}
				}
				dst[y*ow+xx] = sum
			}
		}
	})

	hw := oh * ow
	out := tensor.Zeros(n, l.filters, oh, ow)
	pw := general(l.filters, c, l.pointwise.Value.Data)
	parallel.ForEach(n, l.workers, func(s int) {
		o := out.Sample(s)
		if l.bias != nil {
			for f, b := range l.bias.Value.Data {
				row := o[f*hw : (f+1)*hw]
				for i := range row {
					row[i] = b
				}
			}
		}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, pw, general(c, hw, depth.Sample(s)), 1, general(l.filters, hw, o))
	})

	l.input = x
	l.depth = depth
	return out, nil
}

func (l *separableConvLayer) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, errors.New("separable conv: backward before forward")
	}
	x := l.input
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := l.outSize(h, w)
	hw := oh * ow
	k := l.kernel

	if l.bias != nil {
		db := l.bias.Grad.Data
		for f := range db {
			db[f] = 0
		}
		for s := 0; s < n; s++ {
			g := grad.Sample(s)
			for f := range db {
				for _, v := range g[f*hw : (f+1)*hw] {
					db[f] += v
				}
			}
		}
	}

	// dP = Σ_n dy[n]·depth[n]ᵀ
	dp := general(l.filters, c, l.pointwise.Grad.Data)
	for s := 0; s < n; s++ {
		beta := float32(1)
		if s == 0 {
			beta = 0
		}
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(l.filters, hw, grad.Sample(s)),
			general(c, hw, l.depth.Sample(s)), beta, dp)
	}

	// dDepth[n] = Pᵀ·dy[n]
	dDepth := tensor.Zeros(n, c, oh, ow)
	pw := general(l.filters, c, l.pointwise.Value.Data)
	parallel.ForEach(n, l.workers, func(s int) {
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, pw, general(l.filters, hw, grad.Sample(s)),
			0, general(c, hw, dDepth.Sample(s)))
	})

	// Depthwise: one goroutine per channel owns dK[c] and dx[:, c].
	dx := tensor.ZerosLike(x)
	parallel.ForEach(c, l.workers, func(ch int) {
		kern := l.depthwise.Value.Data[ch*k*k : (ch+1)*k*k]
		dk := l.depthwise.Grad.Data[ch*k*k : (ch+1)*k*k]
		for i := range dk {
			dk[i] = 0
		}
		for s := 0; s < n; s++ {
			off := (s*c + ch) * h * w
			src := x.Data[off : off+h*w]
			dsrc := dx.Data[off : off+h*w]
			doff := (s*c + ch) * hw
			g := dDepth.Data[doff : doff+hw]
			for y := 0; y < oh; y++ {
				for xx := 0; xx < ow; xx++ {
					gv := g[y*ow+xx]
					if gv == 0 {
						continue
					}
					for i := 0; i < k; i++ {
						iy := y + i - l.pad
						if iy < 0 || iy >= h {
							continue
						}
						for j := 0; j < k; j++ {
							ix := xx + j - l.pad
							if ix < 0 || ix >= w {
								continue
							}
							dk[i*k+j] += gv * src[iy*w+ix]
							dsrc[iy*w+ix] += gv * kern[i*k+j]
						}
					}
				}
			}
		}
	})

	return dx, nil
}

func (l *separableConvLayer) params() []*Param {
	ps := []*Param{l.depthwise, l.pointwise}
	if l.bias != nil {
		ps = append(ps, l.bias)
	}
	return ps
}
