package engine

import (
	"github.com/pkg/errors"

	"github.com/tsawler/firenet/parallel"
	"github.com/tsawler/firenet/tensor"
)

// maxPoolLayer is a non-overlapping pool×pool max pooling.
type maxPoolLayer struct {
	pool    int
	workers int

	inShape []int
	argmax  []int32 // flat input index per output element
}

func (l *maxPoolLayer) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Dim() != 4 || x.Shape[2]%l.pool != 0 || x.Shape[3]%l.pool != 0 {
		return nil, errors.Errorf("max pool: input %v not divisible by %d", x.Shape, l.pool)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := h/l.pool, w/l.pool
	out := tensor.Zeros(n, c, oh, ow)
	argmax := make([]int32, len(out.Data))

	parallel.ForEach(n*c, l.workers, func(nc int) {
		in := nc * h * w
		o := nc * oh * ow
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				best := in + y*l.pool*w + xx*l.pool
				for i := 0; i < l.pool; i++ {
					for j := 0; j < l.pool; j++ {
						idx := in + (y*l.pool+i)*w + xx*l.pool + j
						if x.Data[idx] > x.Data[best] {
							best = idx
						}
					}
				}
				out.Data[o+y*ow+xx] = x.Data[best]
				argmax[o+y*ow+xx] = int32(best)
			}
		}
	})

	l.inShape = x.Shape
	l.argmax = argmax
	return out, nil
}

func (l *maxPoolLayer) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if l.argmax == nil {
		return nil, errors.New("max pool: backward before forward")
	}
	dx := tensor.Zeros(l.inShape...)
	// Windows don't overlap, so every input index is hit at most once.
	for i, g := range grad.Data {
		dx.Data[l.argmax[i]] += g
	}
	return dx, nil
}

func (l *maxPoolLayer) params() []*Param { return nil }
