package engine

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/firenet/parallel"
	"github.com/tsawler/firenet/tensor"
)

type reluLayer struct {
	output  *tensor.Tensor
	workers int
}

func (l *reluLayer) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	y := x.Clone()
	parallel.ForEachChunk(len(y.Data), l.workers, func(start, end int) {
		for i := start; i < end; i++ {
			if y.Data[i] < 0 {
				y.Data[i] = 0
			}
		}
	})
	l.output = y
	return y, nil
}

func (l *reluLayer) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	dx := grad.Clone()
	out := l.output.Data
	parallel.ForEachChunk(len(out), l.workers, func(start, end int) {
		for i := start; i < end; i++ {
			if out[i] <= 0 {
				dx.Data[i] = 0
			}
		}
	})
	return dx, nil
}

func (l *reluLayer) params() []*Param { return nil }

type flattenLayer struct {
	inShape []int
}

func (l *flattenLayer) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	l.inShape = x.Shape
	return x.Reshape(x.Len(), x.SampleSize())
}

func (l *flattenLayer) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	return grad.Reshape(l.inShape...)
}

func (l *flattenLayer) params() []*Param { return nil }

// dropoutLayer uses inverted dropout: kept units are scaled by 1/(1-rate)
// during training so inference is the identity.
type dropoutLayer struct {
	rate float64
	rng  *rand.Rand
	mask []float32
}

func (l *dropoutLayer) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if !training || l.rate == 0 {
		l.mask = nil
		return x, nil
	}
	scale := float32(1 / (1 - l.rate))
	y := tensor.ZerosLike(x)
	l.mask = make([]float32, len(x.Data))
	for i, v := range x.Data {
		if l.rng.Float64() >= l.rate {
			l.mask[i] = scale
			y.Data[i] = v * scale
		}
	}
	return y, nil
}

func (l *dropoutLayer) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if l.mask == nil {
		return grad, nil
	}
	dx := tensor.ZerosLike(grad)
	for i, g := range grad.Data {
		dx.Data[i] = g * l.mask[i]
	}
	return dx, nil
}

func (l *dropoutLayer) params() []*Param { return nil }

// softmaxLayer normalises each row of a [N, K] input.
type softmaxLayer struct {
	output  *tensor.Tensor
	workers int
}

func (l *softmaxLayer) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Dim() != 2 {
		return nil, errors.Errorf("softmax: expected 2D input, got %v", x.Shape)
	}
	y := tensor.ZerosLike(x)
	parallel.ForEachChunk(x.Len(), l.workers, func(start, end int) {
		for i := start; i < end; i++ {
			softmaxRow(x.Sample(i), y.Sample(i))
		}
	})
	l.output = y
	return y, nil
}

func softmaxRow(in, out []float32) {
	maxV := in[0]
	for _, v := range in[1:] {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for j, v := range in {
		e := math.Exp(float64(v - maxV))
		out[j] = float32(e)
		sum += e
	}
	for j := range out {
		out[j] = float32(float64(out[j]) / sum)
	}
}

// backward applies the softmax Jacobian: dx_i = y_i·(dy_i - Σ_j dy_j·y_j).
func (l *softmaxLayer) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	dx := tensor.ZerosLike(grad)
	parallel.ForEachChunk(grad.Len(), l.workers, func(start, end int) {
		for i := start; i < end; i++ {
			y, g, d := l.output.Sample(i), grad.Sample(i), dx.Sample(i)
			var dot float32
			for j := range y {
				dot += g[j] * y[j]
			}
			for j := range y {
				d[j] = y[j] * (g[j] - dot)
			}
		}
	})
	return dx, nil
}

func (l *softmaxLayer) params() []*Param { return nil }
