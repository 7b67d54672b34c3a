package engine

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/firenet/parallel"
	"github.com/tsawler/firenet/tensor"
)

// batchNormLayer normalises per feature: per channel over N, H, W for 4D
// input and per column over N for 2D input.
type batchNormLayer struct {
	name     string
	features int
	eps      float64
	momentum float64
	workers  int

	gamma *Param
	beta  *Param

	runningMean []float32
	runningVar  []float32

	input   *tensor.Tensor
	xhat    []float32
	invStd  []float64
	trained bool // last forward used batch statistics
}

func newBatchNormLayer(name string, features int, eps, momentum float64, affine bool, workers int) *batchNormLayer {
	l := &batchNormLayer{
		name:        name,
		features:    features,
		eps:         eps,
		momentum:    momentum,
		workers:     workers,
		runningMean: make([]float32, features),
		runningVar:  make([]float32, features),
	}
	for i := range l.runningVar {
		l.runningVar[i] = 1
	}
	if affine {
		l.gamma = newParam(name, "gamma", []int{features})
		l.gamma.Value.Fill(1)
		l.beta = newParam(name, "beta", []int{features})
	}
	return l
}

func (l *batchNormLayer) setRunningStatistics(mean, variance []float32) error {
	if len(mean) != l.features || len(variance) != l.features {
		return errors.Errorf("batch norm %s: running statistics have %d/%d values, expected %d",
			l.name, len(mean), len(variance), l.features)
	}
	copy(l.runningMean, mean)
	copy(l.runningVar, variance)
	return nil
}

// spatial returns the number of contiguous values per (sample, feature).
func spatial(x *tensor.Tensor) int {
	s := 1
	for _, d := range x.Shape[2:] {
		s *= d
	}
	return s
}

func (l *batchNormLayer) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Dim() < 2 || x.Shape[1] != l.features {
		return nil, errors.Errorf("batch norm %s: expected %d features, got shape %v", l.name, l.features, x.Shape)
	}
	n, s := x.Len(), spatial(x)
	m := float64(n * s)
	y := tensor.ZerosLike(x)
	xhat := make([]float32, len(x.Data))
	invStd := make([]float64, l.features)

	parallel.ForEach(l.features, l.workers, func(c int) {
		var mean, variance float64
		if training {
			for i := 0; i < n; i++ {
				off := (i*l.features + c) * s
				for _, v := range x.Data[off : off+s] {
					mean += float64(v)
				}
			}
			mean /= m
			for i := 0; i < n; i++ {
				off := (i*l.features + c) * s
				for _, v := range x.Data[off : off+s] {
					d := float64(v) - mean
					variance += d * d
				}
			}
			variance /= m
			l.runningMean[c] = float32((1-l.momentum)*float64(l.runningMean[c]) + l.momentum*mean)
			l.runningVar[c] = float32((1-l.momentum)*float64(l.runningVar[c]) + l.momentum*variance)
		} else {
			mean = float64(l.runningMean[c])
			variance = float64(l.runningVar[c])
		}

		inv := 1 / math.Sqrt(variance+l.eps)
		invStd[c] = inv
		g, b := float32(1), float32(0)
		if l.gamma != nil {
			g, b = l.gamma.Value.Data[c], l.beta.Value.Data[c]
		}
		for i := 0; i < n; i++ {
			off := (i*l.features + c) * s
			for j := off; j < off+s; j++ {
				xh := float32((float64(x.Data[j]) - mean) * inv)
				xhat[j] = xh
				y.Data[j] = g*xh + b
			}
		}
	})

	l.input = x
	l.xhat = xhat
	l.invStd = invStd
	l.trained = training
	return y, nil
}

func (l *batchNormLayer) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, errors.Errorf("batch norm %s: backward before forward", l.name)
	}
	x := l.input
	n, s := x.Len(), spatial(x)
	m := float64(n * s)
	dx := tensor.ZerosLike(x)

	parallel.ForEach(l.features, l.workers, func(c int) {
		g := float32(1)
		if l.gamma != nil {
			g = l.gamma.Value.Data[c]
		}
		var sumDy, sumDyXhat float64
		for i := 0; i < n; i++ {
			off := (i*l.features + c) * s
			for j := off; j < off+s; j++ {
				sumDy += float64(grad.Data[j])
				sumDyXhat += float64(grad.Data[j]) * float64(l.xhat[j])
			}
		}
		if l.gamma != nil {
			l.gamma.Grad.Data[c] = float32(sumDyXhat)
			l.beta.Grad.Data[c] = float32(sumDy)
		}

		inv := l.invStd[c]
		for i := 0; i < n; i++ {
			off := (i*l.features + c) * s
			for j := off; j < off+s; j++ {
				if !l.trained {
					dx.Data[j] = float32(float64(grad.Data[j]*g) * inv)
					continue
				}
				// dx = γ·inv/m · (m·dy - Σdy - x̂·Σ(dy·x̂))
				d := m*float64(grad.Data[j]) - sumDy - float64(l.xhat[j])*sumDyXhat
				dx.Data[j] = float32(float64(g) * inv / m * d)
			}
		}
	})

	return dx, nil
}

func (l *batchNormLayer) params() []*Param {
	if l.gamma == nil {
		return nil
	}
	return []*Param{l.gamma, l.beta}
}
