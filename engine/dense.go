package engine

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/firenet/tensor"
)

// denseLayer computes y = x·W + b with W stored [in, out].
type denseLayer struct {
	in, out int
	weight  *Param
	bias    *Param

	input *tensor.Tensor
}

func newDenseLayer(name string, in, out int, useBias bool, rng *rand.Rand) *denseLayer {
	l := &denseLayer{in: in, out: out, weight: newParam(name, "kernel", []int{in, out})}
	glorotUniform(l.weight.Value, in, out, rng)
	if useBias {
		l.bias = newParam(name, "bias", []int{out})
	}
	return l
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

func (l *denseLayer) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Dim() != 2 || x.Shape[1] != l.in {
		return nil, errors.Errorf("dense: expected [N, %d] input, got %v", l.in, x.Shape)
	}
	n := x.Len()
	y := tensor.Zeros(n, l.out)

	if l.bias != nil {
		for i := 0; i < n; i++ {
			copy(y.Sample(i), l.bias.Value.Data)
		}
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		general(n, l.in, x.Data), general(l.in, l.out, l.weight.Value.Data),
		1, general(n, l.out, y.Data))

	l.input = x
	return y, nil
}

func (l *denseLayer) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, errors.New("dense: backward before forward")
	}
	n := l.input.Len()
	g := general(n, l.out, grad.Data)

	// dW = xᵀ·dy
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(n, l.in, l.input.Data), g,
		0, general(l.in, l.out, l.weight.Grad.Data))

	if l.bias != nil {
		db := l.bias.Grad.Data
		for j := range db {
			db[j] = 0
		}
		for i := 0; i < n; i++ {
			for j, v := range grad.Sample(i) {
				db[j] += v
			}
		}
	}

	// dx = dy·Wᵀ
	dx := tensor.Zeros(n, l.in)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, g, general(l.in, l.out, l.weight.Value.Data),
		0, general(n, l.in, dx.Data))
	return dx, nil
}

func (l *denseLayer) params() []*Param {
	if l.bias == nil {
		return []*Param{l.weight}
	}
	return []*Param{l.weight, l.bias}
}
