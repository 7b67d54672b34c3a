package engine

import (
	"math"
	"math/rand"

	"github.com/tsawler/firenet/tensor"
)

// Param is a learnable tensor together with its gradient from the last
// backward pass.
type Param struct {
	Layer string
	Type  string // "kernel", "bias", "depthwise_kernel", "gamma", ...
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// Name returns the fully qualified parameter name, e.g. "sepconv1.bias".
func (p *Param) Name() string {
	return p.Layer + "." + p.Type
}

func newParam(layer, typ string, shape []int) *Param {
	return &Param{
		Layer: layer,
		Type:  typ,
		Value: tensor.Zeros(shape...),
		Grad:  tensor.Zeros(shape...),
	}
}

// glorotUniform fills t from U(-limit, limit) with limit = sqrt(6 / (fanIn + fanOut)).
func glorotUniform(t *tensor.Tensor, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range t.Data {
		t.Data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
}
