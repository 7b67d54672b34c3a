package engine

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/firenet/layers"
	"github.com/tsawler/firenet/tensor"
)

// layer is the runtime counterpart of a layers.LayerSpec. forward caches
// whatever backward needs; backward returns the gradient w.r.t. the input and
// overwrites the gradients of its parameters.
type layer interface {
	forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	backward(grad *tensor.Tensor) (*tensor.Tensor, error)
	params() []*Param
}

func buildLayer(spec *layers.LayerSpec, rng *rand.Rand, workers int) (layer, error) {
	p := spec.Parameters
	switch spec.Type {
	case layers.Dense:
		return newDenseLayer(spec.Name, spec.InputShape[1], layers.GetIntParam(p, "output_size", 0),
			layers.GetBoolParam(p, "use_bias", true), rng), nil

	case layers.SeparableConv2D:
		k := layers.GetIntParam(p, "kernel_size", 0)
		pad, err := layers.SamePadding(layers.GetStringParam(p, "padding", "same"), k)
		if err != nil {
			return nil, err
		}
		return newSeparableConvLayer(spec.Name, spec.InputShape[1], layers.GetIntParam(p, "filters", 0), k, pad,
			layers.GetBoolParam(p, "use_bias", true), rng, workers), nil

	case layers.BatchNorm:
		l := newBatchNormLayer(spec.Name, spec.InputShape[1],
			float64(layers.GetFloatParam(p, "eps", 1e-3)),
			float64(layers.GetFloatParam(p, "momentum", 0.01)),
			layers.GetBoolParam(p, "affine", true), workers)
		if rs := spec.RunningStatistics; rs != nil {
			if err := l.setRunningStatistics(rs["running_mean"], rs["running_var"]); err != nil {
				return nil, err
			}
		}
		return l, nil

	case layers.MaxPool2D:
		return &maxPoolLayer{pool: layers.GetIntParam(p, "pool_size", 2), workers: workers}, nil

	case layers.Flatten:
		return &flattenLayer{}, nil

	case layers.ReLU:
		return &reluLayer{workers: workers}, nil

	case layers.Dropout:
		return &dropoutLayer{rate: float64(layers.GetFloatParam(p, "rate", 0)), rng: rng}, nil

	case layers.Softmax:
		return &softmaxLayer{workers: workers}, nil

	default:
		return nil, errors.Errorf("unsupported layer type %s", spec.Type)
	}
}
