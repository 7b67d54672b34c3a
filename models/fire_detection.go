// Package models declares the network topologies trained by this module.
package models

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/firenet/engine"
	"github.com/tsawler/firenet/layers"
)

const (
	bnEpsilon  = 1e-3
	bnMomentum = 0.01
)

// FireDetectionTopology returns the ordered layer list of FireDetectionNet:
// four separable convolution blocks, two dense blocks and a softmax head.
func FireDetectionTopology(classes int) []layers.LayerSpec {
	b := layers.NewModelBuilder(nil)

	sepBlock := func(idx, filters, kernel int, pool bool) {
		b.AddSeparableConv2D(filters, kernel, "same", true, fmt.Sprintf("sepconv%d", idx)).
			AddReLU(fmt.Sprintf("relu%d", idx)).
			AddBatchNorm(0, bnEpsilon, bnMomentum, true, fmt.Sprintf("bn%d", idx))
		if pool {
			b.AddMaxPool2D(2, fmt.Sprintf("pool%d", idx))
		}
	}
	sepBlock(1, 16, 7, true)
	sepBlock(2, 32, 3, true)
	sepBlock(3, 64, 3, false)
	sepBlock(4, 64, 3, true)

	b.AddFlatten("flatten")
	for i := 1; i <= 2; i++ {
		b.AddDense(128, true, fmt.Sprintf("fc%d", i)).
			AddReLU(fmt.Sprintf("fc%d_relu", i)).
			AddBatchNorm(0, bnEpsilon, bnMomentum, true, fmt.Sprintf("fc%d_bn", i)).
			AddDropout(0.5, fmt.Sprintf("fc%d_dropout", i))
	}
	b.AddDense(classes, true, "classifier").
		AddSoftmax("softmax")

	return b.Layers()
}

// CompileFireDetectionNet shape-checks the topology for width×height×depth inputs.
func CompileFireDetectionNet(width, height, depth, classes int) (*layers.ModelSpec, error) {
	if width <= 0 || height <= 0 || depth <= 0 {
		return nil, errors.Errorf("invalid input dimensions %dx%dx%d", width, height, depth)
	}
	if classes < 2 {
		return nil, errors.Errorf("need at least 2 classes, got %d", classes)
	}

	b := layers.NewModelBuilder([]int{-1, depth, height, width})
	for _, l := range FireDetectionTopology(classes) {
		b.AddLayer(l)
	}
	spec, err := b.Compile()
	if err != nil {
		return nil, errors.Wrap(err, "compiling FireDetectionNet")
	}
	return spec, nil
}

// BuildFireDetectionNet returns a freshly initialised, untrained network.
func BuildFireDetectionNet(width, height, depth, classes int, opts engine.Options) (*engine.Model, error) {
	spec, err := CompileFireDetectionNet(width, height, depth, classes)
	if err != nil {
		return nil, err
	}
	return engine.NewModel(spec, opts)
}
