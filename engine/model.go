// Package engine executes compiled layer specifications on the CPU: forward
// and backward passes, parameter initialisation and weight import/export.
package engine

import (
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/firenet/checkpoints"
	"github.com/tsawler/firenet/layers"
	"github.com/tsawler/firenet/parallel"
	"github.com/tsawler/firenet/tensor"
)

// Options controls model construction.
type Options struct {
	// Seed for weight initialisation and dropout masks. 0 seeds from the clock.
	Seed int64
	// Workers bounds kernel parallelism. 0 uses parallel.DefaultWorkers.
	Workers int
}

// Model is a runnable network built from a compiled layers.ModelSpec.
// It is not safe for concurrent use.
type Model struct {
	spec    *layers.ModelSpec
	layers  []layer
	workers int
}

// NewModel allocates and initialises every layer of a compiled spec.
func NewModel(spec *layers.ModelSpec, opts Options) (*Model, error) {
	if spec == nil || !spec.Compiled {
		return nil, layers.ErrNotCompiled
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = parallel.DefaultWorkers()
	}

	rng := rand.New(rand.NewSource(seed))
	m := &Model{spec: spec, workers: workers}
	for i := range spec.Layers {
		l, err := buildLayer(&spec.Layers[i], rng, workers)
		if err != nil {
			return nil, errors.Wrapf(err, "building layer %d (%s)", i, spec.Layers[i].Name)
		}
		m.layers = append(m.layers, l)
	}

	klog.V(1).Infof("Built model: %d layers, %d parameters, %d workers", len(m.layers), spec.TotalParameters, workers)
	return m, nil
}

// Spec returns the model specification with current running statistics.
func (m *Model) Spec() *layers.ModelSpec {
	for i, l := range m.layers {
		if bn, ok := l.(*batchNormLayer); ok {
			m.spec.Layers[i].RunningStatistics = map[string][]float32{
				"running_mean": append([]float32(nil), bn.runningMean...),
				"running_var":  append([]float32(nil), bn.runningVar...),
			}
		}
	}
	return m.spec
}

func (m *Model) checkInput(x *tensor.Tensor) error {
	want := m.spec.InputShape[1:]
	if x.Len() == 0 || !tensor.SameShape(x.SampleShape(), want) {
		return errors.Errorf("input shape %v does not match model input [N %v]", x.Shape, want)
	}
	return nil
}

// Forward runs the network. With training set, batch norm uses batch
// statistics and updates its running averages, and dropout is active.
func (m *Model) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := m.checkInput(x); err != nil {
		return nil, err
	}
	out := x
	for i, l := range m.layers {
		var err error
		if out, err = l.forward(out, training); err != nil {
			return nil, errors.Wrapf(err, "forward layer %d (%s)", i, m.spec.Layers[i].Name)
		}
	}
	return out, nil
}

// Backward propagates the gradient of the loss w.r.t. the network output and
// leaves parameter gradients in Params()[i].Grad. It must follow a Forward.
func (m *Model) Backward(grad *tensor.Tensor) error {
	for i := len(m.layers) - 1; i >= 0; i-- {
		var err error
		if grad, err = m.layers[i].backward(grad); err != nil {
			return errors.Wrapf(err, "backward layer %d (%s)", i, m.spec.Layers[i].Name)
		}
	}
	return nil
}

// Predict runs inference in chunks of batchSize and returns the stacked outputs.
func (m *Model) Predict(x *tensor.Tensor, batchSize int) (*tensor.Tensor, error) {
	if err := m.checkInput(x); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = x.Len()
	}

	outSize := m.spec.OutputShape[len(m.spec.OutputShape)-1]
	result := tensor.Zeros(x.Len(), outSize)
	sampleSize := x.SampleSize()

	for start := 0; start < x.Len(); start += batchSize {
		end := start + batchSize
		if end > x.Len() {
			end = x.Len()
		}
		shape := append([]int{end - start}, x.Shape[1:]...)
		chunk, err := tensor.New(shape, x.Data[start*sampleSize:end*sampleSize])
		if err != nil {
			return nil, err
		}
		out, err := m.Forward(chunk, false)
		if err != nil {
			return nil, err
		}
		copy(result.Data[start*outSize:end*outSize], out.Data)
	}
	return result, nil
}

// Params returns every learnable parameter in layer order.
func (m *Model) Params() []*Param {
	var ps []*Param
	for _, l := range m.layers {
		ps = append(ps, l.params()...)
	}
	return ps
}

// Weights exports parameters and batch norm running statistics.
func (m *Model) Weights() []checkpoints.WeightTensor {
	var out []checkpoints.WeightTensor
	for i, l := range m.layers {
		for _, p := range l.params() {
			out = append(out, checkpoints.WeightTensor{
				Name:  p.Name(),
				Shape: append([]int(nil), p.Value.Shape...),
				Data:  append([]float32(nil), p.Value.Data...),
				Layer: p.Layer,
				Type:  p.Type,
			})
		}
		if bn, ok := l.(*batchNormLayer); ok {
			name := m.spec.Layers[i].Name
			out = append(out,
				checkpoints.WeightTensor{
					Name:  name + ".running_mean",
					Shape: []int{bn.features},
					Data:  append([]float32(nil), bn.runningMean...),
					Layer: name,
					Type:  "running_mean",
				},
				checkpoints.WeightTensor{
					Name:  name + ".running_var",
					Shape: []int{bn.features},
					Data:  append([]float32(nil), bn.runningVar...),
					Layer: name,
					Type:  "running_var",
				})
		}
	}
	return out
}

// LoadWeights copies exported weights back into the model, matching by name.
// Every parameter must be present with the right shape.
func (m *Model) LoadWeights(weights []checkpoints.WeightTensor) error {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for _, p := range m.Params() {
		w, ok := byName[p.Name()]
		if !ok {
			return errors.Errorf("missing weight %s", p.Name())
		}
		if !tensor.SameShape(w.Shape, p.Value.Shape) || len(w.Data) != len(p.Value.Data) {
			return errors.Errorf("weight %s has shape %v, expected %v", p.Name(), w.Shape, p.Value.Shape)
		}
		copy(p.Value.Data, w.Data)
	}

	for i, l := range m.layers {
		bn, ok := l.(*batchNormLayer)
		if !ok {
			continue
		}
		name := m.spec.Layers[i].Name
		mean, okMean := byName[name+".running_mean"]
		variance, okVar := byName[name+".running_var"]
		if !okMean || !okVar {
			klog.Warningf("No running statistics for %s, keeping current values", name)
			continue
		}
		if err := bn.setRunningStatistics(mean.Data, variance.Data); err != nil {
			return err
		}
	}
	return nil
}
