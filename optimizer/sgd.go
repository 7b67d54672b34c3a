package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/firenet/checkpoints"
	"github.com/tsawler/firenet/engine"
)

// SGDOptimizerState is stochastic gradient descent with optional momentum,
// Nesterov momentum and L2 weight decay:
//
//	g = grad + weightDecay·w
//	v = momentum·v - lr·g
//	w += v                      (classic)
//	w += momentum·v - lr·g      (Nesterov)
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool

	// Velocity per parameter (only if momentum > 0)
	MomentumBuffers [][]float32
	shapes          [][]int

	// Step tracking
	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates an SGD optimizer for parameters of the given shapes
func NewSGDOptimizer(config SGDConfig, weightShapes [][]int) (*SGDOptimizerState, error) {
	if len(weightShapes) == 0 {
		return nil, errors.New("no weight shapes provided")
	}

	if config.LearningRate < 0 {
		return nil, errors.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, errors.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, errors.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		shapes:       weightShapes,
	}

	if config.Momentum > 0 {
		sgd.MomentumBuffers = make([][]float32, len(weightShapes))
		for i, shape := range weightShapes {
			sgd.MomentumBuffers[i] = make([]float32, calculateTensorSize(shape))
		}
	}

	return sgd, nil
}

// NewSGDForParams is a convenience wrapper sizing the optimizer from params.
func NewSGDForParams(config SGDConfig, params []*engine.Param) (*SGDOptimizerState, error) {
	shapes := make([][]int, len(params))
	for i, p := range params {
		shapes[i] = p.Value.Shape
	}
	return NewSGDOptimizer(config, shapes)
}

func calculateTensorSize(shape []int) int {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return size
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step(params []*engine.Param) error {
	if len(params) != len(sgd.shapes) {
		return errors.Errorf("got %d parameters, optimizer was built for %d", len(params), len(sgd.shapes))
	}

	lr, mom, wd := sgd.LearningRate, sgd.Momentum, sgd.WeightDecay
	for i, p := range params {
		w, g := p.Value.Data, p.Grad.Data
		if len(w) != calculateTensorSize(sgd.shapes[i]) {
			return errors.Errorf("parameter %s has %d elements, expected shape %v", p.Name(), len(w), sgd.shapes[i])
		}

		if mom == 0 {
			for j := range w {
				w[j] -= lr * (g[j] + wd*w[j])
			}
			continue
		}

		v := sgd.MomentumBuffers[i]
		for j := range w {
			grad := g[j] + wd*w[j]
			v[j] = mom*v[j] - lr*grad
			if sgd.Nesterov {
				w[j] += mom*v[j] - lr*grad
			} else {
				w[j] += v[j]
			}
		}
	}

	sgd.StepCount++
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (sgd *SGDOptimizerState) GetLearningRate() float32 {
	return sgd.LearningRate
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.MomentumBuffers))

	for i, buffer := range sgd.MomentumBuffers {
		if tensor := extractBufferState(buffer, sgd.shapes[i], fmt.Sprintf("momentum_%d", i), "momentum"); tensor != nil {
			stateData = append(stateData, *tensor)
		}
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.LearningRate = numericParam(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = numericParam(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = numericParam(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = boolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = numericParam(state.Parameters, "step_count", sgd.StepCount)

	if sgd.Momentum > 0 && sgd.MomentumBuffers == nil {
		sgd.MomentumBuffers = make([][]float32, len(sgd.shapes))
		for i, shape := range sgd.shapes {
			sgd.MomentumBuffers[i] = make([]float32, calculateTensorSize(shape))
		}
	}

	for _, tensor := range state.StateData {
		if tensor.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(sgd.MomentumBuffers) {
			return errors.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		if err := restoreBufferState(sgd.MomentumBuffers[idx], tensor.Data, tensor.Name); err != nil {
			return err
		}
	}

	return nil
}
