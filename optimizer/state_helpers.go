package optimizer

import (
	"github.com/pkg/errors"

	"github.com/tsawler/firenet/checkpoints"
)

// extractBufferState copies a state buffer for checkpointing
func extractBufferState(buffer []float32, shape []int, name string, stateType string) *checkpoints.OptimizerTensor {
	if buffer == nil {
		return nil
	}
	return &checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      append([]float32(nil), buffer...),
		StateType: stateType,
	}
}

// restoreBufferState copies checkpointed data back into a state buffer
func restoreBufferState(buffer []float32, data []float32, name string) error {
	if buffer == nil {
		return errors.Errorf("%s buffer is nil", name)
	}
	if len(data) != len(buffer) {
		return errors.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}
	copy(buffer, data)
	return nil
}

// numericParam reads a hyperparameter that may have round-tripped through
// JSON as float64.
func numericParam[T float32 | uint64](params map[string]interface{}, key string, defaultValue T) T {
	switch val := params[key].(type) {
	case float64:
		return T(val)
	case T:
		return val
	}
	return defaultValue
}

func boolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}
