package training

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/firenet/checkpoints"
	"github.com/tsawler/firenet/engine"
	"github.com/tsawler/firenet/layers"
	"github.com/tsawler/firenet/optimizer"
)

// CheckpointManager turns trainer state into checkpoints and back.
type CheckpointManager struct {
	trainer      *ModelTrainer
	classes      []string
	bestLoss     float32
	bestAccuracy float32
}

// NewCheckpointManager creates a manager that tags checkpoints with class names.
func NewCheckpointManager(trainer *ModelTrainer, classes []string) *CheckpointManager {
	return &CheckpointManager{
		trainer:  trainer,
		classes:  append([]string(nil), classes...),
		bestLoss: float32(1e9),
	}
}

// Observe records an evaluation so the next checkpoint carries the best values seen.
func (cm *CheckpointManager) Observe(loss, accuracy float64) {
	if float32(loss) < cm.bestLoss {
		cm.bestLoss = float32(loss)
	}
	if float32(accuracy) > cm.bestAccuracy {
		cm.bestAccuracy = float32(accuracy)
	}
}

// CreateCheckpoint snapshots weights, running statistics and optimizer state.
func (cm *CheckpointManager) CreateCheckpoint(description string) (*checkpoints.Checkpoint, error) {
	mt := cm.trainer
	modelSpec := mt.GetModelSpec()
	if modelSpec == nil {
		return nil, errors.New("trainer has no model specification")
	}

	state, err := mt.optimizer.GetState()
	if err != nil {
		return nil, errors.Wrap(err, "extracting optimizer state")
	}

	return &checkpoints.Checkpoint{
		ModelSpec: modelSpec,
		Weights:   mt.model.Weights(),
		TrainingState: checkpoints.TrainingState{
			Epoch:        mt.epoch,
			Step:         mt.currentStep,
			LearningRate: float32(mt.baseLR),
			BestLoss:     cm.bestLoss,
			BestAccuracy: cm.bestAccuracy,
			TotalSteps:   mt.currentStep,
		},
		OptimizerState: state.ToCheckpoint(),
		Metadata: checkpoints.CheckpointMetadata{
			Description: description,
			Tags:        []string{fmt.Sprintf("epoch_%d", mt.epoch)},
			Classes:     cm.classes,
		},
	}, nil
}

// Save writes a checkpoint of the current state in the given format.
func (cm *CheckpointManager) Save(path string, format checkpoints.CheckpointFormat, description string) error {
	checkpoint, err := cm.CreateCheckpoint(description)
	if err != nil {
		return err
	}
	if err := checkpoints.NewCheckpointSaver(format).SaveCheckpoint(checkpoint, path); err != nil {
		return errors.Wrapf(err, "saving %s checkpoint to %s", format, path)
	}
	return nil
}

// Restore loads weights, optimizer state and counters from a checkpoint of a
// compatible architecture.
func (cm *CheckpointManager) Restore(checkpoint *checkpoints.Checkpoint) error {
	mt := cm.trainer
	if !modelsCompatible(mt.GetModelSpec(), checkpoint.ModelSpec) {
		return errors.New("checkpoint model architecture incompatible with current trainer")
	}
	if err := mt.model.LoadWeights(checkpoint.Weights); err != nil {
		return errors.Wrap(err, "loading weights")
	}
	if checkpoint.OptimizerState != nil {
		if err := mt.optimizer.LoadState(optimizer.FromCheckpoint(checkpoint.OptimizerState)); err != nil {
			return errors.Wrap(err, "restoring optimizer state")
		}
	}

	ts := checkpoint.TrainingState
	mt.epoch = ts.Epoch
	mt.currentStep = ts.Step
	mt.baseLR = float64(ts.LearningRate)
	cm.bestLoss = ts.BestLoss
	cm.bestAccuracy = ts.BestAccuracy
	return nil
}

// LoadModel reads a JSON checkpoint and rebuilds its model for inference.
func LoadModel(path string, opts engine.Options) (*engine.Model, *checkpoints.Checkpoint, error) {
	checkpoint, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading %s", path)
	}
	model, err := engine.NewModel(checkpoint.ModelSpec, opts)
	if err != nil {
		return nil, nil, errors.Wrap(err, "building model from checkpoint")
	}
	if err := model.LoadWeights(checkpoint.Weights); err != nil {
		return nil, nil, errors.Wrap(err, "loading weights")
	}
	return model, checkpoint, nil
}

func modelsCompatible(model1, model2 *layers.ModelSpec) bool {
	if model1 == nil || model2 == nil || len(model1.Layers) != len(model2.Layers) {
		return false
	}

	for i, layer1 := range model1.Layers {
		layer2 := model2.Layers[i]
		if layer1.Type != layer2.Type {
			return false
		}
		if len(layer1.ParameterShapes) != len(layer2.ParameterShapes) {
			return false
		}
		for j, shape1 := range layer1.ParameterShapes {
			shape2 := layer2.ParameterShapes[j]
			if len(shape1) != len(shape2) {
				return false
			}
			for k, dim1 := range shape1 {
				if dim1 != shape2[k] {
					return false
				}
			}
		}
	}
	return true
}
