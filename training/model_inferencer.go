package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/firenet/engine"
	"github.com/tsawler/firenet/layers"
	"github.com/tsawler/firenet/tensor"
	"github.com/tsawler/firenet/vision/dataset"
)

// ModelInferencer runs a trained model in inference mode and maps its
// outputs to class labels.
type ModelInferencer struct {
	model     *engine.Model
	classes   []string
	batchSize int
}

// InferencerConfig holds configuration for inference-only operations
type InferencerConfig struct {
	BatchSize int `json:"batch_size"`
	Workers   int `json:"workers"`
}

// DefaultInferencerConfig returns a configuration suited to scoring small image sets.
func DefaultInferencerConfig() InferencerConfig {
	return InferencerConfig{BatchSize: 32}
}

// Prediction is the classification of a single sample.
type Prediction struct {
	Class         int
	Label         string
	Confidence    float32
	Probabilities []float32
}

// NewModelInferencer wraps an already built model. classes names the model's
// outputs in order.
func NewModelInferencer(model *engine.Model, classes []string, config InferencerConfig) (*ModelInferencer, error) {
	if model == nil {
		return nil, errors.New("inferencer needs a model")
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	spec := model.Spec()
	out := spec.Layers[len(spec.Layers)-1].OutputShape
	if n := out[len(out)-1]; len(classes) != n {
		return nil, errors.Errorf("model has %d outputs but %d class names were given", n, len(classes))
	}
	return &ModelInferencer{
		model:     model,
		classes:   append([]string(nil), classes...),
		batchSize: config.BatchSize,
	}, nil
}

// LoadInferencer restores a model and its class names from a JSON checkpoint.
func LoadInferencer(path string, config InferencerConfig) (*ModelInferencer, error) {
	model, ckpt, err := LoadModel(path, engine.Options{Workers: config.Workers, Seed: 1})
	if err != nil {
		return nil, err
	}
	if len(ckpt.Metadata.Classes) == 0 {
		return nil, errors.Errorf("checkpoint %s does not record class names", path)
	}
	return NewModelInferencer(model, ckpt.Metadata.Classes, config)
}

// Classes returns the class names in output order.
func (mi *ModelInferencer) Classes() []string {
	return mi.classes
}

// GetModelSpec returns the model specification
func (mi *ModelInferencer) GetModelSpec() *layers.ModelSpec {
	return mi.model.Spec()
}

// Predict returns class probabilities for a batch of inputs.
func (mi *ModelInferencer) Predict(x *tensor.Tensor) (*tensor.Tensor, error) {
	return mi.model.Predict(x, mi.batchSize)
}

// PredictBatch classifies every sample in x.
func (mi *ModelInferencer) PredictBatch(x *tensor.Tensor) ([]Prediction, error) {
	probs, err := mi.Predict(x)
	if err != nil {
		return nil, errors.Wrap(err, "running inference")
	}

	classes := dataset.ArgMax(probs)
	preds := make([]Prediction, len(classes))
	for i, c := range classes {
		row := append([]float32(nil), probs.Sample(i)...)
		preds[i] = Prediction{
			Class:         c,
			Label:         mi.classes[c],
			Confidence:    row[c],
			Probabilities: row,
		}
	}
	return preds, nil
}
