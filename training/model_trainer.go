package training

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/firenet/engine"
	"github.com/tsawler/firenet/layers"
	"github.com/tsawler/firenet/optimizer"
	"github.com/tsawler/firenet/tensor"
	"github.com/tsawler/firenet/vision/dataloader"
)

// TrainerConfig configures a ModelTrainer.
type TrainerConfig struct {
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	Momentum     float64 `json:"momentum"`
	WeightDecay  float64 `json:"weight_decay"`
	Nesterov     bool    `json:"nesterov"`

	// ClassWeights multiply each sample's loss by the weight of its class.
	// Nil weighs all classes equally.
	ClassWeights []float64 `json:"class_weights,omitempty"`

	// Scheduler maps the global step to the effective learning rate. Nil keeps it constant.
	Scheduler LRScheduler `json:"-"`
}

// TrainingResult is the outcome of one TrainBatch call.
type TrainingResult struct {
	Loss         float64
	Accuracy     float64
	LearningRate float64
	BatchSize    int
	StepTime     time.Duration
	BatchRate    float64 // samples per second
}

// EvaluationResult summarises a pass over held-out data.
type EvaluationResult struct {
	Loss        float64
	Accuracy    float64
	Predictions *tensor.Tensor
	Confusion   *ConfusionMatrix
}

// ModelTrainer couples a model with its loss and optimizer and runs single
// training steps on mini-batches.
type ModelTrainer struct {
	model     *engine.Model
	optimizer optimizer.Optimizer
	loss      *CrossEntropyLoss
	evalLoss  *CrossEntropyLoss
	scheduler LRScheduler
	config    TrainerConfig

	baseLR      float64
	epoch       int
	currentStep int

	lastStepTime time.Duration
	totalLoss    float64
	averageLoss  float64
}

// NewModelTrainer creates a trainer with an SGD optimizer over the model's parameters.
func NewModelTrainer(model *engine.Model, config TrainerConfig) (*ModelTrainer, error) {
	if err := validateTrainerConfig(config); err != nil {
		return nil, errors.Wrap(err, "invalid trainer configuration")
	}

	sgd, err := optimizer.NewSGDForParams(optimizer.SGDConfig{
		LearningRate: float32(config.LearningRate),
		Momentum:     float32(config.Momentum),
		WeightDecay:  float32(config.WeightDecay),
		Nesterov:     config.Nesterov,
	}, model.Params())
	if err != nil {
		return nil, errors.Wrap(err, "creating SGD optimizer")
	}

	scheduler := config.Scheduler
	if scheduler == nil {
		scheduler = &NoOpScheduler{}
	}

	return &ModelTrainer{
		model:     model,
		optimizer: sgd,
		loss:      NewCrossEntropyLoss(config.ClassWeights),
		evalLoss:  NewCrossEntropyLoss(nil),
		scheduler: scheduler,
		config:    config,
		baseLR:    config.LearningRate,
	}, nil
}

func validateTrainerConfig(config TrainerConfig) error {
	if config.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return errors.Errorf("momentum must be in [0, 1), got %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return errors.Errorf("weight decay must be non-negative, got %f", config.WeightDecay)
	}
	for i, w := range config.ClassWeights {
		if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return errors.Errorf("class weight %d must be positive and finite, got %f", i, w)
		}
	}
	return nil
}

// SetLearningRate replaces the base learning rate the scheduler decays from.
func (mt *ModelTrainer) SetLearningRate(lr float64) {
	mt.baseLR = lr
}

// GetLearningRate returns the base learning rate.
func (mt *ModelTrainer) GetLearningRate() float64 {
	return mt.baseLR
}

// CurrentLearningRate is the rate the next step will use after scheduling.
func (mt *ModelTrainer) CurrentLearningRate() float64 {
	return mt.scheduler.GetLR(mt.epoch, mt.currentStep, mt.baseLR)
}

// SetEpoch records the epoch passed to the scheduler.
func (mt *ModelTrainer) SetEpoch(epoch int) {
	mt.epoch = epoch
}

// TrainBatch runs forward, loss, backward and one optimizer step.
func (mt *ModelTrainer) TrainBatch(batch *dataloader.Batch) (*TrainingResult, error) {
	start := time.Now()

	output, err := mt.model.Forward(batch.Inputs, true)
	if err != nil {
		return nil, errors.Wrap(err, "forward pass")
	}
	loss, err := mt.loss.Forward(output, batch.Targets)
	if err != nil {
		return nil, errors.Wrap(err, "computing loss")
	}
	grad, err := mt.loss.Backward(output, batch.Targets)
	if err != nil {
		return nil, errors.Wrap(err, "loss gradient")
	}
	if err := mt.model.Backward(grad); err != nil {
		return nil, errors.Wrap(err, "backward pass")
	}

	lr := mt.CurrentLearningRate()
	mt.optimizer.UpdateLearningRate(float32(lr))
	if err := mt.optimizer.Step(mt.model.Params()); err != nil {
		return nil, errors.Wrap(err, "optimizer step")
	}

	mt.currentStep++
	mt.totalLoss += loss
	mt.averageLoss = mt.totalLoss / float64(mt.currentStep)
	mt.lastStepTime = time.Since(start)

	acc := BatchAccuracy(output, batch.Targets)
	klog.V(2).Infof("step %d: loss=%.5f acc=%.3f lr=%.3g (%v)", mt.currentStep, loss, acc, lr, mt.lastStepTime)

	return &TrainingResult{
		Loss:         loss,
		Accuracy:     acc,
		LearningRate: lr,
		BatchSize:    batch.Size(),
		StepTime:     mt.lastStepTime,
		BatchRate:    float64(batch.Size()) / mt.lastStepTime.Seconds(),
	}, nil
}

// Predict runs inference in mini-batches.
func (mt *ModelTrainer) Predict(x *tensor.Tensor) (*tensor.Tensor, error) {
	return mt.model.Predict(x, mt.config.BatchSize)
}

// Evaluate scores the model on inputs and one-hot targets without training.
// The reported loss is unweighted.
func (mt *ModelTrainer) Evaluate(ctx context.Context, x, y *tensor.Tensor) (*EvaluationResult, error) {
	if x.Len() != y.Len() {
		return nil, errors.Errorf("samples (%d) and labels (%d) are not aligned", x.Len(), y.Len())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	preds, err := mt.Predict(x)
	if err != nil {
		return nil, errors.Wrap(err, "predicting")
	}
	loss, err := mt.evalLoss.Forward(preds, y)
	if err != nil {
		return nil, errors.Wrap(err, "computing loss")
	}
	cm := NewConfusionMatrix(y.SampleSize())
	if err := cm.UpdateFromPredictions(preds, y); err != nil {
		return nil, err
	}
	return &EvaluationResult{
		Loss:        loss,
		Accuracy:    cm.GetAccuracy(),
		Predictions: preds,
		Confusion:   cm,
	}, nil
}

// Model returns the trained model.
func (mt *ModelTrainer) Model() *engine.Model {
	return mt.model
}

// GetModelSpec returns the model specification
func (mt *ModelTrainer) GetModelSpec() *layers.ModelSpec {
	return mt.model.Spec()
}

// GetModelSummary returns a human-readable model summary
func (mt *ModelTrainer) GetModelSummary() string {
	return mt.model.Spec().Summary()
}

// ModelTrainingStats is a snapshot of trainer counters.
type ModelTrainingStats struct {
	CurrentStep     int
	Epoch           int
	BatchSize       int
	LearningRate    float64
	AverageLoss     float64
	LastStepTime    time.Duration
	ModelParameters int64
	LayerCount      int
}

// GetStats returns the current trainer counters.
func (mt *ModelTrainer) GetStats() *ModelTrainingStats {
	spec := mt.model.Spec()
	return &ModelTrainingStats{
		CurrentStep:     mt.currentStep,
		Epoch:           mt.epoch,
		BatchSize:       mt.config.BatchSize,
		LearningRate:    mt.CurrentLearningRate(),
		AverageLoss:     mt.averageLoss,
		LastStepTime:    mt.lastStepTime,
		ModelParameters: spec.TotalParameters,
		LayerCount:      len(spec.Layers),
	}
}
