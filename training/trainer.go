package training

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/firenet/tensor"
	"github.com/tsawler/firenet/vision/dataloader"
)

// FitOptions configures ModelTrainer.Fit.
type FitOptions struct {
	Epochs int
	// StepsPerEpoch bounds the mini-batches drawn per epoch. 0 uses one pass
	// over the source.
	StepsPerEpoch int

	// ValidationX and ValidationY, when set, are evaluated after every epoch.
	ValidationX *tensor.Tensor
	ValidationY *tensor.Tensor

	// Progress receives the per-epoch progress bars. Nil disables them.
	Progress io.Writer
	// Collector, when enabled, records learning rates and epoch metrics.
	Collector *VisualizationCollector
}

// Fit trains for opts.Epochs epochs on mini-batches from train and returns
// the per-epoch history. ctx is checked between batches.
func (mt *ModelTrainer) Fit(ctx context.Context, train dataloader.BatchSource, opts FitOptions) (History, error) {
	if opts.Epochs <= 0 {
		return nil, errors.Errorf("epochs must be positive, got %d", opts.Epochs)
	}
	steps := opts.StepsPerEpoch
	if steps <= 0 {
		steps = dataloader.StepsPerEpoch(train)
	}
	if steps <= 0 {
		return nil, ErrNoBatches
	}
	validate := opts.ValidationX != nil && opts.ValidationY != nil

	validationSteps := 0
	if validate {
		validationSteps = 1
	}
	session := NewTrainingSession(opts.Progress, opts.Epochs, steps, validationSteps)
	history := History{}

	for epoch := 1; epoch <= opts.Epochs; epoch++ {
		start := time.Now()
		mt.SetEpoch(epoch - 1)
		session.StartEpoch(epoch)

		var lossSum, accSum float64
		var seen int
		for step := 1; step <= steps; step++ {
			if err := ctx.Err(); err != nil {
				return history, err
			}
			batch, err := train.NextBatch()
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d step %d: loading batch", epoch, step)
			}
			res, err := mt.TrainBatch(batch)
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d step %d", epoch, step)
			}

			n := float64(res.BatchSize)
			lossSum += res.Loss * n
			accSum += res.Accuracy * n
			seen += res.BatchSize
			session.UpdateTrainingProgress(step, lossSum/float64(seen), accSum/float64(seen))
			if opts.Collector != nil {
				opts.Collector.RecordTrainingStep(mt.currentStep, res.LearningRate)
			}
		}
		session.FinishTrainingEpoch()

		metrics := map[string]float64{
			MetricLoss:     lossSum / float64(seen),
			MetricAccuracy: accSum / float64(seen),
		}

		if validate {
			session.StartValidation()
			eval, err := mt.Evaluate(ctx, opts.ValidationX, opts.ValidationY)
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d: validation", epoch)
			}
			metrics[MetricValLoss] = eval.Loss
			metrics[MetricValAccuracy] = eval.Accuracy
			session.UpdateValidationProgress(1, eval.Loss, eval.Accuracy)
			session.FinishValidationEpoch()
		}

		history.Append(metrics)
		if opts.Collector != nil {
			opts.Collector.RecordEpoch(metrics)
		}
		session.PrintEpochSummary()

		if validate {
			klog.Infof("Epoch %d/%d - %v - loss: %.4f - accuracy: %.4f - val_loss: %.4f - val_accuracy: %.4f",
				epoch, opts.Epochs, time.Since(start).Round(time.Millisecond),
				metrics[MetricLoss], metrics[MetricAccuracy], metrics[MetricValLoss], metrics[MetricValAccuracy])
		} else {
			klog.Infof("Epoch %d/%d - %v - loss: %.4f - accuracy: %.4f",
				epoch, opts.Epochs, time.Since(start).Round(time.Millisecond),
				metrics[MetricLoss], metrics[MetricAccuracy])
		}
	}
	mt.SetEpoch(opts.Epochs)
	return history, nil
}
