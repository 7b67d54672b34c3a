package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/firenet/tensor"
)

// Probabilities are clipped into [lossEpsilon, 1-lossEpsilon] before the log.
const lossEpsilon = 1e-7

// Loss scores [N, K] network outputs against [N, K] targets.
type Loss interface {
	// Forward returns the mean loss over the batch.
	Forward(predicted, target *tensor.Tensor) (float64, error)
	// Backward returns dLoss/dPredicted.
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// CrossEntropyLoss is categorical cross-entropy over probabilities, with
// optional per-class weights applied to each sample by its target class.
type CrossEntropyLoss struct {
	classWeights []float64
}

// NewCrossEntropyLoss creates the loss. A nil classWeights weighs every class 1.
func NewCrossEntropyLoss(classWeights []float64) *CrossEntropyLoss {
	return &CrossEntropyLoss{classWeights: append([]float64(nil), classWeights...)}
}

// ClassWeights returns a copy of the configured class weights.
func (ce *CrossEntropyLoss) ClassWeights() []float64 {
	return append([]float64(nil), ce.classWeights...)
}

func (ce *CrossEntropyLoss) check(predicted, target *tensor.Tensor) error {
	if predicted.Dim() != 2 || !tensor.SameShape(predicted.Shape, target.Shape) {
		return errors.Errorf("predicted %v and target %v must be matching [N, K] tensors", predicted.Shape, target.Shape)
	}
	if predicted.Len() == 0 {
		return errors.New("empty batch")
	}
	if ce.classWeights != nil && len(ce.classWeights) != predicted.SampleSize() {
		return errors.Errorf("%d class weights for %d classes", len(ce.classWeights), predicted.SampleSize())
	}
	return nil
}

// sampleWeight is the target-weighted class weight of row i.
func (ce *CrossEntropyLoss) sampleWeight(target []float32) float64 {
	if ce.classWeights == nil {
		return 1
	}
	w := 0.0
	for k, t := range target {
		w += float64(t) * ce.classWeights[k]
	}
	return w
}

func clipProb(p float32) float64 {
	return math.Min(math.Max(float64(p), lossEpsilon), 1-lossEpsilon)
}

func clipped(p float32) bool {
	v := float64(p)
	return v < lossEpsilon || v > 1-lossEpsilon
}

// Forward computes mean_i( w_i * -sum_k t_ik log p_ik ).
func (ce *CrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := ce.check(predicted, target); err != nil {
		return 0, err
	}
	n := predicted.Len()
	total := 0.0
	for i := 0; i < n; i++ {
		p, t := predicted.Sample(i), target.Sample(i)
		nll := 0.0
		for k := range p {
			if t[k] != 0 {
				nll -= float64(t[k]) * math.Log(clipProb(p[k]))
			}
		}
		total += ce.sampleWeight(t) * nll
	}
	return total / float64(n), nil
}

// Backward computes -w_i * t_ik / p_ik / N. Entries clipped in Forward are
// constant there, so their gradient is zero.
func (ce *CrossEntropyLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := ce.check(predicted, target); err != nil {
		return nil, err
	}
	n := predicted.Len()
	grad := tensor.ZerosLike(predicted)
	for i := 0; i < n; i++ {
		p, t, g := predicted.Sample(i), target.Sample(i), grad.Sample(i)
		w := ce.sampleWeight(t)
		for k := range p {
			if t[k] != 0 && !clipped(p[k]) {
				g[k] = float32(-w * float64(t[k]) / float64(p[k]) / float64(n))
			}
		}
	}
	return grad, nil
}

// BatchAccuracy is the fraction of rows whose argmax matches the target argmax.
func BatchAccuracy(predicted, target *tensor.Tensor) float64 {
	cm := NewConfusionMatrix(predicted.SampleSize())
	if err := cm.UpdateFromPredictions(predicted, target); err != nil {
		return 0
	}
	return cm.GetAccuracy()
}
