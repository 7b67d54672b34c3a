package training

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/firenet/tensor"
	"github.com/tsawler/firenet/vision/dataset"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	// Binary metrics treat class 1 as positive.
	Precision MetricType = iota
	Recall
	F1Score
	Specificity

	MacroPrecision
	MacroRecall
	MacroF1
	WeightedF1
	Accuracy
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case WeightedF1:
		return "WeightedF1"
	case Accuracy:
		return "Accuracy"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per (true class, predicted class).
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// UpdateFromPredictions adds a batch of [N, K] probabilities scored against
// [N, K] one-hot targets.
func (cm *ConfusionMatrix) UpdateFromPredictions(predictions, targets *tensor.Tensor) error {
	if predictions.SampleSize() != cm.NumClasses || targets.SampleSize() != cm.NumClasses {
		return errors.Errorf("class count mismatch: expected %d, got predictions %v and targets %v",
			cm.NumClasses, predictions.Shape, targets.Shape)
	}
	return cm.UpdateFromLabels(dataset.ArgMax(predictions), dataset.ArgMax(targets))
}

// UpdateFromLabels adds aligned predicted and true class indices.
func (cm *ConfusionMatrix) UpdateFromLabels(predicted, actual []int) error {
	if len(predicted) != len(actual) {
		return errors.Errorf("labels length mismatch: %d predictions, %d labels", len(predicted), len(actual))
	}
	for i := range predicted {
		p, a := predicted[i], actual[i]
		if p < 0 || p >= cm.NumClasses || a < 0 || a >= cm.NumClasses {
			return errors.Errorf("sample %d: class index out of range (predicted %d, actual %d)", i, p, a)
		}
		cm.Matrix[a][p]++
		cm.TotalSamples++
	}
	return nil
}

// Support is the number of samples whose true class is class.
func (cm *ConfusionMatrix) Support(class int) int {
	total := 0
	for _, n := range cm.Matrix[class] {
		total += n
	}
	return total
}

func (cm *ConfusionMatrix) predictedCount(class int) int {
	total := 0
	for i := 0; i < cm.NumClasses; i++ {
		total += cm.Matrix[i][class]
	}
	return total
}

// ClassPrecision is tp/(tp+fp) for one class, 0 when the class was never predicted.
func (cm *ConfusionMatrix) ClassPrecision(class int) float64 {
	predicted := cm.predictedCount(class)
	if predicted == 0 {
		return 0
	}
	return float64(cm.Matrix[class][class]) / float64(predicted)
}

// ClassRecall is tp/(tp+fn) for one class, 0 when the class has no samples.
func (cm *ConfusionMatrix) ClassRecall(class int) float64 {
	support := cm.Support(class)
	if support == 0 {
		return 0
	}
	return float64(cm.Matrix[class][class]) / float64(support)
}

// ClassF1 is the harmonic mean of ClassPrecision and ClassRecall.
func (cm *ConfusionMatrix) ClassF1(class int) float64 {
	return harmonic(cm.ClassPrecision(class), cm.ClassRecall(class))
}

func harmonic(p, r float64) float64 {
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func (cm *ConfusionMatrix) perClass(f func(int) float64) []float64 {
	out := make([]float64, cm.NumClasses)
	for c := range out {
		out[c] = f(c)
	}
	return out
}

func (cm *ConfusionMatrix) supports() []float64 {
	return cm.perClass(func(c int) float64 { return float64(cm.Support(c)) })
}

func (cm *ConfusionMatrix) macro(f func(int) float64) float64 {
	if cm.NumClasses == 0 {
		return 0
	}
	return floats.Sum(cm.perClass(f)) / float64(cm.NumClasses)
}

func (cm *ConfusionMatrix) weighted(f func(int) float64) float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	return floats.Dot(cm.perClass(f), cm.supports()) / float64(cm.TotalSamples)
}

// GetMetric calculates a single metric.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Precision:
		return cm.binary(cm.ClassPrecision)
	case Recall:
		return cm.binary(cm.ClassRecall)
	case F1Score:
		return cm.binary(cm.ClassF1)
	case Specificity:
		return cm.binary(func(int) float64 { return cm.ClassRecall(0) })
	case MacroPrecision:
		return cm.macro(cm.ClassPrecision)
	case MacroRecall:
		return cm.macro(cm.ClassRecall)
	case MacroF1:
		return cm.macro(cm.ClassF1)
	case WeightedF1:
		return cm.weighted(cm.ClassF1)
	case Accuracy:
		return cm.GetAccuracy()
	default:
		return 0
	}
}

func (cm *ConfusionMatrix) binary(f func(int) float64) float64 {
	if cm.NumClasses != 2 {
		return 0
	}
	return f(1)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// ClassReport is one row of a ClassificationReport.
type ClassReport struct {
	Name      string
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// ClassificationReport holds per-class precision, recall, F1 and support
// together with accuracy and macro/weighted averages.
type ClassificationReport struct {
	Classes     []ClassReport
	Accuracy    float64
	MacroAvg    ClassReport
	WeightedAvg ClassReport
}

// Report builds a ClassificationReport. Missing class names fall back to the index.
func (cm *ConfusionMatrix) Report(classNames []string) *ClassificationReport {
	r := &ClassificationReport{Accuracy: cm.GetAccuracy()}
	for c := 0; c < cm.NumClasses; c++ {
		name := fmt.Sprintf("%d", c)
		if c < len(classNames) {
			name = classNames[c]
		}
		r.Classes = append(r.Classes, ClassReport{
			Name:      name,
			Precision: cm.ClassPrecision(c),
			Recall:    cm.ClassRecall(c),
			F1:        cm.ClassF1(c),
			Support:   cm.Support(c),
		})
	}
	r.MacroAvg = ClassReport{
		Name:      "macro avg",
		Precision: cm.macro(cm.ClassPrecision),
		Recall:    cm.macro(cm.ClassRecall),
		F1:        cm.macro(cm.ClassF1),
		Support:   cm.TotalSamples,
	}
	r.WeightedAvg = ClassReport{
		Name:      "weighted avg",
		Precision: cm.weighted(cm.ClassPrecision),
		Recall:    cm.weighted(cm.ClassRecall),
		F1:        cm.weighted(cm.ClassF1),
		Support:   cm.TotalSamples,
	}
	return r
}

// String renders the report as a fixed-width table.
func (r *ClassificationReport) String() string {
	width := len("weighted avg")
	for _, c := range r.Classes {
		if len(c.Name) > width {
			width = len(c.Name)
		}
	}

	var sb strings.Builder
	row := func(c ClassReport) {
		sb.WriteString(fmt.Sprintf("%*s %9.2f %9.2f %9.2f %9d\n", width, c.Name, c.Precision, c.Recall, c.F1, c.Support))
	}

	sb.WriteString(fmt.Sprintf("%*s %9s %9s %9s %9s\n\n", width, "", "precision", "recall", "f1-score", "support"))
	for _, c := range r.Classes {
		row(c)
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%*s %9s %9s %9.2f %9d\n", width, "accuracy", "", "", r.Accuracy, r.MacroAvg.Support))
	row(r.MacroAvg)
	row(r.WeightedAvg)
	return sb.String()
}

// ROCPoint represents a point on the ROC curve
type ROCPoint struct {
	Threshold float32
	TPR       float64 // True Positive Rate (Recall)
	FPR       float64 // False Positive Rate (1 - Specificity)
}

type scoredLabel struct {
	score float32
	label int
}

func sortedByScore(scores []float32, labels []int) ([]scoredLabel, int, int, error) {
	if len(scores) != len(labels) {
		return nil, 0, 0, errors.Errorf("scores (%d) and labels (%d) are not aligned", len(scores), len(labels))
	}
	pairs := make([]scoredLabel, len(scores))
	pos, neg := 0, 0
	for i := range scores {
		pairs[i] = scoredLabel{score: scores[i], label: labels[i]}
		if labels[i] == 1 {
			pos++
		} else {
			neg++
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].score > pairs[j].score
	})
	return pairs, pos, neg, nil
}

// ROCCurve returns the ROC curve of positive-class scores, from the highest
// threshold down. The first point is (0, 0).
func ROCCurve(scores []float32, labels []int) ([]ROCPoint, error) {
	pairs, pos, neg, err := sortedByScore(scores, labels)
	if err != nil {
		return nil, err
	}
	if pos == 0 || neg == 0 {
		return nil, errors.New("ROC curve needs both positive and negative samples")
	}

	points := []ROCPoint{{Threshold: 1, TPR: 0, FPR: 0}}
	tp, fp := 0, 0
	for i, p := range pairs {
		if p.label == 1 {
			tp++
		} else {
			fp++
		}
		// Tied scores collapse into one point.
		if i+1 < len(pairs) && pairs[i+1].score == p.score {
			continue
		}
		points = append(points, ROCPoint{
			Threshold: p.score,
			TPR:       float64(tp) / float64(pos),
			FPR:       float64(fp) / float64(neg),
		})
	}
	return points, nil
}

// CalculateAUCROC integrates ROCCurve with the trapezoidal rule.
func CalculateAUCROC(scores []float32, labels []int) (float64, error) {
	points, err := ROCCurve(scores, labels)
	if err != nil {
		return 0, err
	}
	auc := 0.0
	for i := 1; i < len(points); i++ {
		auc += (points[i].FPR - points[i-1].FPR) * (points[i].TPR + points[i-1].TPR) / 2
	}
	return auc, nil
}

// PositiveScores extracts the probability column of class from [N, K] predictions.
func PositiveScores(predictions *tensor.Tensor, class int) []float32 {
	k := predictions.SampleSize()
	out := make([]float32, predictions.Len())
	for i := range out {
		out[i] = predictions.Data[i*k+class]
	}
	return out
}
