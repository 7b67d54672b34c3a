package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/firenet/tensor"
)

var (
	// ErrShapeMismatch is returned when concatenated samples differ in shape.
	ErrShapeMismatch = errors.New("sample shapes differ")
	// ErrEmptyClass is returned when a class has no samples to weight.
	ErrEmptyClass = errors.New("class has no samples")
)

// Concat stacks sample tensors along the leading dimension, preserving order.
func Concat(parts ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("nothing to concatenate")
	}

	sampleShape := parts[0].SampleShape()
	total := 0
	for i, p := range parts {
		if !tensor.SameShape(p.SampleShape(), sampleShape) {
			return nil, errors.Wrapf(ErrShapeMismatch, "part %d has shape %v, expected %v", i, p.SampleShape(), sampleShape)
		}
		total += p.Len()
	}

	data := make([]float32, 0, total*parts[0].SampleSize())
	for _, p := range parts {
		data = append(data, p.Data...)
	}
	return tensor.New(append([]int{total}, sampleShape...), data)
}

// Labels returns n copies of label.
func Labels(n, label int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = label
	}
	return out
}

// ConcatLabels joins label slices in order.
func ConcatLabels(parts ...[]int) []int {
	var out []int
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// ScalePixels maps raw [0, 255] pixel values to [0, 1] in place.
func ScalePixels(t *tensor.Tensor) {
	t.Scale(1.0 / 255.0)
}

// OneHot encodes integer labels into an [N, numClasses] tensor.
func OneHot(labels []int, numClasses int) (*tensor.Tensor, error) {
	if numClasses <= 0 {
		return nil, errors.Errorf("invalid class count %d", numClasses)
	}
	out := tensor.Zeros(len(labels), numClasses)
	for i, l := range labels {
		if l < 0 || l >= numClasses {
			return nil, errors.Errorf("label %d at index %d outside [0, %d)", l, i, numClasses)
		}
		out.Data[i*numClasses+l] = 1
	}
	return out, nil
}

// ArgMax returns the index of the largest value in every row of an [N, K] tensor.
func ArgMax(t *tensor.Tensor) []int {
	n, k := t.Len(), t.SampleSize()
	out := make([]int, n)
	for i := 0; i < n; i++ {
		row := t.Data[i*k : (i+1)*k]
		best := 0
		for j := 1; j < k; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}

// ClassTotals sums a one-hot tensor column-wise.
func ClassTotals(oneHot *tensor.Tensor) []float64 {
	k := oneHot.SampleSize()
	totals := make([]float64, k)
	for i := 0; i < oneHot.Len(); i++ {
		for j, v := range oneHot.Sample(i) {
			totals[j] += float64(v)
		}
	}
	return totals
}

// ClassWeights returns max(total) / total for every class, so the largest
// class gets weight 1 and smaller classes proportionally more.
func ClassWeights(oneHot *tensor.Tensor) ([]float64, error) {
	totals := ClassTotals(oneHot)
	largest := 0.0
	for _, t := range totals {
		largest = math.Max(largest, t)
	}

	weights := make([]float64, len(totals))
	for i, t := range totals {
		if t <= 0 {
			return nil, errors.Wrapf(ErrEmptyClass, "class %d", i)
		}
		weights[i] = largest / t
	}
	return weights, nil
}

// Split is the result of TrainTestSplit. Rows of X and Y stay aligned.
type Split struct {
	TrainX, TestX *tensor.Tensor
	TrainY, TestY *tensor.Tensor
}

// TrainTestSplit shuffles rows with a fixed seed and holds out
// ceil(n*testSize) of them for testing.
func TrainTestSplit(x, y *tensor.Tensor, testSize float64, seed int64) (*Split, error) {
	n := x.Len()
	if y.Len() != n {
		return nil, errors.Errorf("samples (%d) and labels (%d) are not aligned", n, y.Len())
	}
	if testSize <= 0 || testSize >= 1 {
		return nil, errors.Errorf("test size %v must be in (0, 1)", testSize)
	}

	nTest := int(math.Ceil(testSize * float64(n)))
	nTrain := n - nTest
	if nTest == 0 || nTrain == 0 {
		return nil, errors.Errorf("cannot split %d samples with test size %v", n, testSize)
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	testIdx, trainIdx := perm[:nTest], perm[nTest:]

	s := &Split{}
	var err error
	if s.TrainX, err = x.Gather(trainIdx); err != nil {
		return nil, err
	}
	if s.TestX, err = x.Gather(testIdx); err != nil {
		return nil, err
	}
	if s.TrainY, err = y.Gather(trainIdx); err != nil {
		return nil, err
	}
	if s.TestY, err = y.Gather(testIdx); err != nil {
		return nil, err
	}
	return s, nil
}

// Describe summarises a one-hot label tensor per class.
func Describe(oneHot *tensor.Tensor, classNames []string) string {
	var sb strings.Builder
	totals := ClassTotals(oneHot)
	sb.WriteString(fmt.Sprintf("%d samples, %d classes:", oneHot.Len(), len(totals)))
	for i, t := range totals {
		name := fmt.Sprintf("class %d", i)
		if i < len(classNames) {
			name = classNames[i]
		}
		sb.WriteString(fmt.Sprintf(" %s=%d", name, int(t)))
	}
	return sb.String()
}
