package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/firenet/layers"
)

// ProgressBar renders a single-line, carriage-return refreshed progress bar.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// UpdateMetrics updates metrics without advancing progress
func (pb *ProgressBar) UpdateMetrics(metrics map[string]float64) {
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)

	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}

	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	// Map iteration order is random; keep the line stable.
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.4f", key, value)
		}
	}

	line += "]"
	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints a layer-by-layer model description.
type ModelArchitecturePrinter struct {
	out       io.Writer
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(out io.Writer, modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{out: out, modelName: modelName}
}

// PrintArchitecture prints every layer and a parameter and memory summary.
func (p *ModelArchitecturePrinter) PrintArchitecture(modelSpec *layers.ModelSpec) {
	fmt.Fprintf(p.out, "Model Architecture:\n")
	fmt.Fprintf(p.out, "%s(\n", p.modelName)
	for _, layer := range modelSpec.Layers {
		fmt.Fprintf(p.out, "  %s\n", p.formatLayer(layer))
	}
	fmt.Fprintf(p.out, ")\n\n")

	fmt.Fprintf(p.out, "Total parameters: %s\n", formatParameterCount(modelSpec.TotalParameters))
	fmt.Fprintf(p.out, "Input size per sample (MB): %.3f\n", calculateInputSize(modelSpec.InputShape))
	fmt.Fprintf(p.out, "Forward/backward pass size per sample (MB): %.3f\n", estimateForwardBackwardSize(modelSpec))
	fmt.Fprintf(p.out, "Params size (MB): %.3f\n\n", float64(modelSpec.TotalParameters*4)/1024/1024)
}

func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	params := layer.Parameters
	switch layer.Type {
	case layers.SeparableConv2D:
		k := layers.GetIntParam(params, "kernel_size", 0)
		return fmt.Sprintf("(%s): SeparableConv2d(%d, %d, kernel_size=(%d, %d), padding=%s, bias=%t)",
			layer.Name,
			layers.GetIntParam(params, "input_channels", 0),
			layers.GetIntParam(params, "filters", 0),
			k, k,
			layers.GetStringParam(params, "padding", "same"),
			layers.GetBoolParam(params, "use_bias", true))
	case layers.Dense:
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)",
			layer.Name,
			layers.GetIntParam(params, "input_size", 0),
			layers.GetIntParam(params, "output_size", 0),
			layers.GetBoolParam(params, "use_bias", true))
	case layers.BatchNorm:
		return fmt.Sprintf("(%s): BatchNorm(%d, eps=%g, momentum=%g)",
			layer.Name,
			layers.GetIntParam(params, "num_features", 0),
			layers.GetFloatParam(params, "eps", 0),
			layers.GetFloatParam(params, "momentum", 0))
	case layers.MaxPool2D:
		return fmt.Sprintf("(%s): MaxPool2d(kernel_size=%d)", layer.Name, layers.GetIntParam(params, "pool_size", 0))
	case layers.Dropout:
		return fmt.Sprintf("(%s): Dropout(p=%g)", layer.Name, layers.GetFloatParam(params, "rate", 0))
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// calculateInputSize is the size in MB of one sample; the batch dimension is ignored.
func calculateInputSize(shape []int) float64 {
	if len(shape) < 2 {
		return 0
	}
	size := 1
	for _, dim := range shape[1:] {
		size *= dim
	}
	return float64(size*4) / 1024 / 1024
}

// estimateForwardBackwardSize sums every layer's activations, doubled for gradients.
func estimateForwardBackwardSize(modelSpec *layers.ModelSpec) float64 {
	total := 0.0
	for _, layer := range modelSpec.Layers {
		total += calculateInputSize(layer.OutputShape)
	}
	return total * 2
}

// TrainingSession drives the progress display of a fit run.
type TrainingSession struct {
	out             io.Writer
	epochs          int
	stepsPerEpoch   int
	validationSteps int
	currentEpoch    int

	trainProgress      *ProgressBar
	validationProgress *ProgressBar

	trainLoss          float64
	trainAccuracy      float64
	validationLoss     float64
	validationAccuracy float64
}

// NewTrainingSession creates a session. A nil out disables all output.
func NewTrainingSession(out io.Writer, epochs, stepsPerEpoch, validationSteps int) *TrainingSession {
	if out == nil {
		out = io.Discard
	}
	return &TrainingSession{
		out:             out,
		epochs:          epochs,
		stepsPerEpoch:   stepsPerEpoch,
		validationSteps: validationSteps,
	}
}

// StartEpoch begins a new epoch
func (ts *TrainingSession) StartEpoch(epoch int) {
	ts.currentEpoch = epoch
	description := fmt.Sprintf("Epoch %d/%d (Training)", epoch, ts.epochs)
	ts.trainProgress = NewProgressBar(ts.out, description, ts.stepsPerEpoch)
}

// UpdateTrainingProgress updates training progress
func (ts *TrainingSession) UpdateTrainingProgress(step int, loss, accuracy float64) {
	ts.trainLoss = loss
	ts.trainAccuracy = accuracy
	ts.trainProgress.Update(step, map[string]float64{"loss": loss, "accuracy": accuracy})
}

// FinishTrainingEpoch completes the training phase of an epoch
func (ts *TrainingSession) FinishTrainingEpoch() {
	ts.trainProgress.Finish()
}

// StartValidation begins the validation phase
func (ts *TrainingSession) StartValidation() {
	if ts.validationSteps <= 0 {
		return
	}
	description := fmt.Sprintf("Epoch %d/%d (Validation)", ts.currentEpoch, ts.epochs)
	ts.validationProgress = NewProgressBar(ts.out, description, ts.validationSteps)
}

// UpdateValidationProgress updates validation progress
func (ts *TrainingSession) UpdateValidationProgress(step int, loss, accuracy float64) {
	ts.validationLoss = loss
	ts.validationAccuracy = accuracy
	if ts.validationProgress != nil {
		ts.validationProgress.Update(step, map[string]float64{"loss": loss, "accuracy": accuracy})
	}
}

// FinishValidationEpoch completes the validation phase of an epoch
func (ts *TrainingSession) FinishValidationEpoch() {
	if ts.validationProgress != nil {
		ts.validationProgress.Finish()
	}
}

// PrintEpochSummary prints a summary of the completed epoch
func (ts *TrainingSession) PrintEpochSummary() {
	fmt.Fprintf(ts.out, "Epoch %d/%d Summary:\n", ts.currentEpoch, ts.epochs)
	fmt.Fprintf(ts.out, "  Training   - Loss: %.4f, Accuracy: %.2f%%\n", ts.trainLoss, ts.trainAccuracy*100)
	if ts.validationSteps > 0 {
		fmt.Fprintf(ts.out, "  Validation - Loss: %.4f, Accuracy: %.2f%%\n", ts.validationLoss, ts.validationAccuracy*100)
	}
	fmt.Fprintln(ts.out)
}
