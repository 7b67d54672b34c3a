package training

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves           PlotType = "training_curves"
	LearningRateSchedulePlot PlotType = "learning_rate_schedule"
	LearningRateFinderPlot   PlotType = "learning_rate_finder"

	ROCCurvePlot        PlotType = "roc_curve"
	ConfusionMatrixPlot PlotType = "confusion_matrix"
)

// PlotData is the JSON document exchanged with the plotting sidecar and
// rendered locally by RenderPNG.
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`

	Config PlotConfig `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter", "heatmap"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point. Heatmaps use Z for the cell value.
type DataPoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z,omitempty"`
	Label string  `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel    string                 `json:"x_axis_label"`
	YAxisLabel    string                 `json:"y_axis_label"`
	XAxisScale    string                 `json:"x_axis_scale"` // "linear", "log"
	YAxisScale    string                 `json:"y_axis_scale"` // "linear", "log"
	ShowLegend    bool                   `json:"show_legend"`
	ShowGrid      bool                   `json:"show_grid"`
	Width         int                    `json:"width"`
	Height        int                    `json:"height"`
	Interactive   bool                   `json:"interactive"`
	CustomOptions map[string]interface{} `json:"custom_options,omitempty"`
}

// ToJSON converts plot data to JSON
func (pd PlotData) ToJSON() (string, error) {
	b, err := json.Marshal(pd)
	if err != nil {
		return "", errors.Wrap(err, "marshalling plot data")
	}
	return string(b), nil
}

// History maps a metric name to its per-epoch values.
type History map[string][]float64

// Metric names recorded by Fit.
const (
	MetricLoss        = "loss"
	MetricAccuracy    = "accuracy"
	MetricValLoss     = "val_loss"
	MetricValAccuracy = "val_accuracy"
)

// Append records one value per metric.
func (h History) Append(metrics map[string]float64) {
	for k, v := range metrics {
		h[k] = append(h[k], v)
	}
}

// Epochs is the length of the longest recorded series.
func (h History) Epochs() int {
	n := 0
	for _, v := range h {
		if len(v) > n {
			n = len(v)
		}
	}
	return n
}

var historySeries = []struct {
	metric, name, color string
	dashed              bool
}{
	{MetricLoss, "train_loss", "#FF6B6B", false},
	{MetricValLoss, "val_loss", "#FF9F43", true},
	{MetricAccuracy, "train_acc", "#4ECDC4", false},
	{MetricValAccuracy, "val_acc", "#5F27CD", true},
}

// NewHistoryPlot draws loss and accuracy against epoch number.
func NewHistoryPlot(h History, modelName string) PlotData {
	var series []SeriesData
	for _, s := range historySeries {
		values := h[s.metric]
		if len(values) == 0 {
			continue
		}
		sd := SeriesData{
			Name:  s.name,
			Type:  "line",
			Data:  make([]DataPoint, len(values)),
			Style: map[string]interface{}{"color": s.color, "line_width": 2},
		}
		if s.dashed {
			sd.Style["line_style"] = "dashed"
		}
		for i, v := range values {
			sd.Data[i] = DataPoint{X: float64(i), Y: v}
		}
		series = append(series, sd)
	}

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     "Training Loss and Accuracy",
		Timestamp: time.Now(),
		ModelName: modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel:  "Epoch #",
			YAxisLabel:  "Loss/Accuracy",
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      600,
			Interactive: true,
		},
	}
}

// VisualizationCollector accumulates training and evaluation data for plots.
type VisualizationCollector struct {
	modelName string
	enabled   bool

	history       History
	steps         []int
	learningRates []float64

	rocPoints       []ROCPoint
	confusionMatrix [][]int
	classNames      []string
}

// NewVisualizationCollector creates a new, disabled visualization collector
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{
		modelName: modelName,
		history:   History{},
	}
}

// Enable enables visualization data collection
func (vc *VisualizationCollector) Enable() {
	vc.enabled = true
}

// Disable disables visualization data collection
func (vc *VisualizationCollector) Disable() {
	vc.enabled = false
}

// IsEnabled returns whether visualization is enabled
func (vc *VisualizationCollector) IsEnabled() bool {
	return vc.enabled
}

// RecordTrainingStep records the learning rate used by a global step.
func (vc *VisualizationCollector) RecordTrainingStep(step int, learningRate float64) {
	if !vc.enabled {
		return
	}
	vc.steps = append(vc.steps, step)
	vc.learningRates = append(vc.learningRates, learningRate)
}

// RecordEpoch records epoch-level metrics
func (vc *VisualizationCollector) RecordEpoch(metrics map[string]float64) {
	if !vc.enabled {
		return
	}
	vc.history.Append(metrics)
}

// RecordROCData records ROC curve data points
func (vc *VisualizationCollector) RecordROCData(points []ROCPoint) {
	if !vc.enabled {
		return
	}
	vc.rocPoints = append([]ROCPoint(nil), points...)
}

// RecordConfusionMatrix records a confusion matrix
func (vc *VisualizationCollector) RecordConfusionMatrix(cm *ConfusionMatrix, classNames []string) {
	if !vc.enabled {
		return
	}
	vc.confusionMatrix = make([][]int, len(cm.Matrix))
	for i, row := range cm.Matrix {
		vc.confusionMatrix[i] = append([]int(nil), row...)
	}
	vc.classNames = append([]string(nil), classNames...)
}

// History returns a copy of the recorded epoch metrics.
func (vc *VisualizationCollector) History() History {
	out := History{}
	for k, v := range vc.history {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// GenerateTrainingCurvesPlot generates training curves plot data
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	return NewHistoryPlot(vc.history, vc.modelName)
}

// GenerateLearningRateSchedulePlot generates learning rate schedule plot data
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	data := make([]DataPoint, len(vc.learningRates))
	for i, lr := range vc.learningRates {
		data[i] = DataPoint{X: float64(vc.steps[i]), Y: lr}
	}

	return PlotData{
		PlotType:  LearningRateSchedulePlot,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{{
			Name:  "Learning Rate",
			Type:  "line",
			Data:  data,
			Style: map[string]interface{}{"color": "#6C5CE7", "line_width": 2},
		}},
		Config: PlotConfig{
			XAxisLabel:  "Step",
			YAxisLabel:  "Learning Rate",
			XAxisScale:  "linear",
			YAxisScale:  "log",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      400,
			Interactive: true,
		},
	}
}

// GenerateROCCurvePlot generates ROC curve plot data
func (vc *VisualizationCollector) GenerateROCCurvePlot() PlotData {
	data := make([]DataPoint, len(vc.rocPoints))
	for i, p := range vc.rocPoints {
		data[i] = DataPoint{X: p.FPR, Y: p.TPR}
	}

	return PlotData{
		PlotType:  ROCCurvePlot,
		Title:     fmt.Sprintf("ROC Curve - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{
			{
				Name:  "ROC Curve",
				Type:  "line",
				Data:  data,
				Style: map[string]interface{}{"color": "#FF6B6B", "line_width": 2},
			},
			{
				Name:  "Random Classifier",
				Type:  "line",
				Data:  []DataPoint{{X: 0, Y: 0}, {X: 1, Y: 1}},
				Style: map[string]interface{}{"color": "#95A5A6", "line_width": 1, "line_style": "dashed"},
			},
		},
		Config: PlotConfig{
			XAxisLabel:  "False Positive Rate",
			YAxisLabel:  "True Positive Rate",
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       600,
			Height:      600,
			Interactive: true,
		},
	}
}

// GenerateConfusionMatrixPlot generates confusion matrix plot data. It is
// empty until a matrix has been recorded.
func (vc *VisualizationCollector) GenerateConfusionMatrixPlot() PlotData {
	if len(vc.confusionMatrix) == 0 {
		return PlotData{}
	}

	name := func(i int) string {
		if i < len(vc.classNames) {
			return vc.classNames[i]
		}
		return fmt.Sprintf("%d", i)
	}

	var data []DataPoint
	for i, row := range vc.confusionMatrix {
		for j, value := range row {
			data = append(data, DataPoint{
				X:     float64(j),
				Y:     float64(i),
				Z:     float64(value),
				Label: fmt.Sprintf("True: %s, Pred: %s", name(i), name(j)),
			})
		}
	}

	return PlotData{
		PlotType:  ConfusionMatrixPlot,
		Title:     fmt.Sprintf("Confusion Matrix - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{{
			Name:  "Confusion Matrix",
			Type:  "heatmap",
			Data:  data,
			Style: map[string]interface{}{"colorscale": "Blues"},
		}},
		Config: PlotConfig{
			XAxisLabel:  "Predicted Class",
			YAxisLabel:  "True Class",
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			Width:       600,
			Height:      600,
			Interactive: true,
			CustomOptions: map[string]interface{}{
				"class_names": vc.classNames,
			},
		},
	}
}

// GenerateAll returns every plot that has data.
func (vc *VisualizationCollector) GenerateAll() []PlotData {
	var plots []PlotData
	if vc.history.Epochs() > 0 {
		plots = append(plots, vc.GenerateTrainingCurvesPlot())
	}
	if len(vc.learningRates) > 0 {
		plots = append(plots, vc.GenerateLearningRateSchedulePlot())
	}
	if len(vc.rocPoints) > 0 {
		plots = append(plots, vc.GenerateROCCurvePlot())
	}
	if len(vc.confusionMatrix) > 0 {
		plots = append(plots, vc.GenerateConfusionMatrixPlot())
	}
	return plots
}

// Clear drops all collected data.
func (vc *VisualizationCollector) Clear() {
	vc.history = History{}
	vc.steps = nil
	vc.learningRates = nil
	vc.rocPoints = nil
	vc.confusionMatrix = nil
	vc.classNames = nil
}
