package layers

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotCompiled is returned when a ModelSpec is used before Compile.
var ErrNotCompiled = errors.New("model not compiled")

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	SeparableConv2D
	ReLU
	Softmax
	MaxPool2D
	Dropout
	BatchNorm
	Flatten
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case SeparableConv2D:
		return "SeparableConv2D"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case MaxPool2D:
		return "MaxPool2D"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case Flatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// LayerSpec is pure configuration. Execution lives in the engine package.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int  `json:"parameter_shapes,omitempty"`
	ParameterNames  []string `json:"parameter_names,omitempty"`
	ParameterCount  int64    `json:"parameter_count,omitempty"`

	// Non-learnable buffers such as BatchNorm running statistics
	RunningStatistics map[string][]float32 `json:"running_statistics,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration.
// InputShape[0] is the batch dimension; -1 leaves it dynamic.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder for [batch, channels, height, width]
// or [batch, features] inputs.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// Layers returns a copy of the layers added so far.
func (mb *ModelBuilder) Layers() []LayerSpec {
	return append([]LayerSpec(nil), mb.layers...)
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	// Input size will be computed during compilation
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddSeparableConv2D adds a depthwise convolution followed by a 1x1 pointwise
// convolution producing filters channels. Stride is always 1.
// padding "same" keeps the spatial size; "valid" uses no padding.
func (mb *ModelBuilder) AddSeparableConv2D(filters, kernelSize int, padding string, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: SeparableConv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"filters":     filters,
			"kernel_size": kernelSize,
			"padding":     padding,
			"use_bias":    useBias,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// AddSoftmax adds a Softmax activation over the feature axis
func (mb *ModelBuilder) AddSoftmax(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Softmax,
		Name: name,
		Parameters: map[string]interface{}{
			"axis": -1,
		},
	})
}

// AddMaxPool2D adds a non-overlapping max pooling layer.
func (mb *ModelBuilder) AddMaxPool2D(poolSize int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    poolSize,
		},
	})
}

// AddFlatten collapses everything but the batch dimension.
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name})
}

// AddDropout adds a Dropout layer to the model
// rate: dropout probability (0.0 = no dropout, 1.0 = drop all)
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// AddBatchNorm adds a Batch Normalization layer to the model
// numFeatures: channels for 4D input, neurons for 2D input; 0 infers it
// eps: small value added for numerical stability
// momentum: weight of the batch statistics in the running average
// affine: whether to use learnable scale and shift parameters
func (mb *ModelBuilder) AddBatchNorm(numFeatures int, eps float32, momentum float32, affine bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features": numFeatures,
			"eps":          eps,
			"momentum":     momentum,
			"affine":       affine,
		},
	})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, errors.New("cannot compile empty model")
	}
	if len(mb.inputShape) < 2 {
		return nil, errors.Errorf("input shape %v needs a batch and at least one feature dimension", mb.inputShape)
	}
	for i, d := range mb.inputShape[1:] {
		if d <= 0 {
			return nil, errors.Errorf("input dimension %d is %d, must be positive", i+1, d)
		}
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}

	for i, l := range mb.layers {
		model.Layers[i] = l
		model.Layers[i].Parameters = make(map[string]interface{}, len(l.Parameters))
		for k, v := range l.Parameters {
			model.Layers[i].Parameters[k] = v
		}
	}

	currentShape := model.InputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramNames, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d (%s)", i, layer.Name)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterNames = paramNames
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// GetCompiledModel returns a fresh compilation (must call Compile first)
func (mb *ModelBuilder) GetCompiledModel() (*ModelSpec, error) {
	if !mb.compiled {
		return nil, ErrNotCompiled
	}
	return mb.Compile()
}

func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case SeparableConv2D:
		return computeSeparableConv2DInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case MaxPool2D:
		return computeMaxPool2DInfo(layer, inputShape)
	case Flatten:
		return computeFlattenInfo(inputShape)
	case ReLU, Softmax, Dropout:
		return computeActivationInfo(layer, inputShape)
	default:
		return nil, nil, nil, 0, errors.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, int64, error) {
	if len(inputShape) != 2 {
		return nil, nil, nil, 0, errors.Errorf("dense layer requires 2D input, got %v (add a Flatten layer)", inputShape)
	}

	outputSize := GetIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, nil, 0, errors.New("missing or invalid output_size parameter")
	}
	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	inputSize := inputShape[1]
	layer.Parameters["input_size"] = inputSize

	paramShapes := [][]int{{inputSize, outputSize}}
	paramNames := []string{"kernel"}
	paramCount := int64(inputSize * outputSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramNames = append(paramNames, "bias")
		paramCount += int64(outputSize)
	}

	return []int{inputShape[0], outputSize}, paramShapes, paramNames, paramCount, nil
}

func computeSeparableConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, nil, 0, errors.New("SeparableConv2D layer requires 4D input [batch, channels, height, width]")
	}

	filters := GetIntParam(layer.Parameters, "filters", 0)
	if filters <= 0 {
		return nil, nil, nil, 0, errors.New("missing or invalid filters parameter")
	}
	kernelSize := GetIntParam(layer.Parameters, "kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, nil, 0, errors.New("missing or invalid kernel_size parameter")
	}
	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	pad, err := SamePadding(GetStringParam(layer.Parameters, "padding", "same"), kernelSize)
	if err != nil {
		return nil, nil, nil, 0, err
	}

	channels, height, width := inputShape[1], inputShape[2], inputShape[3]
	outH := height + 2*pad - kernelSize + 1
	outW := width + 2*pad - kernelSize + 1
	if outH <= 0 || outW <= 0 {
		return nil, nil, nil, 0, errors.Errorf("kernel %d too large for %dx%d input", kernelSize, height, width)
	}

	layer.Parameters["input_channels"] = channels

	paramShapes := [][]int{
		{channels, 1, kernelSize, kernelSize},
		{filters, channels, 1, 1},
	}
	paramNames := []string{"depthwise_kernel", "pointwise_kernel"}
	paramCount := int64(channels*kernelSize*kernelSize + filters*channels)

	if useBias {
		paramShapes = append(paramShapes, []int{filters})
		paramNames = append(paramNames, "bias")
		paramCount += int64(filters)
	}

	return []int{inputShape[0], filters, outH, outW}, paramShapes, paramNames, paramCount, nil
}

// SamePadding returns the symmetric padding for a stride-1 convolution.
func SamePadding(mode string, kernelSize int) (int, error) {
	switch strings.ToLower(mode) {
	case "same":
		if kernelSize%2 == 0 {
			return 0, errors.Errorf("same padding needs an odd kernel, got %d", kernelSize)
		}
		return kernelSize / 2, nil
	case "valid":
		return 0, nil
	default:
		return 0, errors.Errorf("unknown padding %q", mode)
	}
}

func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, int64, error) {
	if len(inputShape) != 2 && len(inputShape) != 4 {
		return nil, nil, nil, 0, errors.Errorf("batch norm layer requires 2D or 4D input, got %v", inputShape)
	}

	expectedFeatures := inputShape[1]
	numFeatures := GetIntParam(layer.Parameters, "num_features", 0)
	if numFeatures == 0 {
		numFeatures = expectedFeatures
		layer.Parameters["num_features"] = numFeatures
	}
	if numFeatures != expectedFeatures {
		return nil, nil, nil, 0, errors.Errorf("num_features (%d) doesn't match input feature dimension (%d)", numFeatures, expectedFeatures)
	}

	var paramShapes [][]int
	var paramNames []string
	var paramCount int64

	if GetBoolParam(layer.Parameters, "affine", true) {
		paramShapes = [][]int{{numFeatures}, {numFeatures}}
		paramNames = []string{"gamma", "beta"}
		paramCount = int64(numFeatures * 2)
	}

	// running_mean and running_var are buffers, not parameters
	if layer.RunningStatistics == nil {
		mean := make([]float32, numFeatures)
		variance := make([]float32, numFeatures)
		for i := range variance {
			variance[i] = 1
		}
		layer.RunningStatistics = map[string][]float32{
			"running_mean": mean,
			"running_var":  variance,
		}
	}

	return append([]int(nil), inputShape...), paramShapes, paramNames, paramCount, nil
}

func computeMaxPool2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, nil, 0, errors.New("MaxPool2D layer requires 4D input [batch, channels, height, width]")
	}

	pool := GetIntParam(layer.Parameters, "pool_size", 2)
	stride := GetIntParam(layer.Parameters, "stride", pool)
	if pool <= 0 || stride != pool {
		return nil, nil, nil, 0, errors.Errorf("only non-overlapping pooling is supported (pool %d, stride %d)", pool, stride)
	}

	height, width := inputShape[2], inputShape[3]
	if height%pool != 0 || width%pool != 0 {
		return nil, nil, nil, 0, errors.Errorf("spatial size %dx%d is not divisible by pool size %d", height, width, pool)
	}

	return []int{inputShape[0], inputShape[1], height / pool, width / pool}, nil, nil, 0, nil
}

func computeFlattenInfo(inputShape []int) ([]int, [][]int, []string, int64, error) {
	size := 1
	for _, d := range inputShape[1:] {
		size *= d
	}
	return []int{inputShape[0], size}, nil, nil, 0, nil
}

func computeActivationInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, int64, error) {
	if layer.Type == Dropout {
		rate := GetFloatParam(layer.Parameters, "rate", 0)
		if rate < 0 || rate >= 1 {
			return nil, nil, nil, 0, errors.Errorf("dropout rate %v must be in [0, 1)", rate)
		}
	}
	if layer.Type == Softmax && len(inputShape) != 2 {
		return nil, nil, nil, 0, errors.Errorf("softmax requires 2D input, got %v", inputShape)
	}
	return append([]int(nil), inputShape...), nil, nil, 0, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	sb.WriteString("Model Summary:\n")
	sb.WriteString(fmt.Sprintf("Input Shape: %v\n", ms.InputShape))
	sb.WriteString(fmt.Sprintf("Output Shape: %v\n", ms.OutputShape))
	sb.WriteString(fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters))
	sb.WriteString(fmt.Sprintf("Layers: %d\n\n", len(ms.Layers)))

	for i, layer := range ms.Layers {
		sb.WriteString(fmt.Sprintf("Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String()))
		sb.WriteString(fmt.Sprintf("  Input:  %v\n", layer.InputShape))
		sb.WriteString(fmt.Sprintf("  Output: %v\n", layer.OutputShape))
		sb.WriteString(fmt.Sprintf("  Params: %d\n", layer.ParameterCount))
	}

	return sb.String()
}

// GetIntParam reads an int parameter. JSON-decoded numbers arrive as float64.
func GetIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	}
	return defaultValue
}

// GetBoolParam reads a bool parameter.
func GetBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}

// GetFloatParam reads a float parameter.
func GetFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	case int:
		return float32(v)
	}
	return defaultValue
}

// GetStringParam reads a string parameter.
func GetStringParam(params map[string]interface{}, key string, defaultValue string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return defaultValue
}
