package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/pkg/errors"

	"github.com/tsawler/firenet/layers"
)

const (
	onnxIRVersion = 7
	onnxOpset     = 13
)

// ONNXExporter converts checkpoints to ONNX inference graphs
type ONNXExporter struct {
	model *ModelProto
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX writes the checkpoint's model as an ONNX file
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	model, err := oe.BuildModel(checkpoint)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, model.Marshal(), 0644); err != nil {
		return errors.Wrap(err, "writing ONNX file")
	}
	return nil
}

// ExportONNX writes checkpoint to path as an ONNX inference graph.
func ExportONNX(checkpoint *Checkpoint, path string) error {
	return NewONNXExporter().ExportToONNX(checkpoint, path)
}

// BuildModel builds the ONNX model without writing it.
func (oe *ONNXExporter) BuildModel(checkpoint *Checkpoint) (*ModelProto, error) {
	if checkpoint == nil || checkpoint.ModelSpec == nil {
		return nil, errors.New("checkpoint has no model spec")
	}
	if !checkpoint.ModelSpec.Compiled {
		return nil, layers.ErrNotCompiled
	}

	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return nil, errors.Wrap(err, "building ONNX graph")
	}

	oe.model = &ModelProto{
		IrVersion:       onnxIRVersion,
		OpsetImport:     []*OperatorSetIdProto{{Domain: "", Version: onnxOpset}},
		ProducerName:    frameworkName,
		ProducerVersion: frameworkVersion,
		ModelVersion:    1,
		DocString:       checkpoint.Metadata.Description,
		Graph:           graph,
	}
	return oe.model, nil
}

// buildONNXGraph walks the layer specs and emits one or more nodes per layer
func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) (*GraphProto, error) {
	graph := &GraphProto{Name: "fire_detection_net"}

	weightMap := make(map[string]WeightTensor)
	for _, weight := range checkpoint.Weights {
		weightMap[weight.Name] = weight
	}

	currentTensorName := "input"
	graph.Input = append(graph.Input, oe.valueInfo("input", checkpoint.ModelSpec.InputShape))

	for _, layerSpec := range checkpoint.ModelSpec.Layers {
		var nodes []*NodeProto
		var initializers []*TensorProto
		var err error

		switch layerSpec.Type {
		case layers.SeparableConv2D:
			nodes, initializers, currentTensorName, err = oe.createSeparableConvNodes(layerSpec, weightMap, currentTensorName)
		case layers.Dense:
			nodes, initializers, currentTensorName, err = oe.createDenseNode(layerSpec, weightMap, currentTensorName)
		case layers.BatchNorm:
			nodes, initializers, currentTensorName, err = oe.createBatchNormNode(layerSpec, weightMap, currentTensorName)
		case layers.MaxPool2D:
			pool := int64(layers.GetIntParam(layerSpec.Parameters, "pool_size", 2))
			nodes, currentTensorName = oe.simpleNode("MaxPool", layerSpec.Name, currentTensorName,
				intsAttr("kernel_shape", pool, pool), intsAttr("strides", pool, pool))
		case layers.Flatten:
			nodes, currentTensorName = oe.simpleNode("Flatten", layerSpec.Name, currentTensorName, intAttr("axis", 1))
		case layers.ReLU:
			nodes, currentTensorName = oe.simpleNode("Relu", layerSpec.Name, currentTensorName)
		case layers.Dropout:
			// Inference-mode Dropout is the identity.
			nodes, currentTensorName = oe.simpleNode("Dropout", layerSpec.Name, currentTensorName)
		case layers.Softmax:
			nodes, currentTensorName = oe.simpleNode("Softmax", layerSpec.Name, currentTensorName, intAttr("axis", -1))
		default:
			return nil, errors.Errorf("unsupported layer type for ONNX export: %s", layerSpec.Type.String())
		}

		if err != nil {
			return nil, errors.Wrapf(err, "layer %s", layerSpec.Name)
		}

		graph.Node = append(graph.Node, nodes...)
		graph.Initializer = append(graph.Initializer, initializers...)
	}

	graph.Output = append(graph.Output, oe.valueInfo(currentTensorName, checkpoint.ModelSpec.OutputShape))
	return graph, nil
}

func lookup(weightMap map[string]WeightTensor, name string) (WeightTensor, error) {
	w, ok := weightMap[name]
	if !ok {
		return WeightTensor{}, errors.Errorf("missing weight %s", name)
	}
	return w, nil
}

// createSeparableConvNodes emits a grouped (depthwise) Conv followed by a 1x1 Conv
func (oe *ONNXExporter) createSeparableConvNodes(layerSpec layers.LayerSpec, weightMap map[string]WeightTensor, inputTensor string) ([]*NodeProto, []*TensorProto, string, error) {
	name := layerSpec.Name
	k := int64(layers.GetIntParam(layerSpec.Parameters, "kernel_size", 0))
	pad, err := layers.SamePadding(layers.GetStringParam(layerSpec.Parameters, "padding", "same"), int(k))
	if err != nil {
		return nil, nil, "", err
	}
	p := int64(pad)

	depthwise, err := lookup(weightMap, name+".depthwise_kernel")
	if err != nil {
		return nil, nil, "", err
	}
	pointwise, err := lookup(weightMap, name+".pointwise_kernel")
	if err != nil {
		return nil, nil, "", err
	}
	channels := int64(depthwise.Shape[0])

	depthOut := name + "_depthwise"
	finalOut := name + "_output"
	initializers := []*TensorProto{
		oe.createTensorProto(depthwise.Name, depthwise.Shape, depthwise.Data),
		oe.createTensorProto(pointwise.Name, pointwise.Shape, pointwise.Data),
	}

	depthNode := &NodeProto{
		OpType: "Conv",
		Name:   name + "_depthwise_op",
		Input:  []string{inputTensor, depthwise.Name},
		Output: []string{depthOut},
		Attribute: []*AttributeProto{
			intAttr("group", channels),
			intsAttr("kernel_shape", k, k),
			intsAttr("pads", p, p, p, p),
			intsAttr("strides", 1, 1),
		},
	}

	pointInputs := []string{depthOut, pointwise.Name}
	if layers.GetBoolParam(layerSpec.Parameters, "use_bias", true) {
		bias, err := lookup(weightMap, name+".bias")
		if err != nil {
			return nil, nil, "", err
		}
		initializers = append(initializers, oe.createTensorProto(bias.Name, bias.Shape, bias.Data))
		pointInputs = append(pointInputs, bias.Name)
	}

	pointNode := &NodeProto{
		OpType: "Conv",
		Name:   name + "_pointwise_op",
		Input:  pointInputs,
		Output: []string{finalOut},
		Attribute: []*AttributeProto{
			intsAttr("kernel_shape", 1, 1),
		},
	}

	return []*NodeProto{depthNode, pointNode}, initializers, finalOut, nil
}

// createDenseNode emits Gemm(x, W, b) with W kept as [input, output]
func (oe *ONNXExporter) createDenseNode(layerSpec layers.LayerSpec, weightMap map[string]WeightTensor, inputTensor string) ([]*NodeProto, []*TensorProto, string, error) {
	name := layerSpec.Name
	output := name + "_output"

	kernel, err := lookup(weightMap, name+".kernel")
	if err != nil {
		return nil, nil, "", err
	}
	initializers := []*TensorProto{oe.createTensorProto(kernel.Name, kernel.Shape, kernel.Data)}
	inputs := []string{inputTensor, kernel.Name}

	if layers.GetBoolParam(layerSpec.Parameters, "use_bias", true) {
		bias, err := lookup(weightMap, name+".bias")
		if err != nil {
			return nil, nil, "", err
		}
		initializers = append(initializers, oe.createTensorProto(bias.Name, bias.Shape, bias.Data))
		inputs = append(inputs, bias.Name)
	}

	node := &NodeProto{
		OpType: "Gemm",
		Name:   name,
		Input:  inputs,
		Output: []string{output},
	}
	return []*NodeProto{node}, initializers, output, nil
}

// createBatchNormNode creates ONNX BatchNormalization node from the trained running statistics
func (oe *ONNXExporter) createBatchNormNode(layerSpec layers.LayerSpec, weightMap map[string]WeightTensor, inputTensor string) ([]*NodeProto, []*TensorProto, string, error) {
	name := layerSpec.Name
	output := name + "_output"

	if !layers.GetBoolParam(layerSpec.Parameters, "affine", true) {
		return nil, nil, "", errors.New("ONNX export requires affine BatchNorm (learnable parameters)")
	}
	eps := layers.GetFloatParam(layerSpec.Parameters, "eps", 1e-3)
	momentum := layers.GetFloatParam(layerSpec.Parameters, "momentum", 0.01)

	var initializers []*TensorProto
	var inputs []string
	for _, typ := range []string{"gamma", "beta", "running_mean", "running_var"} {
		w, err := lookup(weightMap, name+"."+typ)
		if err != nil {
			stats, ok := layerSpec.RunningStatistics[typ]
			if !ok {
				return nil, nil, "", err
			}
			w = WeightTensor{Name: name + "." + typ, Shape: []int{len(stats)}, Data: stats}
		}
		initializers = append(initializers, oe.createTensorProto(w.Name, w.Shape, w.Data))
		inputs = append(inputs, w.Name)
	}

	node := &NodeProto{
		OpType: "BatchNormalization",
		Name:   name,
		Input:  append([]string{inputTensor}, inputs...),
		Output: []string{output},
		Attribute: []*AttributeProto{
			floatAttr("epsilon", eps),
			// ONNX momentum weights the running value
			floatAttr("momentum", 1-momentum),
		},
	}
	return []*NodeProto{node}, initializers, output, nil
}

func (oe *ONNXExporter) simpleNode(opType, name, inputTensor string, attrs ...*AttributeProto) ([]*NodeProto, string) {
	output := fmt.Sprintf("%s_output", name)
	return []*NodeProto{{
		OpType:    opType,
		Name:      name,
		Input:     []string{inputTensor},
		Output:    []string{output},
		Attribute: attrs,
	}}, output
}

// Helper functions

func intAttr(name string, v int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeInt, I: v}
}

func intsAttr(name string, v ...int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeInts, Ints: v}
}

func floatAttr(name string, v float32) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeFloat, F: v}
}

// valueInfo describes a float tensor; non-positive dimensions become the symbolic batch "N"
func (oe *ONNXExporter) valueInfo(name string, shape []int) *ValueInfoProto {
	dims := make([]Dimension, len(shape))
	for i, size := range shape {
		if size <= 0 {
			dims[i] = Dimension{Param: "N"}
		} else {
			dims[i] = Dimension{Value: int64(size)}
		}
	}
	return &ValueInfoProto{Name: name, ElemType: TensorProto_DataType_FLOAT, Shape: dims}
}

// createTensorProto creates ONNX tensor initializer with little-endian raw data
func (oe *ONNXExporter) createTensorProto(name string, shape []int, data []float32) *TensorProto {
	dims := make([]int64, len(shape))
	for i, s := range shape {
		dims[i] = int64(s)
	}

	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}

	return &TensorProto{
		Name:     name,
		DataType: TensorProto_DataType_FLOAT,
		Dims:     dims,
		RawData:  raw,
	}
}

// ReadONNX decodes an ONNX file written by ExportToONNX.
func ReadONNX(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading ONNX file")
	}
	return UnmarshalModel(data)
}
