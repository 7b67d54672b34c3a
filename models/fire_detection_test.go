package models

import (
	"math"
	"strings"
	"testing"

	"github.com/tsawler/firenet/engine"
	"github.com/tsawler/firenet/layers"
	"github.com/tsawler/firenet/tensor"
)

func TestFireDetectionTopologyOrder(t *testing.T) {
	want := []layers.LayerType{
		layers.SeparableConv2D, layers.ReLU, layers.BatchNorm, layers.MaxPool2D,
		layers.SeparableConv2D, layers.ReLU, layers.BatchNorm, layers.MaxPool2D,
		layers.SeparableConv2D, layers.ReLU, layers.BatchNorm,
		layers.SeparableConv2D, layers.ReLU, layers.BatchNorm, layers.MaxPool2D,
		layers.Flatten,
		layers.Dense, layers.ReLU, layers.BatchNorm, layers.Dropout,
		layers.Dense, layers.ReLU, layers.BatchNorm, layers.Dropout,
		layers.Dense, layers.Softmax,
	}
	topo := FireDetectionTopology(2)
	if len(topo) != len(want) {
		t.Fatalf("Expected %d layers, got %d", len(want), len(topo))
	}
	for i, l := range topo {
		if l.Type != want[i] {
			t.Errorf("Layer %d (%s): expected %s, got %s", i, l.Name, want[i], l.Type)
		}
	}

	if k := layers.GetIntParam(topo[0].Parameters, "kernel_size", 0); k != 7 {
		t.Errorf("First separable conv should use a 7x7 kernel, got %d", k)
	}
	if r := layers.GetFloatParam(topo[19].Parameters, "rate", 0); r != 0.5 {
		t.Errorf("Expected dropout 0.5, got %v", r)
	}
}

func TestCompileFireDetectionNetShapes(t *testing.T) {
	spec, err := CompileFireDetectionNet(128, 128, 3, 2)
	if err != nil {
		t.Fatal(err)
	}

	checks := map[string][]int{
		"pool1":      {-1, 16, 64, 64},
		"pool2":      {-1, 32, 32, 32},
		"bn3":        {-1, 64, 32, 32},
		"pool4":      {-1, 64, 16, 16},
		"flatten":    {-1, 16384},
		"fc1":        {-1, 128},
		"classifier": {-1, 2},
	}
	for _, l := range spec.Layers {
		want, ok := checks[l.Name]
		if !ok {
			continue
		}
		if !tensor.SameShape(l.OutputShape, want) {
			t.Errorf("%s: expected %v, got %v", l.Name, want, l.OutputShape)
		}
	}

	// sepconv1: 3*49 + 16*3 + 16
	if c := spec.Layers[0].ParameterCount; c != 147+48+16 {
		t.Errorf("Unexpected sepconv1 parameter count %d", c)
	}
	if !tensor.SameShape(spec.OutputShape, []int{-1, 2}) {
		t.Errorf("Expected [-1 2] output, got %v", spec.OutputShape)
	}
}

func TestCompileFireDetectionNetRejectsBadDimensions(t *testing.T) {
	tests := []struct {
		name             string
		w, h, d, classes int
		want             string
	}{
		{"zero width", 0, 128, 3, 2, "invalid input"},
		{"negative depth", 128, 128, -1, 2, "invalid input"},
		{"one class", 128, 128, 3, 1, "classes"},
		{"not divisible by 8", 100, 100, 3, 2, "divisible"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileFireDetectionNet(tt.w, tt.h, tt.d, tt.classes)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestBuildFireDetectionNetPredicts(t *testing.T) {
	m, err := BuildFireDetectionNet(16, 16, 3, 2, engine.Options{Seed: 3, Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	x := tensor.Zeros(2, 3, 16, 16)
	for i := range x.Data {
		x.Data[i] = float32(i%17) / 17
	}
	out, err := m.Predict(x, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		s := out.Sample(i)
		if math.Abs(float64(s[0]+s[1])-1) > 1e-5 {
			t.Errorf("Row %d is not a distribution: %v", i, s)
		}
	}
}
