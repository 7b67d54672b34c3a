package training

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tsawler/firenet/layers"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Testing", 10)

	for i := 1; i <= 10; i++ {
		pb.Update(i, map[string]float64{
			"loss":     1.0 - float64(i)*0.08,
			"accuracy": float64(i) * 0.09,
		})
	}
	pb.Finish()

	out := buf.String()
	if !strings.Contains(out, "Testing: 100%") {
		t.Errorf("Expected completed bar, got %q", out)
	}
	if !strings.Contains(out, "10/10") {
		t.Errorf("Expected step counter 10/10, got %q", out)
	}
	if !strings.Contains(out, "accuracy=90.00%") {
		t.Errorf("Expected accuracy as a percentage, got %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("Finish should end the line")
	}
	// Metrics are ordered by name.
	last := out[strings.LastIndex(out, "\r"):]
	if strings.Index(last, "accuracy") > strings.Index(last, "loss") {
		t.Errorf("Expected accuracy before loss, got %q", last)
	}
}

func TestProgressBarZeroTotal(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Empty", 0)
	pb.Finish()
	if !strings.Contains(buf.String(), "100%") {
		t.Errorf("Expected 100%% for an empty bar, got %q", buf.String())
	}
}

func TestModelArchitecturePrinting(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{-1, 3, 16, 16}).
		AddSeparableConv2D(8, 3, "same", true, "sepconv1").
		AddReLU("relu1").
		AddBatchNorm(0, 1e-3, 0.01, true, "bn1").
		AddMaxPool2D(2, "pool1").
		AddFlatten("flatten").
		AddDense(2, true, "classifier").
		AddSoftmax("softmax").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile test model: %v", err)
	}

	var buf bytes.Buffer
	NewModelArchitecturePrinter(&buf, "TestNet").PrintArchitecture(model)
	out := buf.String()

	for _, want := range []string{
		"TestNet(",
		"(sepconv1): SeparableConv2d(3, 8, kernel_size=(3, 3), padding=same, bias=true)",
		"(bn1): BatchNorm(8",
		"(pool1): MaxPool2d(kernel_size=2)",
		"(classifier): Linear(in_features=512, out_features=2, bias=true)",
		"(softmax): Softmax()",
		"Total parameters:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Architecture output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatParameterCount(t *testing.T) {
	tests := []struct {
		count    int64
		expected string
	}{
		{999, "999"},
		{1500, "1.5K"},
		{2500000, "2.5M"},
	}
	for _, tt := range tests {
		if got := formatParameterCount(tt.count); got != tt.expected {
			t.Errorf("formatParameterCount(%d): expected %s, got %s", tt.count, tt.expected, got)
		}
	}
}

func TestTrainingSessionOutput(t *testing.T) {
	var buf bytes.Buffer
	ts := NewTrainingSession(&buf, 2, 3, 1)

	ts.StartEpoch(1)
	for step := 1; step <= 3; step++ {
		ts.UpdateTrainingProgress(step, 0.5, 0.75)
	}
	ts.FinishTrainingEpoch()
	ts.StartValidation()
	ts.UpdateValidationProgress(1, 0.4, 0.8)
	ts.FinishValidationEpoch()
	ts.PrintEpochSummary()

	out := buf.String()
	for _, want := range []string{"Epoch 1/2 (Training)", "Epoch 1/2 (Validation)", "Loss: 0.5000, Accuracy: 75.00%", "Loss: 0.4000, Accuracy: 80.00%"} {
		if !strings.Contains(out, want) {
			t.Errorf("Session output missing %q:\n%s", want, out)
		}
	}
}
