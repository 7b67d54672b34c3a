package training

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/tsawler/firenet/checkpoints"
	"github.com/tsawler/firenet/engine"
	"github.com/tsawler/firenet/layers"
	"github.com/tsawler/firenet/tensor"
	"github.com/tsawler/firenet/vision/dataloader"
)

func tinySpec(t *testing.T) *layers.ModelSpec {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{-1, 3, 8, 8}).
		AddSeparableConv2D(4, 3, "same", true, "sep").
		AddReLU("relu").
		AddBatchNorm(0, 1e-3, 0.01, true, "bn").
		AddMaxPool2D(2, "pool").
		AddFlatten("flat").
		AddDense(2, true, "fc").
		AddSoftmax("softmax").
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	return spec
}

// toyData builds n images: class 1 images are bright, class 0 images dark.
func toyData(t *testing.T, n int, seed int64) (x, y *tensor.Tensor) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	const size = 3 * 8 * 8
	data := make([]float32, n*size)
	labels := make([]float32, n*2)
	for i := 0; i < n; i++ {
		class := i % 2
		base := float32(0.2)
		if class == 1 {
			base = 0.8
		}
		for j := 0; j < size; j++ {
			data[i*size+j] = base + float32(rng.Float64()-0.5)*0.2
		}
		labels[i*2+class] = 1
	}
	x, err := tensor.New([]int{n, 3, 8, 8}, data)
	if err != nil {
		t.Fatal(err)
	}
	y, err = tensor.New([]int{n, 2}, labels)
	if err != nil {
		t.Fatal(err)
	}
	return x, y
}

func newTinyTrainer(t *testing.T, cfg TrainerConfig) *ModelTrainer {
	t.Helper()
	model, err := engine.NewModel(tinySpec(t), engine.Options{Seed: 7, Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	trainer, err := NewModelTrainer(model, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return trainer
}

func defaultTinyConfig() TrainerConfig {
	return TrainerConfig{BatchSize: 8, LearningRate: 0.05, Momentum: 0.9}
}

func TestTrainerConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *TrainerConfig)
	}{
		{"zero batch", func(c *TrainerConfig) { c.BatchSize = 0 }},
		{"zero learning rate", func(c *TrainerConfig) { c.LearningRate = 0 }},
		{"momentum one", func(c *TrainerConfig) { c.Momentum = 1 }},
		{"negative weight decay", func(c *TrainerConfig) { c.WeightDecay = -1 }},
		{"zero class weight", func(c *TrainerConfig) { c.ClassWeights = []float64{1, 0} }},
		{"nan class weight", func(c *TrainerConfig) { c.ClassWeights = []float64{math.NaN(), 1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultTinyConfig()
			tt.modify(&cfg)
			if err := validateTrainerConfig(cfg); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
	if err := validateTrainerConfig(defaultTinyConfig()); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestTrainBatchReducesLoss(t *testing.T) {
	trainer := newTinyTrainer(t, defaultTinyConfig())
	x, y := toyData(t, 16, 1)
	batch := &dataloader.Batch{Inputs: x, Targets: y}

	first, err := trainer.TrainBatch(batch)
	if err != nil {
		t.Fatalf("TrainBatch failed: %v", err)
	}
	if first.BatchSize != 16 {
		t.Errorf("Expected batch size 16, got %d", first.BatchSize)
	}
	if first.LearningRate != 0.05 {
		t.Errorf("Expected learning rate 0.05, got %g", first.LearningRate)
	}

	last := first
	for i := 0; i < 40; i++ {
		if last, err = trainer.TrainBatch(batch); err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
	}
	if last.Loss >= first.Loss {
		t.Errorf("Expected loss to decrease, first %.4f last %.4f", first.Loss, last.Loss)
	}

	stats := trainer.GetStats()
	if stats.CurrentStep != 41 {
		t.Errorf("Expected 41 steps, got %d", stats.CurrentStep)
	}
	if stats.LayerCount != 7 {
		t.Errorf("Expected 7 layers, got %d", stats.LayerCount)
	}
}

func TestTrainerKeepsLearningRatePrecision(t *testing.T) {
	for _, lr := range []float64{0.1, 0.01, 1e-10, 0.3} {
		cfg := defaultTinyConfig()
		cfg.LearningRate = lr
		trainer := newTinyTrainer(t, cfg)
		if trainer.GetLearningRate() != lr {
			t.Errorf("Expected base lr %v, got %v", lr, trainer.GetLearningRate())
		}
		x, y := toyData(t, 4, 3)
		res, err := trainer.TrainBatch(&dataloader.Batch{Inputs: x, Targets: y})
		if err != nil {
			t.Fatal(err)
		}
		if res.LearningRate != lr {
			t.Errorf("Expected step lr %v, got %v", lr, res.LearningRate)
		}
	}
}

func TestTrainerSchedulerAndLearningRate(t *testing.T) {
	cfg := defaultTinyConfig()
	cfg.LearningRate = 0.01
	cfg.Scheduler = NewTimeBasedDecayScheduler(0.5)
	trainer := newTinyTrainer(t, cfg)
	x, y := toyData(t, 4, 2)
	batch := &dataloader.Batch{Inputs: x, Targets: y}

	for step := 0; step < 3; step++ {
		want := 0.01 / (1 + 0.5*float64(step))
		res, err := trainer.TrainBatch(batch)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(res.LearningRate-want) > 1e-12 {
			t.Errorf("Step %d: expected lr %g, got %g", step, want, res.LearningRate)
		}
	}

	trainer.SetLearningRate(0.1)
	if trainer.GetLearningRate() != 0.1 {
		t.Errorf("Expected base lr 0.1, got %g", trainer.GetLearningRate())
	}
	if want := 0.1 / (1 + 0.5*3); math.Abs(trainer.CurrentLearningRate()-want) > 1e-12 {
		t.Errorf("Expected current lr %g, got %g", want, trainer.CurrentLearningRate())
	}
}

func TestFitAndEvaluate(t *testing.T) {
	trainer := newTinyTrainer(t, defaultTinyConfig())
	trainX, trainY := toyData(t, 20, 3)
	testX, testY := toyData(t, 6, 4)

	loader, err := dataloader.NewArrayLoader(trainX, trainY, dataloader.Config{BatchSize: 8, Shuffle: true, Seed: 42})
	if err != nil {
		t.Fatal(err)
	}

	collector := NewVisualizationCollector("tiny")
	collector.Enable()

	history, err := trainer.Fit(context.Background(), loader, FitOptions{
		Epochs:      3,
		ValidationX: testX,
		ValidationY: testY,
		Collector:   collector,
	})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	for _, metric := range []string{MetricLoss, MetricAccuracy, MetricValLoss, MetricValAccuracy} {
		if len(history[metric]) != 3 {
			t.Errorf("Expected 3 values for %s, got %d", metric, len(history[metric]))
		}
	}
	// ceil(20/8) = 3 steps per epoch.
	if trainer.GetStats().CurrentStep != 9 {
		t.Errorf("Expected 9 steps, got %d", trainer.GetStats().CurrentStep)
	}
	if collector.History().Epochs() != 3 {
		t.Errorf("Collector should hold 3 epochs, got %d", collector.History().Epochs())
	}
	plots := collector.GenerateAll()
	if len(plots) != 2 || plots[0].PlotType != TrainingCurves || plots[1].PlotType != LearningRateSchedulePlot {
		t.Errorf("Expected training curves and learning rate schedule plots, got %d plots", len(plots))
	} else if n := len(plots[1].Series[0].Data); n != 9 {
		t.Errorf("Expected 9 learning rate points, got %d", n)
	}

	eval, err := trainer.Evaluate(context.Background(), testX, testY)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if eval.Confusion.TotalSamples != 6 {
		t.Errorf("Expected 6 evaluated samples, got %d", eval.Confusion.TotalSamples)
	}
	if eval.Accuracy < 0 || eval.Accuracy > 1 || math.IsNaN(eval.Loss) {
		t.Errorf("Unexpected evaluation %+v", eval)
	}
	if eval.Predictions.Shape[0] != 6 || eval.Predictions.Shape[1] != 2 {
		t.Errorf("Expected [6 2] predictions, got %v", eval.Predictions.Shape)
	}

	if _, err := trainer.Evaluate(context.Background(), testX, trainY); err == nil {
		t.Error("Expected misaligned evaluation error")
	}
	if _, err := trainer.Fit(context.Background(), loader, FitOptions{}); err == nil {
		t.Error("Expected error for zero epochs")
	}
}

func TestFitCancelled(t *testing.T) {
	trainer := newTinyTrainer(t, defaultTinyConfig())
	x, y := toyData(t, 8, 5)
	loader, err := dataloader.NewArrayLoader(x, y, dataloader.Config{BatchSize: 4})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := trainer.Fit(ctx, loader, FitOptions{Epochs: 1}); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	trainer := newTinyTrainer(t, defaultTinyConfig())
	x, y := toyData(t, 8, 6)
	batch := &dataloader.Batch{Inputs: x, Targets: y}
	for i := 0; i < 3; i++ {
		if _, err := trainer.TrainBatch(batch); err != nil {
			t.Fatal(err)
		}
	}

	classes := []string{"Non-Fire", "Fire"}
	manager := NewCheckpointManager(trainer, classes)
	manager.Observe(0.5, 0.75)
	manager.Observe(0.7, 0.6)

	ckpt, err := manager.CreateCheckpoint("test")
	if err != nil {
		t.Fatal(err)
	}
	if ckpt.TrainingState.Step != 3 {
		t.Errorf("Expected step 3, got %d", ckpt.TrainingState.Step)
	}
	if ckpt.TrainingState.BestLoss != 0.5 || ckpt.TrainingState.BestAccuracy != 0.75 {
		t.Errorf("Unexpected best values %+v", ckpt.TrainingState)
	}
	if len(ckpt.Metadata.Classes) != 2 || ckpt.Metadata.Classes[1] != "Fire" {
		t.Errorf("Unexpected classes %v", ckpt.Metadata.Classes)
	}

	path := filepath.Join(t.TempDir(), "fire_detection.json")
	if err := manager.Save(path, checkpoints.FormatJSON, "test"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	model, loaded, err := LoadModel(path, engine.Options{Seed: 99, Workers: 1})
	if err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}
	if loaded.Metadata.Classes[0] != "Non-Fire" {
		t.Errorf("Expected classes to survive, got %v", loaded.Metadata.Classes)
	}

	want, err := trainer.Predict(x)
	if err != nil {
		t.Fatal(err)
	}
	got, err := model.Predict(x, 4)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want.Data {
		if math.Abs(float64(want.Data[i]-got.Data[i])) > 1e-5 {
			t.Fatalf("Prediction %d differs after reload: %v vs %v", i, want.Data[i], got.Data[i])
		}
	}

	// Restoring into a fresh trainer brings back counters and weights.
	fresh := newTinyTrainer(t, defaultTinyConfig())
	if err := NewCheckpointManager(fresh, classes).Restore(loaded); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if fresh.GetStats().CurrentStep != 3 {
		t.Errorf("Expected restored step 3, got %d", fresh.GetStats().CurrentStep)
	}
	restored, _ := fresh.Predict(x)
	for i := range want.Data {
		if math.Abs(float64(want.Data[i]-restored.Data[i])) > 1e-5 {
			t.Fatalf("Restored prediction %d differs", i)
		}
	}

	other, err := layers.NewModelBuilder([]int{-1, 3, 8, 8}).AddFlatten("flat").AddDense(2, true, "fc").AddSoftmax("softmax").Compile()
	if err != nil {
		t.Fatal(err)
	}
	loaded.ModelSpec = other
	if err := NewCheckpointManager(fresh, classes).Restore(loaded); err == nil {
		t.Error("Expected incompatible architecture error")
	}
}
