package training

import (
	"bytes"
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/tsawler/firenet/tensor"
	"github.com/tsawler/firenet/vision/dataloader"
)

// fakeSource serves the same one-sample batch forever.
type fakeSource struct {
	n, batchSize int
	served       int
}

func (s *fakeSource) NextBatch() (*dataloader.Batch, error) {
	s.served++
	return &dataloader.Batch{Inputs: tensor.Zeros(1, 1), Targets: tensor.Zeros(1, 2)}, nil
}
func (s *fakeSource) Reset()         {}
func (s *fakeSource) Len() int       { return s.n }
func (s *fakeSource) BatchSize() int { return s.batchSize }

// fakeTrainer reports a loss computed from the learning rate it was given.
type fakeTrainer struct {
	lr   float64
	seen []float64
	loss func(lr float64) float64
}

func (f *fakeTrainer) GetLearningRate() float64   { return f.lr }
func (f *fakeTrainer) SetLearningRate(lr float64) { f.lr = lr }
func (f *fakeTrainer) TrainBatch(b *dataloader.Batch) (*TrainingResult, error) {
	f.seen = append(f.seen, f.lr)
	return &TrainingResult{Loss: f.loss(f.lr), BatchSize: b.Size(), LearningRate: f.lr}, nil
}

func TestLRFinderConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(c *LRFinderConfig)
	}{
		{"zero min", func(c *LRFinderConfig) { c.MinLR = 0 }},
		{"max below min", func(c *LRFinderConfig) { c.MaxLR = c.MinLR / 2 }},
		{"no epochs", func(c *LRFinderConfig) { c.Epochs = 0 }},
		{"beta one", func(c *LRFinderConfig) { c.Beta = 1 }},
		{"zero stop factor", func(c *LRFinderConfig) { c.StopFactor = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultLRFinderConfig()
			tt.cfg(&cfg)
			if _, err := NewLearningRateFinder(cfg); err == nil {
				t.Error("Expected configuration error")
			}
		})
	}

	if _, err := NewLearningRateFinder(DefaultLRFinderConfig()); err != nil {
		t.Errorf("Default configuration should be valid: %v", err)
	}
}

func TestLRFinderSweepsFullRange(t *testing.T) {
	cfg := LRFinderConfig{MinLR: 1e-6, MaxLR: 1e-1, Epochs: 2, Beta: 0.98, StopFactor: 4}
	finder, err := NewLearningRateFinder(cfg)
	if err != nil {
		t.Fatal(err)
	}

	trainer := &fakeTrainer{lr: 0.01, loss: func(float64) float64 { return 1 }}
	source := &fakeSource{n: 10, batchSize: 4}

	var progress bytes.Buffer
	result, err := finder.Find(context.Background(), trainer, source, FindOptions{Progress: &progress})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}

	// ceil(10/4) = 3 steps per epoch, 2 epochs.
	if result.Steps != 6 || len(result.LearningRates) != 6 {
		t.Fatalf("Expected 6 steps, got %d (%d rates)", result.Steps, len(result.LearningRates))
	}
	if result.StopReason != "step budget exhausted" {
		t.Errorf("Unexpected stop reason %q", result.StopReason)
	}
	if trainer.lr != 0.01 {
		t.Errorf("Expected base learning rate restored to 0.01, got %g", trainer.lr)
	}
	if source.served != 6 {
		t.Errorf("Expected 6 batches drawn, got %d", source.served)
	}
	if progress.Len() == 0 {
		t.Error("Expected progress output")
	}

	if result.LearningRates[0] != cfg.MinLR {
		t.Errorf("Expected first rate %g, got %g", cfg.MinLR, result.LearningRates[0])
	}
	mult := math.Pow(cfg.MaxLR/cfg.MinLR, 1.0/6)
	for i, lr := range result.LearningRates {
		if lr < cfg.MinLR || lr > cfg.MaxLR {
			t.Errorf("Rate %d (%g) outside [%g, %g]", i, lr, cfg.MinLR, cfg.MaxLR)
		}
		if i > 0 {
			if lr < result.LearningRates[i-1] {
				t.Errorf("Rate %d decreased: %g < %g", i, lr, result.LearningRates[i-1])
			}
			if ratio := lr / result.LearningRates[i-1]; math.Abs(ratio-mult) > 1e-9 {
				t.Errorf("Rate %d: expected ratio %g, got %g", i, mult, ratio)
			}
		}
		if trainer.seen[i] != lr {
			t.Errorf("Step %d trained at %g but logged %g", i, trainer.seen[i], lr)
		}
	}

	// A constant loss stays constant after bias correction.
	for i, l := range result.Losses {
		if math.Abs(l-1) > 1e-9 {
			t.Errorf("Smoothed loss %d: expected 1, got %g", i, l)
		}
	}
}

func TestLRFinderStopsOnDivergence(t *testing.T) {
	cfg := LRFinderConfig{MinLR: 1e-5, MaxLR: 10, Epochs: 1, Beta: 0, StopFactor: 4}
	finder, err := NewLearningRateFinder(cfg)
	if err != nil {
		t.Fatal(err)
	}

	// With beta 0 the smoothed loss equals the raw loss.
	losses := []float64{1, 0.5, 0.4, 1.5, 100, 100}
	trainer := &fakeTrainer{lr: 1}
	trainer.loss = func(float64) float64 { return losses[len(trainer.seen)-1] }

	result, err := finder.Find(context.Background(), trainer, &fakeSource{n: 100, batchSize: 1}, FindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	// 100 > 4 x 0.4 stops at step 5; the diverged point is still logged.
	if result.Steps != 5 {
		t.Errorf("Expected stop after 5 steps, got %d", result.Steps)
	}
	if len(result.Losses) != 5 || result.Losses[4] != 100 {
		t.Errorf("Unexpected losses %v", result.Losses)
	}
	if result.BestLoss != 0.4 || result.BestLR != result.LearningRates[2] {
		t.Errorf("Expected best loss 0.4 at %g, got %g at %g", result.LearningRates[2], result.BestLoss, result.BestLR)
	}
}

func TestLRFinderStopsOnNaN(t *testing.T) {
	finder, err := NewLearningRateFinder(LRFinderConfig{MinLR: 1e-5, MaxLR: 1, Epochs: 1, Beta: 0.9, StopFactor: 4})
	if err != nil {
		t.Fatal(err)
	}
	if err := finder.Begin(10); err != nil {
		t.Fatal(err)
	}

	if _, stop := finder.Update(1); stop {
		t.Fatal("Should not stop after the first finite loss")
	}
	if _, stop := finder.Update(math.NaN()); !stop {
		t.Fatal("Expected stop on NaN")
	}
	if _, stop := finder.Update(0.5); !stop {
		t.Error("A stopped finder should stay stopped")
	}

	result := finder.Result()
	if result.Steps != 1 || len(result.Losses) != 1 {
		t.Errorf("NaN loss should not be recorded, got %d steps", result.Steps)
	}
	if result.StopReason != "loss is not finite" {
		t.Errorf("Unexpected stop reason %q", result.StopReason)
	}
}

func TestLRFinderNoBatches(t *testing.T) {
	finder, err := NewLearningRateFinder(DefaultLRFinderConfig())
	if err != nil {
		t.Fatal(err)
	}
	trainer := &fakeTrainer{lr: 0.01, loss: func(float64) float64 { return 1 }}

	_, err = finder.Find(context.Background(), trainer, &fakeSource{n: 0, batchSize: 32}, FindOptions{})
	if err != ErrNoBatches {
		t.Errorf("Expected ErrNoBatches, got %v", err)
	}
	if len(trainer.seen) != 0 {
		t.Error("No training step should run")
	}
}

func TestLRFinderCancelled(t *testing.T) {
	finder, err := NewLearningRateFinder(DefaultLRFinderConfig())
	if err != nil {
		t.Fatal(err)
	}
	trainer := &fakeTrainer{lr: 0.01, loss: func(float64) float64 { return 1 }}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := finder.Find(ctx, trainer, &fakeSource{n: 4, batchSize: 2}, FindOptions{}); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if trainer.lr != 0.01 {
		t.Errorf("Base learning rate should be restored, got %g", trainer.lr)
	}
}

func TestLRFinderResultTrim(t *testing.T) {
	r := LRFinderResult{
		LearningRates: []float64{1e-5, 1e-4, 1e-3, 1e-2, 1e-1},
		Losses:        []float64{2.0, 1.9, 1.0, 0.8, 5.0},
	}

	lrs, losses, err := r.Trim(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(lrs) != 3 || lrs[0] != 1e-4 || losses[2] != 0.8 {
		t.Errorf("Unexpected trim result %v %v", lrs, losses)
	}

	if _, _, err := r.Trim(3, 2); err == nil {
		t.Error("Expected error when nothing remains")
	}
	if _, _, err := r.Trim(-1, 0); err == nil {
		t.Error("Expected error for negative skip")
	}

	steepest, err := r.SteepestLR(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if steepest != 1e-4 {
		t.Errorf("Expected steepest descent at 1e-4, got %g", steepest)
	}

	pd, err := r.PlotData(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if pd.PlotType != LearningRateFinderPlot || pd.Config.XAxisScale != "log" {
		t.Errorf("Unexpected plot %s with x scale %s", pd.PlotType, pd.Config.XAxisScale)
	}
	if len(pd.Series[0].Data) != 4 {
		t.Errorf("Expected 4 points, got %d", len(pd.Series[0].Data))
	}
}

func TestLRFinderPlot(t *testing.T) {
	finder, err := NewLearningRateFinder(LRFinderConfig{MinLR: 1e-6, MaxLR: 1, Epochs: 1, Beta: 0.9, StopFactor: 4})
	if err != nil {
		t.Fatal(err)
	}
	trainer := &fakeTrainer{lr: 0.01, loss: func(lr float64) float64 { return 1 + math.Log10(lr)/10 }}
	if _, err := finder.Find(context.Background(), trainer, &fakeSource{n: 30, batchSize: 1}, FindOptions{}); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "lrfind_plot.png")
	if err := finder.Plot(path, 2, 2); err != nil {
		t.Fatalf("Plot failed: %v", err)
	}
	if err := finder.Plot(path, 20, 20); err == nil {
		t.Error("Expected error when skipping every point")
	}
}
