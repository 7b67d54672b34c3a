package training

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"github.com/tsawler/firenet/vision/dataloader"
)

// ErrNoBatches is returned when a sweep or fit has no mini-batches to run.
var ErrNoBatches = errors.New("no batches to train on")

// LRFinderConfig configures a learning rate range test.
type LRFinderConfig struct {
	MinLR      float64 `json:"min_lr"`
	MaxLR      float64 `json:"max_lr"`
	Epochs     int     `json:"epochs"`
	Beta       float64 `json:"beta"`
	StopFactor float64 `json:"stop_factor"`
}

// DefaultLRFinderConfig sweeps 1e-10 to 10 over 20 epochs.
func DefaultLRFinderConfig() LRFinderConfig {
	return LRFinderConfig{
		MinLR:      1e-10,
		MaxLR:      1e+1,
		Epochs:     20,
		Beta:       0.98,
		StopFactor: 4,
	}
}

func (c LRFinderConfig) validate() error {
	if c.MinLR <= 0 || c.MaxLR <= c.MinLR {
		return errors.Errorf("learning rate range [%g, %g] must satisfy 0 < min < max", c.MinLR, c.MaxLR)
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.Beta < 0 || c.Beta >= 1 {
		return errors.Errorf("beta must be in [0, 1), got %g", c.Beta)
	}
	if c.StopFactor <= 0 {
		return errors.Errorf("stop factor must be positive, got %g", c.StopFactor)
	}
	return nil
}

// LRFinderResult is the trial log of a sweep: rate i produced smoothed loss i.
type LRFinderResult struct {
	LearningRates []float64
	Losses        []float64
	BestLoss      float64
	BestLR        float64
	Steps         int
	StopReason    string
}

// LearningRateFinder grows the learning rate exponentially per mini-batch
// and tracks a bias-corrected exponential average of the loss.
type LearningRateFinder struct {
	cfg LRFinderConfig

	totalSteps int
	mult       float64
	batchNum   int
	avgLoss    float64
	bestLoss   float64
	bestLR     float64
	currentLR  float64
	stopReason string

	lrs    []float64
	losses []float64
}

// NewLearningRateFinder validates cfg and returns an idle finder.
func NewLearningRateFinder(cfg LRFinderConfig) (*LearningRateFinder, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid learning rate finder configuration")
	}
	return &LearningRateFinder{cfg: cfg, currentLR: cfg.MinLR}, nil
}

// Begin resets the finder for a sweep of totalSteps mini-batches.
func (f *LearningRateFinder) Begin(totalSteps int) error {
	if totalSteps <= 0 {
		return ErrNoBatches
	}
	f.totalSteps = totalSteps
	f.mult = math.Pow(f.cfg.MaxLR/f.cfg.MinLR, 1/float64(totalSteps))
	f.batchNum = 0
	f.avgLoss = 0
	f.bestLoss = 0
	f.bestLR = f.cfg.MinLR
	f.currentLR = f.cfg.MinLR
	f.stopReason = ""
	f.lrs = f.lrs[:0]
	f.losses = f.losses[:0]
	return nil
}

// CurrentLR is the rate the next mini-batch should train with.
func (f *LearningRateFinder) CurrentLR() float64 {
	return f.currentLR
}

// Update consumes the loss of the mini-batch trained at CurrentLR and returns
// the next rate. stop reports that the sweep is over.
func (f *LearningRateFinder) Update(loss float64) (nextLR float64, stop bool) {
	if f.stopReason != "" {
		return f.currentLR, true
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		f.stopReason = "loss is not finite"
		return f.currentLR, true
	}

	f.batchNum++
	f.avgLoss = f.cfg.Beta*f.avgLoss + (1-f.cfg.Beta)*loss
	smooth := f.avgLoss / (1 - math.Pow(f.cfg.Beta, float64(f.batchNum)))

	f.lrs = append(f.lrs, f.currentLR)
	f.losses = append(f.losses, smooth)

	if f.batchNum > 1 && smooth > f.cfg.StopFactor*f.bestLoss {
		f.stopReason = fmt.Sprintf("loss diverged (%.4g > %.4g x best %.4g)", smooth, f.cfg.StopFactor, f.bestLoss)
		return f.currentLR, true
	}
	if f.batchNum == 1 || smooth < f.bestLoss {
		f.bestLoss = smooth
		f.bestLR = f.currentLR
	}
	if f.batchNum >= f.totalSteps {
		f.stopReason = "step budget exhausted"
		return f.currentLR, true
	}

	f.currentLR = math.Min(f.cfg.MinLR*math.Pow(f.mult, float64(f.batchNum)), f.cfg.MaxLR)
	return f.currentLR, false
}

// Result returns a copy of the trial log.
func (f *LearningRateFinder) Result() LRFinderResult {
	return LRFinderResult{
		LearningRates: append([]float64(nil), f.lrs...),
		Losses:        append([]float64(nil), f.losses...),
		BestLoss:      f.bestLoss,
		BestLR:        f.bestLR,
		Steps:         f.batchNum,
		StopReason:    f.stopReason,
	}
}

// BatchTrainer is what Find needs from a trainer.
type BatchTrainer interface {
	GetLearningRate() float64
	SetLearningRate(lr float64)
	TrainBatch(batch *dataloader.Batch) (*TrainingResult, error)
}

// FindOptions configures Find.
type FindOptions struct {
	// StepsPerEpoch overrides the number of mini-batches per sweep epoch.
	// 0 uses one pass over the source.
	StepsPerEpoch int
	// Progress receives a progress bar. Nil disables it.
	Progress io.Writer
}

// Find runs the sweep: for every mini-batch it sets the rate, trains one step
// and feeds the loss to Update. Model weights are left in their post-sweep
// state; the trainer's base learning rate is restored.
func (f *LearningRateFinder) Find(ctx context.Context, trainer BatchTrainer, source dataloader.BatchSource, opts FindOptions) (*LRFinderResult, error) {
	steps := opts.StepsPerEpoch
	if steps <= 0 {
		steps = dataloader.StepsPerEpoch(source)
	}
	if err := f.Begin(steps * f.cfg.Epochs); err != nil {
		return nil, err
	}

	origLR := trainer.GetLearningRate()
	defer trainer.SetLearningRate(origLR)

	klog.Infof("Finding learning rate: %g to %g over %d steps (%d per epoch, %d epochs)",
		f.cfg.MinLR, f.cfg.MaxLR, f.totalSteps, steps, f.cfg.Epochs)

	var bar *ProgressBar
	if opts.Progress != nil {
		bar = NewProgressBar(opts.Progress, "LR sweep", f.totalSteps)
	}

	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := source.NextBatch()
		if err != nil {
			return nil, errors.Wrapf(err, "sweep step %d: loading batch", f.batchNum+1)
		}

		trainer.SetLearningRate(f.currentLR)
		res, err := trainer.TrainBatch(batch)
		if err != nil {
			return nil, errors.Wrapf(err, "sweep step %d", f.batchNum+1)
		}

		lr := f.currentLR
		_, stop := f.Update(res.Loss)
		if bar != nil {
			bar.Update(f.batchNum, map[string]float64{"loss": res.Loss, "lr": lr})
		}
		if stop {
			break
		}
	}
	if bar != nil {
		fmt.Fprintln(opts.Progress)
	}

	result := f.Result()
	klog.Infof("Learning rate sweep finished after %d steps in %v: %s; lowest smoothed loss %.4f at lr=%g",
		result.Steps, time.Since(start).Round(time.Millisecond), result.StopReason, result.BestLoss, result.BestLR)
	return &result, nil
}

// Trim drops skipBegin points from the front and skipEnd from the back.
func (r LRFinderResult) Trim(skipBegin, skipEnd int) (lrs, losses []float64, err error) {
	if skipBegin < 0 || skipEnd < 0 {
		return nil, nil, errors.Errorf("skip counts must be non-negative, got %d and %d", skipBegin, skipEnd)
	}
	end := len(r.LearningRates) - skipEnd
	if end <= skipBegin {
		return nil, nil, errors.Errorf("%d trial points leave nothing to plot after skipping %d and %d",
			len(r.LearningRates), skipBegin, skipEnd)
	}
	return r.LearningRates[skipBegin:end], r.Losses[skipBegin:end], nil
}

// SteepestLR returns the rate where the smoothed loss falls fastest per
// decade, a common pick for the initial learning rate.
func (r LRFinderResult) SteepestLR(skipBegin, skipEnd int) (float64, error) {
	lrs, losses, err := r.Trim(skipBegin, skipEnd)
	if err != nil {
		return 0, err
	}
	if len(lrs) < 2 {
		return lrs[0], nil
	}
	slopes := make([]float64, len(lrs)-1)
	for i := range slopes {
		dx := math.Log10(lrs[i+1]) - math.Log10(lrs[i])
		if dx == 0 {
			slopes[i] = math.Inf(1)
			continue
		}
		slopes[i] = (losses[i+1] - losses[i]) / dx
	}
	return lrs[floats.MinIdx(slopes)], nil
}

// PlotData renders the trimmed trial log as smoothed loss over a log-scaled rate axis.
func (r LRFinderResult) PlotData(skipBegin, skipEnd int) (PlotData, error) {
	lrs, losses, err := r.Trim(skipBegin, skipEnd)
	if err != nil {
		return PlotData{}, err
	}
	data := make([]DataPoint, len(lrs))
	for i := range lrs {
		data[i] = DataPoint{X: lrs[i], Y: losses[i]}
	}
	return PlotData{
		PlotType:  LearningRateFinderPlot,
		Title:     "Learning Rate Finder",
		Timestamp: time.Now(),
		Series: []SeriesData{{
			Name:  "smoothed loss",
			Type:  "line",
			Data:  data,
			Style: map[string]interface{}{"color": "#6C5CE7", "line_width": 2},
		}},
		Config: PlotConfig{
			XAxisLabel: "Learning Rate (Log Scale)",
			YAxisLabel: "Loss",
			XAxisScale: "log",
			YAxisScale: "linear",
			ShowGrid:   true,
			Width:      800,
			Height:     600,
		},
		Metrics: map[string]interface{}{
			"best_loss":   r.BestLoss,
			"best_lr":     r.BestLR,
			"steps":       r.Steps,
			"stop_reason": r.StopReason,
		},
	}, nil
}

// Plot writes the smoothed loss vs learning rate curve to a PNG file.
func (f *LearningRateFinder) Plot(path string, skipBegin, skipEnd int) error {
	pd, err := f.Result().PlotData(skipBegin, skipEnd)
	if err != nil {
		return err
	}
	return RenderPNG(pd, path)
}
