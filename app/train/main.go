// Command train fits the fire detection network on the fire and non-fire
// image datasets, or runs a learning rate sweep when -lr-find is set.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/firenet/checkpoints"
	"github.com/tsawler/firenet/config"
	"github.com/tsawler/firenet/engine"
	"github.com/tsawler/firenet/models"
	"github.com/tsawler/firenet/parallel"
	"github.com/tsawler/firenet/tensor"
	"github.com/tsawler/firenet/training"
	"github.com/tsawler/firenet/vision/augmentation"
	"github.com/tsawler/firenet/vision/dataloader"
	"github.com/tsawler/firenet/vision/dataset"
)

const modelName = "FireDetectionNet"

type options struct {
	lrFind      int
	configPath  string
	onnxPath    string
	plotService string
	resumePath  string
}

func main() {
	klog.InitFlags(nil)
	var opts options
	flag.IntVar(&opts.lrFind, "lr-find", 0, "whether or not to find optimal learning rate")
	flag.StringVar(&opts.configPath, "config", "", "optional JSON configuration overlay")
	flag.StringVar(&opts.onnxPath, "onnx", "", "optional path for an ONNX export of the trained model")
	flag.StringVar(&opts.plotService, "plot-service", "", "optional base URL of the plotting sidecar")
	flag.StringVar(&opts.resumePath, "resume", "", "optional JSON checkpoint to continue training from")
	flag.Parse()
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		klog.Flush()
		klog.Exitf("train: %+v", err)
	}
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureOutputDirs(); err != nil {
		return err
	}
	klog.Infof("Running on %s", parallel.Describe())

	data, err := loadData(ctx, cfg)
	if err != nil {
		return err
	}

	aug, err := augmentation.New(cfg.Augmentation, cfg.Seed)
	if err != nil {
		return errors.Wrap(err, "building augmentation pipeline")
	}
	loader, err := dataloader.NewArrayLoader(data.split.TrainX, data.split.TrainY, dataloader.Config{
		BatchSize: cfg.BatchSize,
		Shuffle:   true,
		Seed:      cfg.Seed,
		Augmenter: aug,
	})
	if err != nil {
		return errors.Wrap(err, "creating training loader")
	}
	prefetcher, err := dataloader.NewPrefetcher(loader, dataloader.PrefetchConfig{Depth: 2})
	if err != nil {
		return err
	}
	if err := prefetcher.Start(ctx); err != nil {
		return err
	}
	defer prefetcher.Stop()

	klog.Info("Compiling model...")
	model, err := models.BuildFireDetectionNet(cfg.ImageSize, cfg.ImageSize, cfg.Channels, len(cfg.Classes),
		engine.Options{Seed: cfg.Seed})
	if err != nil {
		return err
	}
	training.NewModelArchitecturePrinter(os.Stdout, modelName).PrintArchitecture(model.Spec())

	trainer, err := training.NewModelTrainer(model, training.TrainerConfig{
		BatchSize:    cfg.BatchSize,
		LearningRate: cfg.InitLR,
		Momentum:     cfg.Momentum,
		ClassWeights: data.classWeights,
		Scheduler:    training.NewTimeBasedDecayScheduler(cfg.LRDecay()),
	})
	if err != nil {
		return err
	}

	if opts.resumePath != "" {
		if err := resume(trainer, cfg.Classes, opts.resumePath); err != nil {
			return err
		}
	}

	var sidecar *training.PlottingService
	if opts.plotService != "" {
		sidecar = newSidecar(ctx, opts.plotService)
	}

	if opts.lrFind > 0 {
		return findLearningRate(ctx, cfg, trainer, prefetcher, sidecar)
	}
	if err := fit(ctx, cfg, opts, trainer, prefetcher, data, sidecar); err != nil {
		return err
	}
	klog.V(1).Infof("Training loader read %d passes over %d samples", loader.Epoch(), loader.Len())
	return nil
}

// resume restores weights, optimizer state and step counters from a saved
// JSON checkpoint of the same architecture.
func resume(trainer *training.ModelTrainer, classes []string, path string) error {
	ckpt, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(path)
	if err != nil {
		return errors.Wrapf(err, "reading checkpoint %s", path)
	}
	if err := training.NewCheckpointManager(trainer, classes).Restore(ckpt); err != nil {
		return errors.Wrapf(err, "resuming from %s", path)
	}
	klog.Infof("Resumed from %s at step %d (base lr %g)", path, trainer.GetStats().CurrentStep, trainer.GetLearningRate())
	return nil
}

type trainingData struct {
	split        *dataset.Split
	classWeights []float64
}

// loadData reads both datasets, labels fire as 1 and non-fire as 0, scales
// pixels to [0, 1] and splits off the test partition.
func loadData(ctx context.Context, cfg config.Config) (*trainingData, error) {
	klog.Info("Loading data...")
	start := time.Now()
	lopts := dataset.LoadOptions{Width: cfg.ImageSize, Height: cfg.ImageSize}

	fire, err := dataset.LoadImages(ctx, cfg.FirePath, lopts)
	if err != nil {
		return nil, errors.Wrap(err, "loading fire images")
	}
	nonFire, err := dataset.LoadImages(ctx, cfg.NonFirePath, lopts)
	if err != nil {
		return nil, errors.Wrap(err, "loading non-fire images")
	}

	x, err := dataset.Concat(fire, nonFire)
	if err != nil {
		return nil, err
	}
	dataset.ScalePixels(x)
	labels := dataset.ConcatLabels(dataset.Labels(fire.Len(), 1), dataset.Labels(nonFire.Len(), 0))

	y, err := dataset.OneHot(labels, len(cfg.Classes))
	if err != nil {
		return nil, err
	}
	weights, err := dataset.ClassWeights(y)
	if err != nil {
		return nil, err
	}
	klog.Infof("Loaded %s in %v; class weights %v", dataset.Describe(y, cfg.Classes), time.Since(start).Round(time.Millisecond), weights)

	split, err := dataset.TrainTestSplit(x, y, cfg.TestSplit, cfg.Seed)
	if err != nil {
		return nil, err
	}
	klog.Infof("Train: %d samples, test: %d samples", split.TrainX.Len(), split.TestX.Len())
	return &trainingData{split: split, classWeights: weights}, nil
}

func findLearningRate(ctx context.Context, cfg config.Config, trainer *training.ModelTrainer,
	loader dataloader.BatchSource, sidecar *training.PlottingService) error {
	klog.Info("Finding learning rate...")
	finder, err := training.NewLearningRateFinder(training.LRFinderConfig{
		MinLR:      cfg.LRFind.MinLR,
		MaxLR:      cfg.LRFind.MaxLR,
		Epochs:     cfg.LRFind.Epochs,
		Beta:       cfg.LRFind.Beta,
		StopFactor: cfg.LRFind.StopFactor,
	})
	if err != nil {
		return err
	}

	result, err := finder.Find(ctx, trainer, loader, training.FindOptions{Progress: os.Stdout})
	if err != nil {
		return err
	}
	if lr, err := result.SteepestLR(cfg.LRFind.SkipBegin, cfg.LRFind.SkipEnd); err == nil {
		klog.Infof("Steepest loss descent at lr=%g", lr)
	}

	if err := finder.Plot(cfg.LRFindPlotPath, cfg.LRFind.SkipBegin, cfg.LRFind.SkipEnd); err != nil {
		return err
	}
	klog.Infof("Learning rate finder complete; plot written to %s", cfg.LRFindPlotPath)
	klog.Info("Examine plot and adjust learning rates before training")

	if sidecar != nil {
		if pd, err := result.PlotData(cfg.LRFind.SkipBegin, cfg.LRFind.SkipEnd); err == nil {
			sidecar.Publish(ctx, pd)
		}
	}
	return nil
}

func fit(ctx context.Context, cfg config.Config, opts options, trainer *training.ModelTrainer,
	loader dataloader.BatchSource, data *trainingData, sidecar *training.PlottingService) error {
	split := data.split
	steps := split.TrainX.Len() / cfg.BatchSize
	if steps < 1 {
		steps = 1
	}

	collector := training.NewVisualizationCollector(modelName)
	collector.Enable()

	klog.Infof("Training network for %d epochs, %d steps per epoch...", cfg.NumEpochs, steps)
	history, err := trainer.Fit(ctx, loader, training.FitOptions{
		Epochs:        cfg.NumEpochs,
		StepsPerEpoch: steps,
		ValidationX:   split.TestX,
		ValidationY:   split.TestY,
		Progress:      os.Stdout,
		Collector:     collector,
	})
	if err != nil {
		return err
	}

	klog.Info("Evaluating network...")
	eval, err := trainer.Evaluate(ctx, split.TestX, split.TestY)
	if err != nil {
		return err
	}
	fmt.Println(eval.Confusion.Report(cfg.Classes))
	recordEvaluation(collector, eval, split.TestY, cfg.Classes)

	manager := training.NewCheckpointManager(trainer, cfg.Classes)
	manager.Observe(eval.Loss, eval.Accuracy)
	desc := fmt.Sprintf("%s after %d epochs", modelName, cfg.NumEpochs)

	klog.Infof("Serializing network to %s...", cfg.ModelPath)
	if err := manager.Save(cfg.ModelPath, checkpoints.FormatJSON, desc); err != nil {
		return err
	}
	if opts.onnxPath != "" {
		if err := manager.Save(opts.onnxPath, checkpoints.FormatONNX, desc); err != nil {
			return err
		}
		klog.Infof("ONNX model written to %s", opts.onnxPath)
	}

	if err := training.RenderPNG(training.NewHistoryPlot(history, modelName), cfg.TrainingPlotPath); err != nil {
		return err
	}
	klog.Infof("Training history plot written to %s", cfg.TrainingPlotPath)

	if sidecar != nil {
		sidecar.PublishCollector(ctx, collector)
	}
	return nil
}

// recordEvaluation adds the test ROC curve and confusion matrix to the collector.
func recordEvaluation(collector *training.VisualizationCollector, eval *training.EvaluationResult, targets *tensor.Tensor, classes []string) {
	collector.RecordConfusionMatrix(eval.Confusion, classes)

	fire := len(classes) - 1
	scores := training.PositiveScores(eval.Predictions, fire)
	actual := dataset.ArgMax(targets)
	labels := make([]int, len(actual))
	for i, a := range actual {
		if a == fire {
			labels[i] = 1
		}
	}
	points, err := training.ROCCurve(scores, labels)
	if err != nil {
		klog.Warningf("Skipping ROC curve: %v", err)
		return
	}
	collector.RecordROCData(points)
	if auc, err := training.CalculateAUCROC(scores, labels); err == nil {
		klog.Infof("Test AUC-ROC: %.4f", auc)
	}
}

func newSidecar(ctx context.Context, url string) *training.PlottingService {
	pcfg := training.DefaultPlottingServiceConfig()
	pcfg.BaseURL = url
	ps := training.NewPlottingService(pcfg)
	ps.Enable()
	if err := ps.CheckHealth(ctx); err != nil {
		klog.Warningf("Plotting service at %s is not reachable: %v", url, err)
	}
	return ps
}
