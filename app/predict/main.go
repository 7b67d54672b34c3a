// Command predict classifies a random sample of dataset images with a trained
// fire detection model and writes annotated copies.
package main

import (
	"context"
	"flag"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/firenet/config"
	"github.com/tsawler/firenet/parallel"
	"github.com/tsawler/firenet/tensor"
	"github.com/tsawler/firenet/training"
	"github.com/tsawler/firenet/vision/dataset"
	"github.com/tsawler/firenet/vision/preprocessing"
)

const outputWidth = 500

var (
	fireColor    = color.RGBA{R: 255, A: 255}
	nonFireColor = color.RGBA{G: 255, A: 255}
)

func main() {
	klog.InitFlags(nil)
	configPath := flag.String("config", "", "optional JSON configuration overlay")
	flag.Parse()
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		klog.Flush()
		klog.Exitf("predict: %+v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureOutputDirs(); err != nil {
		return err
	}
	klog.Infof("Running on %s", parallel.Describe())

	klog.Infof("Loading model from %s...", cfg.ModelPath)
	inferencer, err := training.LoadInferencer(cfg.ModelPath, training.DefaultInferencerConfig())
	if err != nil {
		return err
	}

	paths, err := samplePaths(cfg)
	if err != nil {
		return err
	}
	klog.Infof("Predicting %d images...", len(paths))

	processor := preprocessing.NewImageProcessor(cfg.ImageSize, cfg.ImageSize)
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := predictOne(inferencer, processor, cfg, i, path); err != nil {
			klog.Warningf("Skipping %s: %v", path, err)
		}
	}
	klog.Infof("Annotated images written to %s", cfg.OutputImagePath)
	return nil
}

// samplePaths shuffles the images of both datasets with the configured seed
// and keeps the first SampleSize.
func samplePaths(cfg config.Config) ([]string, error) {
	fire, err := dataset.ListImages(cfg.FirePath)
	if err != nil {
		return nil, err
	}
	nonFire, err := dataset.ListImages(cfg.NonFirePath)
	if err != nil {
		return nil, err
	}
	paths := append(fire, nonFire...)
	if len(paths) == 0 {
		return nil, dataset.ErrNoImages
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	rng.Shuffle(len(paths), func(i, j int) { paths[i], paths[j] = paths[j], paths[i] })
	if cfg.SampleSize > 0 && cfg.SampleSize < len(paths) {
		paths = paths[:cfg.SampleSize]
	}
	return paths, nil
}

func predictOne(inferencer *training.ModelInferencer, processor *preprocessing.ImageProcessor, cfg config.Config, i int, path string) error {
	processed, err := processor.LoadFile(path)
	if err != nil {
		return err
	}
	x, err := tensor.New([]int{1, processed.Channels, processed.Height, processed.Width}, processed.Data)
	if err != nil {
		return err
	}
	dataset.ScalePixels(x)

	preds, err := inferencer.PredictBatch(x)
	if err != nil {
		return err
	}
	pred := preds[0]
	klog.V(1).Infof("%s: %s (%.2f%%)", path, pred.Label, 100*pred.Confidence)

	original, err := decodeFile(path)
	if err != nil {
		return err
	}
	c := nonFireColor
	if pred.Class == len(inferencer.Classes())-1 {
		c = fireColor
	}
	annotated := preprocessing.Annotate(original, outputWidth, pred.Label, c)

	out := filepath.Join(cfg.OutputImagePath, strconv.Itoa(i)+".png")
	return writePNG(out, annotated)
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening image")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return img, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating output image")
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrapf(err, "encoding %s", path)
	}
	return errors.Wrapf(f.Close(), "closing %s", path)
}
