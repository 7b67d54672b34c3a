// Package config holds the immutable run configuration shared by the training
// and prediction tools.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ErrInvalid is returned by Validate for an unusable configuration.
var ErrInvalid = errors.New("invalid configuration")

// LRFindConfig controls the learning-rate range test.
type LRFindConfig struct {
	MinLR      float64 `json:"min_lr"`
	MaxLR      float64 `json:"max_lr"`
	Epochs     int     `json:"epochs"`
	Beta       float64 `json:"beta"`        // loss smoothing factor
	StopFactor float64 `json:"stop_factor"` // divergence multiple of the best loss
	SkipBegin  int     `json:"skip_begin"`  // points dropped from the start of the plot
	SkipEnd    int     `json:"skip_end"`    // points dropped from the end of the plot
}

// AugmentationConfig describes the random transforms applied to training batches.
type AugmentationConfig struct {
	RotationRange    float64 `json:"rotation_range"` // degrees
	ZoomRange        float64 `json:"zoom_range"`
	WidthShiftRange  float64 `json:"width_shift_range"`  // fraction of width
	HeightShiftRange float64 `json:"height_shift_range"` // fraction of height
	ShearRange       float64 `json:"shear_range"`        // degrees
	HorizontalFlip   bool    `json:"horizontal_flip"`
	FillMode         string  `json:"fill_mode"` // nearest, constant, reflect, wrap
}

// Config is passed by value to every component. Nothing in this module
// mutates a Config after Load returns.
type Config struct {
	FirePath    string   `json:"fire_path"`
	NonFirePath string   `json:"non_fire_path"`
	Classes     []string `json:"classes"`

	TrainSplit float64 `json:"train_split"`
	TestSplit  float64 `json:"test_split"`
	Seed       int64   `json:"seed"`

	ImageSize int `json:"image_size"`
	Channels  int `json:"channels"`

	InitLR    float64 `json:"init_lr"`
	Momentum  float64 `json:"momentum"`
	BatchSize int     `json:"batch_size"`
	NumEpochs int     `json:"num_epochs"`

	ModelPath        string `json:"model_path"`
	LRFindPlotPath   string `json:"lrfind_plot_path"`
	TrainingPlotPath string `json:"training_plot_path"`
	OutputImagePath  string `json:"output_image_path"`
	SampleSize       int    `json:"sample_size"`

	LRFind       LRFindConfig       `json:"lr_find"`
	Augmentation AugmentationConfig `json:"augmentation"`
}

// Default returns the stock configuration for the fire detection datasets.
func Default() Config {
	return Config{
		FirePath:    filepath.Join("Robbery_Accident_Fire_Database2", "Fire"),
		NonFirePath: "spatial_envelope_256x256_static_8outdoorcategories",
		Classes:     []string{"Non-Fire", "Fire"},

		TrainSplit: 0.75,
		TestSplit:  0.25,
		Seed:       42,

		ImageSize: 128,
		Channels:  3,

		InitLR:    1e-2,
		Momentum:  0.9,
		BatchSize: 64,
		NumEpochs: 50,

		ModelPath:        filepath.Join("output", "fire_detection.model"),
		LRFindPlotPath:   filepath.Join("output", "lrfind_plot.png"),
		TrainingPlotPath: filepath.Join("output", "training_plot.png"),
		OutputImagePath:  filepath.Join("output", "examples"),
		SampleSize:       50,

		LRFind: LRFindConfig{
			MinLR:      1e-10,
			MaxLR:      1e+1,
			Epochs:     20,
			Beta:       0.98,
			StopFactor: 4,
			SkipBegin:  10,
			SkipEnd:    1,
		},
		Augmentation: AugmentationConfig{
			RotationRange:    30,
			ZoomRange:        0.15,
			WidthShiftRange:  0.2,
			HeightShiftRange: 0.2,
			ShearRange:       0.15,
			HorizontalFlip:   true,
			FillMode:         "nearest",
		},
	}
}

// Load reads a JSON file and overlays it on Default. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "reading config")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parsing config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values no component can work with.
func (c Config) Validate() error {
	switch {
	case c.FirePath == "" || c.NonFirePath == "":
		return errors.Wrap(ErrInvalid, "dataset paths must be set")
	case len(c.Classes) != 2:
		return errors.Wrapf(ErrInvalid, "expected 2 class names, got %d", len(c.Classes))
	case c.TestSplit <= 0 || c.TestSplit >= 1:
		return errors.Wrapf(ErrInvalid, "test split %v must be in (0, 1)", c.TestSplit)
	case c.ImageSize <= 0 || c.ImageSize%8 != 0:
		return errors.Wrapf(ErrInvalid, "image size %d must be a positive multiple of 8", c.ImageSize)
	case c.Channels != 3:
		return errors.Wrapf(ErrInvalid, "only 3 channel images are supported, got %d", c.Channels)
	case c.InitLR <= 0:
		return errors.Wrapf(ErrInvalid, "initial learning rate %v must be positive", c.InitLR)
	case c.BatchSize <= 0:
		return errors.Wrapf(ErrInvalid, "batch size %d must be positive", c.BatchSize)
	case c.NumEpochs <= 0:
		return errors.Wrapf(ErrInvalid, "epoch count %d must be positive", c.NumEpochs)
	case c.LRFind.MinLR <= 0 || c.LRFind.MaxLR <= c.LRFind.MinLR:
		return errors.Wrapf(ErrInvalid, "learning rate sweep bounds [%v, %v] are not increasing", c.LRFind.MinLR, c.LRFind.MaxLR)
	case c.LRFind.Beta < 0 || c.LRFind.Beta >= 1:
		return errors.Wrapf(ErrInvalid, "smoothing factor %v must be in [0, 1)", c.LRFind.Beta)
	case c.LRFind.StopFactor <= 1:
		return errors.Wrapf(ErrInvalid, "stop factor %v must be greater than 1", c.LRFind.StopFactor)
	}
	return nil
}

// LRDecay is the per-iteration time based decay applied to InitLR during training.
func (c Config) LRDecay() float64 {
	return c.InitLR / float64(c.NumEpochs)
}

// EnsureOutputDirs creates the parent directories of every output path.
func (c Config) EnsureOutputDirs() error {
	dirs := []string{
		filepath.Dir(c.ModelPath),
		filepath.Dir(c.LRFindPlotPath),
		filepath.Dir(c.TrainingPlotPath),
		c.OutputImagePath,
	}
	for _, d := range dirs {
		if d == "" || d == "." {
			continue
		}
		if err := os.MkdirAll(d, 0755); err != nil {
			return errors.Wrapf(err, "creating output directory %s", d)
		}
	}
	return nil
}
