package dataset

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/firenet/parallel"
	"github.com/tsawler/firenet/tensor"
	"github.com/tsawler/firenet/vision/preprocessing"
)

// ErrNoImages is returned when a directory holds no decodable images.
var ErrNoImages = errors.New("no images found")

// DefaultExtensions lists the file extensions treated as images.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".webp", ".tif", ".tiff"}

// LoadOptions controls LoadImages.
type LoadOptions struct {
	Width   int
	Height  int
	Workers int // decode goroutines; 0 uses parallel.DefaultWorkers
}

// ListImages walks root recursively and returns every image path in lexical
// walk order.
func ListImages(root string) ([]string, error) {
	info, err := statDir(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.Errorf("%s is not a directory", root)
	}

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if isImage(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking %s", root)
	}
	return paths, nil
}

// LoadImages reads every image under dir, resizes each to Width x Height and
// returns them as one [N, 3, Height, Width] tensor with values in [0, 255].
// Images that fail to decode are skipped with a warning.
func LoadImages(ctx context.Context, dir string, opts LoadOptions) (*tensor.Tensor, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, errors.Errorf("invalid target size %dx%d", opts.Width, opts.Height)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = parallel.DefaultWorkers()
	}

	paths, err := ListImages(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.Wrapf(ErrNoImages, "in %s", dir)
	}

	sampleSize := preprocessing.Channels * opts.Width * opts.Height
	data := make([]float32, len(paths)*sampleSize)
	ok := make([]bool, len(paths))
	failures := make([]error, len(paths))

	processors := make(chan *preprocessing.ImageProcessor, workers)
	for i := 0; i < workers; i++ {
		processors <- preprocessing.NewImageProcessor(opts.Width, opts.Height)
	}

	parallel.ForEach(len(paths), workers, func(i int) {
		if ctx.Err() != nil {
			return
		}
		p := <-processors
		defer func() { processors <- p }()

		img, err := p.LoadFile(paths[i])
		if err != nil {
			failures[i] = err
			return
		}
		copy(data[i*sampleSize:(i+1)*sampleSize], img.Data)
		ok[i] = true
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Compact in discovery order, dropping the skipped files.
	n := 0
	for i := range paths {
		if !ok[i] {
			klog.Warningf("skipping unreadable image %s: %v", paths[i], failures[i])
			continue
		}
		if n != i {
			copy(data[n*sampleSize:(n+1)*sampleSize], data[i*sampleSize:(i+1)*sampleSize])
		}
		n++
	}
	if skipped := len(paths) - n; skipped > 0 {
		klog.Warningf("skipped %d of %d images in %s", skipped, len(paths), dir)
	}
	if n == 0 {
		return nil, errors.Wrapf(ErrNoImages, "no decodable images in %s", dir)
	}

	klog.V(1).Infof("loaded %d images from %s", n, dir)
	return tensor.New([]int{n, preprocessing.Channels, opts.Height, opts.Width}, data[:n*sampleSize])
}

func isImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range DefaultExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func statDir(root string) (fs.FileInfo, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, "reading dataset directory")
	}
	return info, nil
}
