// Package augmentation applies random affine transforms (rotation, zoom,
// shift, shear and horizontal flip) to CHW float32 images.
package augmentation

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/firenet/config"
	"github.com/tsawler/firenet/tensor"
)

// FillMode selects how points outside the source image are sampled.
type FillMode int

const (
	FillNearest FillMode = iota
	FillConstant
	FillReflect
	FillWrap
)

func (f FillMode) String() string {
	switch f {
	case FillNearest:
		return "nearest"
	case FillConstant:
		return "constant"
	case FillReflect:
		return "reflect"
	case FillWrap:
		return "wrap"
	default:
		return "unknown"
	}
}

// ParseFillMode maps a config string to a FillMode.
func ParseFillMode(s string) (FillMode, error) {
	switch s {
	case "", "nearest":
		return FillNearest, nil
	case "constant":
		return FillConstant, nil
	case "reflect":
		return FillReflect, nil
	case "wrap":
		return FillWrap, nil
	default:
		return 0, errors.Errorf("unknown fill mode %q", s)
	}
}

// Transform is one sampled set of augmentation parameters. Angles are in
// radians and shifts in pixels along rows (Tx) and columns (Ty).
type Transform struct {
	Theta          float64
	Tx, Ty         float64
	Shear          float64
	Zx, Zy         float64
	FlipHorizontal bool
}

// Identity leaves an image untouched.
func Identity() Transform {
	return Transform{Zx: 1, Zy: 1}
}

// Augmenter samples and applies transforms. It is not safe for concurrent use.
type Augmenter struct {
	cfg  config.AugmentationConfig
	fill FillMode
	cval float32
	rng  *rand.Rand
}

// New creates an Augmenter seeded with seed.
func New(cfg config.AugmentationConfig, seed int64) (*Augmenter, error) {
	fill, err := ParseFillMode(cfg.FillMode)
	if err != nil {
		return nil, err
	}
	if cfg.ZoomRange < 0 || cfg.ZoomRange >= 1 {
		return nil, errors.Errorf("zoom range %v must be in [0, 1)", cfg.ZoomRange)
	}
	return &Augmenter{
		cfg:  cfg,
		fill: fill,
		rng:  rand.New(rand.NewSource(seed)),
	}, nil
}

func (a *Augmenter) uniform(lo, hi float64) float64 {
	return lo + a.rng.Float64()*(hi-lo)
}

// RandomTransform samples parameters for an image of height x width.
func (a *Augmenter) RandomTransform(height, width int) Transform {
	tr := Identity()
	if a.cfg.RotationRange > 0 {
		tr.Theta = a.uniform(-a.cfg.RotationRange, a.cfg.RotationRange) * math.Pi / 180
	}
	if a.cfg.HeightShiftRange > 0 {
		tr.Tx = a.uniform(-a.cfg.HeightShiftRange, a.cfg.HeightShiftRange) * float64(height)
	}
	if a.cfg.WidthShiftRange > 0 {
		tr.Ty = a.uniform(-a.cfg.WidthShiftRange, a.cfg.WidthShiftRange) * float64(width)
	}
	if a.cfg.ShearRange > 0 {
		tr.Shear = a.uniform(-a.cfg.ShearRange, a.cfg.ShearRange) * math.Pi / 180
	}
	if a.cfg.ZoomRange > 0 {
		tr.Zx = a.uniform(1-a.cfg.ZoomRange, 1+a.cfg.ZoomRange)
		tr.Zy = a.uniform(1-a.cfg.ZoomRange, 1+a.cfg.ZoomRange)
	}
	if a.cfg.HorizontalFlip {
		tr.FlipHorizontal = a.rng.Float64() < 0.5
	}
	return tr
}

// Apply writes the transformed src (channels x height x width) into dst.
// Every output pixel (r, c) samples the source bilinearly at
// A*(p - center) + t + center.
func (a *Augmenter) Apply(src, dst []float32, channels, height, width int, tr Transform) {
	cosT, sinT := math.Cos(tr.Theta), math.Sin(tr.Theta)
	shearSin, shearCos := math.Sin(tr.Shear), math.Cos(tr.Shear)

	// A = rotation * shear * zoom; t = rotation * shift
	a00 := cosT * tr.Zx
	a01 := (-cosT*shearSin - sinT*shearCos) * tr.Zy
	a10 := sinT * tr.Zx
	a11 := (-sinT*shearSin + cosT*shearCos) * tr.Zy
	t0 := cosT*tr.Tx - sinT*tr.Ty
	t1 := sinT*tr.Tx + cosT*tr.Ty

	cr := float64(height-1) / 2
	cc := float64(width-1) / 2
	plane := height * width

	for r := 0; r < height; r++ {
		for c := 0; c < width; c++ {
			dr, dc := float64(r)-cr, float64(c)-cc
			sr := a00*dr + a01*dc + t0 + cr
			sc := a10*dr + a11*dc + t1 + cc

			outC := c
			if tr.FlipHorizontal {
				outC = width - 1 - c
			}
			for ch := 0; ch < channels; ch++ {
				dst[ch*plane+r*width+outC] = a.sample(src[ch*plane:(ch+1)*plane], height, width, sr, sc)
			}
		}
	}
}

func (a *Augmenter) sample(img []float32, height, width int, r, c float64) float32 {
	r0 := int(math.Floor(r))
	c0 := int(math.Floor(c))
	fr := float32(r - float64(r0))
	fc := float32(c - float64(c0))

	v00 := a.pixel(img, height, width, r0, c0)
	v01 := a.pixel(img, height, width, r0, c0+1)
	v10 := a.pixel(img, height, width, r0+1, c0)
	v11 := a.pixel(img, height, width, r0+1, c0+1)

	top := v00 + (v01-v00)*fc
	bottom := v10 + (v11-v10)*fc
	return top + (bottom-top)*fr
}

func (a *Augmenter) pixel(img []float32, height, width, r, c int) float32 {
	if r < 0 || r >= height || c < 0 || c >= width {
		switch a.fill {
		case FillConstant:
			return a.cval
		case FillReflect:
			r, c = reflect(r, height), reflect(c, width)
		case FillWrap:
			r, c = wrap(r, height), wrap(c, width)
		default:
			r, c = clamp(r, height), clamp(c, width)
		}
	}
	return img[r*width+c]
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i = ((i % period) + period) % period
	if i >= n {
		i = period - 1 - i
	}
	return i
}

func wrap(i, n int) int {
	return ((i % n) + n) % n
}

// AugmentBatch returns a new [N, C, H, W] tensor with an independently
// sampled transform applied to every image.
func (a *Augmenter) AugmentBatch(batch *tensor.Tensor) (*tensor.Tensor, error) {
	if batch.Dim() != 4 {
		return nil, errors.Errorf("expected [N, C, H, W] batch, got shape %v", batch.Shape)
	}
	channels, height, width := batch.Shape[1], batch.Shape[2], batch.Shape[3]
	out := tensor.ZerosLike(batch)
	for i := 0; i < batch.Len(); i++ {
		tr := a.RandomTransform(height, width)
		a.Apply(batch.Sample(i), out.Sample(i), channels, height, width, tr)
	}
	return out, nil
}
