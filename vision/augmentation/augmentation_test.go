package augmentation

import (
	"math"
	"testing"

	"github.com/tsawler/firenet/config"
	"github.com/tsawler/firenet/tensor"
)

// gradientImage returns a 1 x h x w image whose value is r*w + c.
func gradientImage(h, w int) []float32 {
	img := make([]float32, h*w)
	for i := range img {
		img[i] = float32(i)
	}
	return img
}

func newTestAugmenter(t *testing.T, fill string) *Augmenter {
	t.Helper()
	a, err := New(config.AugmentationConfig{FillMode: fill}, 1)
	if err != nil {
		t.Fatalf("Failed to create augmenter: %v", err)
	}
	return a
}

func TestIdentityTransform(t *testing.T) {
	a := newTestAugmenter(t, "nearest")
	src := gradientImage(5, 7)
	dst := make([]float32, len(src))
	a.Apply(src, dst, 1, 5, 7, Identity())
	for i := range src {
		if math.Abs(float64(dst[i]-src[i])) > 1e-4 {
			t.Fatalf("Pixel %d changed: %v -> %v", i, src[i], dst[i])
		}
	}
}

func TestHorizontalFlip(t *testing.T) {
	a := newTestAugmenter(t, "nearest")
	h, w := 3, 4
	src := gradientImage(h, w)
	dst := make([]float32, len(src))
	tr := Identity()
	tr.FlipHorizontal = true
	a.Apply(src, dst, 1, h, w, tr)

	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			want := src[r*w+(w-1-c)]
			if math.Abs(float64(dst[r*w+c]-want)) > 1e-4 {
				t.Errorf("(%d,%d): got %v want %v", r, c, dst[r*w+c], want)
			}
		}
	}
}

func TestRotate180(t *testing.T) {
	a := newTestAugmenter(t, "nearest")
	h, w := 4, 6
	src := gradientImage(h, w)
	dst := make([]float32, len(src))
	tr := Identity()
	tr.Theta = math.Pi
	a.Apply(src, dst, 1, h, w, tr)

	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			want := src[(h-1-r)*w+(w-1-c)]
			if math.Abs(float64(dst[r*w+c]-want)) > 1e-3 {
				t.Errorf("(%d,%d): got %v want %v", r, c, dst[r*w+c], want)
			}
		}
	}
}

func TestShiftFillModes(t *testing.T) {
	h, w := 4, 3
	src := gradientImage(h, w)
	tr := Identity()
	tr.Tx = 1 // output row r samples input row r+1

	tests := []struct {
		fill    string
		lastRow []float32
	}{
		{"nearest", []float32{9, 10, 11}},
		{"constant", []float32{0, 0, 0}},
		{"wrap", []float32{0, 1, 2}},
		{"reflect", []float32{9, 10, 11}},
	}

	for _, tt := range tests {
		t.Run(tt.fill, func(t *testing.T) {
			a := newTestAugmenter(t, tt.fill)
			dst := make([]float32, len(src))
			a.Apply(src, dst, 1, h, w, tr)

			for r := 0; r < h-1; r++ {
				for c := 0; c < w; c++ {
					if dst[r*w+c] != src[(r+1)*w+c] {
						t.Errorf("(%d,%d): got %v want %v", r, c, dst[r*w+c], src[(r+1)*w+c])
					}
				}
			}
			for c := 0; c < w; c++ {
				if dst[(h-1)*w+c] != tt.lastRow[c] {
					t.Errorf("last row col %d: got %v want %v", c, dst[(h-1)*w+c], tt.lastRow[c])
				}
			}
		})
	}
}

func TestRandomTransformRanges(t *testing.T) {
	cfg := config.Default().Augmentation
	a, err := New(cfg, 7)
	if err != nil {
		t.Fatal(err)
	}

	flips := 0
	for i := 0; i < 500; i++ {
		tr := a.RandomTransform(128, 128)
		if math.Abs(tr.Theta) > cfg.RotationRange*math.Pi/180 {
			t.Fatalf("Rotation %v out of range", tr.Theta)
		}
		if math.Abs(tr.Tx) > cfg.HeightShiftRange*128 || math.Abs(tr.Ty) > cfg.WidthShiftRange*128 {
			t.Fatalf("Shift (%v, %v) out of range", tr.Tx, tr.Ty)
		}
		if tr.Zx < 1-cfg.ZoomRange || tr.Zx > 1+cfg.ZoomRange || tr.Zy < 1-cfg.ZoomRange || tr.Zy > 1+cfg.ZoomRange {
			t.Fatalf("Zoom (%v, %v) out of range", tr.Zx, tr.Zy)
		}
		if tr.FlipHorizontal {
			flips++
		}
	}
	if flips == 0 || flips == 500 {
		t.Errorf("Horizontal flip should be random, got %d/500", flips)
	}
}

func TestAugmentBatchIsSeeded(t *testing.T) {
	batch := tensor.Zeros(3, 3, 8, 8)
	for i := range batch.Data {
		batch.Data[i] = float32(i%17) / 17
	}
	cfg := config.Default().Augmentation

	run := func() *tensor.Tensor {
		a, err := New(cfg, 99)
		if err != nil {
			t.Fatal(err)
		}
		out, err := a.AugmentBatch(batch)
		if err != nil {
			t.Fatal(err)
		}
		return out
	}

	first, second := run(), run()
	if !tensor.SameShape(first.Shape, batch.Shape) {
		t.Fatalf("Unexpected shape %v", first.Shape)
	}
	for i := range first.Data {
		if first.Data[i] != second.Data[i] {
			t.Fatal("Same seed should produce the same augmentation")
		}
		if first.Data[i] < 0 || first.Data[i] > 1 {
			t.Fatalf("Interpolated value %v left the input range", first.Data[i])
		}
	}

	a, _ := New(cfg, 1)
	if _, err := a.AugmentBatch(tensor.Zeros(2, 4)); err == nil {
		t.Error("Expected error for non image batch")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(config.AugmentationConfig{FillMode: "mirror"}, 1); err == nil {
		t.Error("Expected error for unknown fill mode")
	}
	if _, err := New(config.AugmentationConfig{ZoomRange: 1.5}, 1); err == nil {
		t.Error("Expected error for zoom range >= 1")
	}
}
