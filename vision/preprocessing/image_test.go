package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// createSolidImage creates a filled RGBA image
func createSolidImage(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestDecodeAndPreprocessResizes(t *testing.T) {
	sizes := []struct{ w, h int }{{64, 48}, {300, 200}, {128, 128}, {7, 301}}

	for _, s := range sizes {
		var buf bytes.Buffer
		if err := png.Encode(&buf, createSolidImage(s.w, s.h, color.RGBA{200, 100, 50, 255})); err != nil {
			t.Fatal(err)
		}

		processor := NewImageProcessor(128, 128)
		img, err := processor.DecodeAndPreprocess(&buf)
		if err != nil {
			t.Fatalf("%dx%d: unexpected error: %v", s.w, s.h, err)
		}
		if img.Width != 128 || img.Height != 128 || img.Channels != 3 {
			t.Errorf("%dx%d: unexpected dimensions %dx%dx%d", s.w, s.h, img.Width, img.Height, img.Channels)
		}
		if len(img.Data) != 3*128*128 {
			t.Fatalf("%dx%d: expected %d values, got %d", s.w, s.h, 3*128*128, len(img.Data))
		}

		// A solid colour survives bilinear scaling unchanged.
		plane := 128 * 128
		if img.Data[0] != 200 || img.Data[plane] != 100 || img.Data[2*plane] != 50 {
			t.Errorf("%dx%d: unexpected pixel (%v, %v, %v)", s.w, s.h, img.Data[0], img.Data[plane], img.Data[2*plane])
		}
	}
}

func TestDecodeJPEG(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, createSolidImage(40, 30, color.RGBA{10, 20, 30, 255}), &jpeg.Options{Quality: 90}); err != nil {
		t.Fatal(err)
	}
	img, err := NewImageProcessor(16, 16).DecodeAndPreprocess(&buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(img.Data) != 3*16*16 {
		t.Errorf("unexpected data length %d", len(img.Data))
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := NewImageProcessor(16, 16).DecodeAndPreprocess(bytes.NewBufferString("mock image content"))
	if err == nil {
		t.Error("expected decode error for invalid data")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, createSolidImage(10, 10, color.RGBA{1, 2, 3, 255})); err != nil {
		t.Fatal(err)
	}
	f.Close()

	img, err := NewImageProcessor(8, 4).LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img.Width != 8 || img.Height != 4 {
		t.Errorf("unexpected size %dx%d", img.Width, img.Height)
	}

	if _, err := NewImageProcessor(8, 4).LoadFile(filepath.Join(t.TempDir(), "nope.png")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCHWRoundTrip(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 3, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			src.SetRGBA(x, y, color.RGBA{uint8(x * 40), uint8(y * 90), uint8(x + y), 255})
		}
	}

	data := ToCHW(src)
	back := FromCHW(data, 3, 2, 1)
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			if back.RGBAAt(x, y) != src.RGBAAt(x, y) {
				t.Errorf("pixel (%d,%d): got %v want %v", x, y, back.RGBAAt(x, y), src.RGBAAt(x, y))
			}
		}
	}
}
