package dataset

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

// writePNG creates a solid-colour PNG of the given size
func writePNG(t *testing.T, path string, width, height int, c color.RGBA) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create image %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("Failed to encode image %s: %v", path, err)
	}
}

// createImageDir fills a directory with count images of varying sizes
func createImageDir(t *testing.T, root string, count int, c color.RGBA) {
	t.Helper()
	for i := 0; i < count; i++ {
		w := 20 + (i*7)%50
		h := 15 + (i*11)%60
		writePNG(t, filepath.Join(root, fmt.Sprintf("img_%03d.png", i)), w, h, c)
	}
}

func TestLoadImagesResizesEverything(t *testing.T) {
	dir := t.TempDir()
	createImageDir(t, dir, 5, color.RGBA{255, 0, 0, 255})
	writePNG(t, filepath.Join(dir, "nested", "deep", "extra.png"), 300, 10, color.RGBA{0, 255, 0, 255})

	data, err := LoadImages(context.Background(), dir, LoadOptions{Width: 32, Height: 32, Workers: 3})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := []int{6, 3, 32, 32}
	for i, d := range want {
		if data.Shape[i] != d {
			t.Fatalf("Expected shape %v, got %v", want, data.Shape)
		}
	}

	// WalkDir is lexical: img_000..img_004 then nested/deep/extra.png
	plane := 32 * 32
	last := data.Sample(5)
	if last[0] != 0 || last[plane] != 255 {
		t.Errorf("Expected the nested green image last, got R=%v G=%v", last[0], last[plane])
	}
	first := data.Sample(0)
	if first[0] != 255 || first[plane] != 0 {
		t.Errorf("Expected red image first, got R=%v G=%v", first[0], first[plane])
	}
}

func TestLoadImagesSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	createImageDir(t, dir, 3, color.RGBA{1, 2, 3, 255})
	if err := os.WriteFile(filepath.Join(dir, "broken.jpg"), []byte("mock image content"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}

	data, err := LoadImages(context.Background(), dir, LoadOptions{Width: 8, Height: 8})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if data.Len() != 3 {
		t.Errorf("Expected 3 images after skipping the corrupt one, got %d", data.Len())
	}
}

func TestLoadImagesErrors(t *testing.T) {
	t.Run("MissingDirectory", func(t *testing.T) {
		_, err := LoadImages(context.Background(), filepath.Join(t.TempDir(), "missing"), LoadOptions{Width: 8, Height: 8})
		if err == nil {
			t.Error("Expected error for missing directory")
		}
	})

	t.Run("EmptyDirectory", func(t *testing.T) {
		_, err := LoadImages(context.Background(), t.TempDir(), LoadOptions{Width: 8, Height: 8})
		if !errors.Is(err, ErrNoImages) {
			t.Errorf("Expected ErrNoImages, got %v", err)
		}
	})

	t.Run("OnlyCorruptImages", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "a.png"), []byte("garbage"), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := LoadImages(context.Background(), dir, LoadOptions{Width: 8, Height: 8})
		if !errors.Is(err, ErrNoImages) {
			t.Errorf("Expected ErrNoImages, got %v", err)
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		dir := t.TempDir()
		createImageDir(t, dir, 2, color.RGBA{1, 2, 3, 255})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := LoadImages(ctx, dir, LoadOptions{Width: 8, Height: 8})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	})

	t.Run("InvalidSize", func(t *testing.T) {
		if _, err := LoadImages(context.Background(), t.TempDir(), LoadOptions{}); err == nil {
			t.Error("Expected error for zero target size")
		}
	})
}

func TestListImagesFiltersExtensions(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "A.PNG"), 4, 4, color.RGBA{})
	if err := os.WriteFile(filepath.Join(dir, "readme.md"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	paths, err := ListImages(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || filepath.Base(paths[0]) != "A.PNG" {
		t.Errorf("Unexpected paths %v", paths)
	}
}
