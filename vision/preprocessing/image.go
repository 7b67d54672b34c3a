package preprocessing

import (
	"image"
	"image/color"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

// Channels is the depth of every processed image (RGB).
const Channels = 3

// ImageProcessor decodes images and resizes them to a fixed resolution,
// reusing its scratch buffer between calls.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	width           int
	height          int
}

// NewImageProcessor creates a processor producing width x height images.
func NewImageProcessor(width, height int) *ImageProcessor {
	return &ImageProcessor{
		width:  width,
		height: height,
	}
}

// ProcessedImage is a decoded, resized image in CHW order with values in [0, 255].
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes any registered image format and resizes it to the
// processor's resolution, ignoring the original aspect ratio.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, errors.Wrap(err, "decoding image")
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.New("decoding image: empty bounds")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tempImageBuffer == nil || p.tempImageBuffer.Bounds().Dx() != p.width || p.tempImageBuffer.Bounds().Dy() != p.height {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	}
	resizeInto(p.tempImageBuffer, img)

	return &ProcessedImage{
		Data:     ToCHW(p.tempImageBuffer),
		Width:    p.width,
		Height:   p.height,
		Channels: Channels,
	}, nil
}

// LoadFile opens and processes a single image file.
func (p *ImageProcessor) LoadFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening image")
	}
	defer file.Close()

	img, err := p.DecodeAndPreprocess(file)
	if err != nil {
		return nil, errors.Wrapf(err, "processing %s", path)
	}
	return img, nil
}

// Resize scales img to exactly width x height with bilinear interpolation.
func Resize(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	resizeInto(dst, img)
	return dst
}

func resizeInto(dst *image.RGBA, src image.Image) {
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
}

// ToCHW converts an RGBA image into channel-first float32 data in [0, 255].
// Alpha is dropped.
func ToCHW(img *image.RGBA) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	data := make([]float32, Channels*plane)

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			idx := y*w + x
			data[idx] = float32(row[x*4])
			data[plane+idx] = float32(row[x*4+1])
			data[2*plane+idx] = float32(row[x*4+2])
		}
	}
	return data
}

// FromCHW converts channel-first data back into an image. scale maps stored
// values to [0, 255] (1 for raw pixels, 255 for normalised ones).
func FromCHW(data []float32, width, height int, scale float32) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	plane := width * height
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			img.SetRGBA(x, y, color.RGBA{
				R: clampByte(data[idx] * scale),
				G: clampByte(data[plane+idx] * scale),
				B: clampByte(data[2*plane+idx] * scale),
				A: 255,
			})
		}
	}
	return img
}

func clampByte(v float32) uint8 {
	switch {
	case v != v || v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
