package preprocessing

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// LabelScale enlarges the 7x13 bitmap font used by Annotate.
const LabelScale = 3

// ResizeToWidth scales img to the given width, keeping its aspect ratio.
func ResizeToWidth(img image.Image, width int) *image.RGBA {
	b := img.Bounds()
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	return Resize(img, width, height)
}

// Annotate returns a copy of img resized to width with text drawn in c at
// the top left corner.
func Annotate(img image.Image, width int, text string, c color.Color) *image.RGBA {
	dst := ResizeToWidth(img, width)

	face := basicfont.Face7x13
	label := image.NewRGBA(image.Rect(0, 0, font.MeasureString(face, text).Ceil(), face.Height))
	d := &font.Drawer{
		Dst:  label,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(text)

	lb := label.Bounds()
	at := image.Rect(10, 10, 10+lb.Dx()*LabelScale, 10+lb.Dy()*LabelScale)
	draw.NearestNeighbor.Scale(dst, at, label, lb, draw.Over, nil)
	return dst
}
