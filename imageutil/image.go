// Package imageutil converts NCHW tensors to images and writes them out.
package imageutil

import (
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gorgonia.org/tensor"
)

// SampleToImage converts sample n of an NCHW float32 tensor. One channel
// gives a Gray image; three or more give RGBA from the first three. Values
// are read as [-1, 1] when normalized, otherwise [0, 1], and clamped.
func SampleToImage(t tensor.Tensor, n int, normalized bool) (image.Image, error) {
	shape := t.Shape()
	if len(shape) != 4 {
		return nil, errors.Errorf("want NCHW tensor, got shape %v", shape)
	}
	if n < 0 || n >= shape[0] {
		return nil, errors.Errorf("sample %d out of range for batch of %d", n, shape[0])
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("want float32 tensor, got %T", t.Data())
	}
	c, h, w := shape[1], shape[2], shape[3]
	plane := h * w
	base := n * c * plane
	px := func(ch, y, x int) uint8 {
		v := data[base+ch*plane+y*w+x]
		if normalized {
			v = (v + 1) / 2
		}
		return to8(v)
	}

	rect := image.Rect(0, 0, w, h)
	switch {
	case c == 1:
		img := image.NewGray(rect)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetGray(x, y, color.Gray{Y: px(0, y, x)})
			}
		}
		return img, nil
	case c >= 3:
		img := image.NewRGBA(rect)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetRGBA(x, y, color.RGBA{R: px(0, y, x), G: px(1, y, x), B: px(2, y, x), A: 255})
			}
		}
		return img, nil
	}
	return nil, errors.Errorf("cannot render %d channels", c)
}

func to8(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}

// SavePNG writes img to path, creating parent directories.
func SavePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode %s", path)
	}
	return f.Close()
}

// Labeled is one tile of a grid.
type Labeled struct {
	Label string
	Image image.Image
}

const (
	charH   = 13
	labelH  = charH + 4
	padding = 4
)

// Grid lays tiles out left to right with their labels drawn above them.
func Grid(tiles []Labeled) *image.RGBA {
	w, h := padding, 0
	for _, t := range tiles {
		b := t.Image.Bounds()
		w += b.Dx() + padding
		h = max(h, b.Dy())
	}
	canvas := image.NewRGBA(image.Rect(0, 0, w, h+labelH+padding))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	x := padding
	for _, t := range tiles {
		b := t.Image.Bounds()
		d := &font.Drawer{
			Dst:  canvas,
			Src:  image.NewUniform(color.Black),
			Face: basicfont.Face7x13,
			Dot:  fixed.P(x, charH),
		}
		d.DrawString(t.Label)
		dst := image.Rect(x, labelH, x+b.Dx(), labelH+b.Dy())
		draw.Draw(canvas, dst, t.Image, b.Min, draw.Src)
		x += b.Dx() + padding
	}
	return canvas
}
