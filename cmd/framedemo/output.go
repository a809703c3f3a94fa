package main

import (
	"fmt"
	"image"
	"image/color"
	"os"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// writeBMP scales img by scale, stamps label in the top left corner when it
// is not empty, and writes the result to path.
func writeBMP(path string, img *image.RGBA, scale float64, label string) (err error) {
	dst := img
	if scale != 1 {
		b := img.Bounds()
		w := max(int(float64(b.Dx())*scale), 1)
		h := max(int(float64(b.Dy())*scale), 1)
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	} else if label != "" {
		// Do not stamp the coordinator's image.
		dst = image.NewRGBA(img.Bounds())
		draw.Copy(dst, image.Point{}, img, img.Bounds(), draw.Src, nil)
	}
	if label != "" {
		drawLabel(dst, label)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("framedemo: create output: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("framedemo: close output: %w", cerr)
		}
	}()
	if err := bmp.Encode(f, dst); err != nil {
		return fmt.Errorf("framedemo: encode bmp: %w", err)
	}
	return nil
}

func drawLabel(dst draw.Image, label string) {
	face := basicfont.Face7x13
	m := face.Metrics()
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(color.White), Face: face}

	// Dark band behind the text keeps it readable on bright tiles.
	width := d.MeasureString(label).Ceil() + 8
	height := (m.Ascent + m.Descent).Ceil() + 6
	band := image.Rect(0, 0, width, height).Intersect(dst.Bounds())
	draw.Draw(dst, band, image.NewUniform(color.RGBA{A: 0xC0}), image.Point{}, draw.Over)

	d.Dot = fixed.Point26_6{X: fixed.I(4), Y: fixed.I(3) + m.Ascent}
	d.DrawString(label)
}
