package main

import (
	"image/color"
	"math"

	"github.com/gogpu/framesched/balance"
	"github.com/gogpu/framesched/traverse"
	"github.com/gogpu/framesched/txn"
)

// maxIter bounds the escape-time loop. Tiles inside the set hit it for
// every pixel, tiles far outside leave after a few iterations.
const maxIter = 256

// scene renders the Mandelbrot set around a fixed point of interest. The
// zoom is only changed by transactions, so workers read it without locking.
type scene struct {
	width, height int
	centerX       float64
	centerY       float64
	zoom          *txn.Value[float64]
}

func newScene(width, height int) *scene {
	return &scene{
		width:   width,
		height:  height,
		centerX: -0.743643887037151,
		centerY: 0.131825904205330,
		zoom:    txn.NewValue(1.0),
	}
}

// zoomBy returns a transaction scaling the view by factor.
func (s *scene) zoomBy(factor float64) txn.Transaction {
	return txn.Modify("zoom", s.zoom, func(z float64) float64 { return z * factor }, txn.Default)
}

// RenderTile implements traverse.Renderer.
func (s *scene) RenderTile(_ balance.RenderContext, t *traverse.Tile) {
	span := 3.0 * s.zoom.Get()
	scale := span / float64(max(s.width, s.height))
	x0 := s.centerX - scale*float64(s.width)/2
	y0 := s.centerY - scale*float64(s.height)/2

	for py := t.Rect.Min.Y; py < t.Rect.Max.Y; py++ {
		ci := y0 + scale*float64(py)
		for px := t.Rect.Min.X; px < t.Rect.Max.X; px++ {
			cr := x0 + scale*float64(px)
			t.Set(px, py, palette(escape(cr, ci)))
		}
	}
}

func escape(cr, ci float64) int {
	var zr, zi float64
	for i := range maxIter {
		zr2, zi2 := zr*zr, zi*zi
		if zr2+zi2 > 4 {
			return i
		}
		zi = 2*zr*zi + ci
		zr = zr2 - zi2 + cr
	}
	return maxIter
}

func palette(n int) color.RGBA {
	if n >= maxIter {
		return color.RGBA{A: 0xFF}
	}
	t := math.Sqrt(float64(n) / maxIter)
	return color.RGBA{
		R: uint8(9 * (1 - t) * t * t * t * 255),
		G: uint8(15 * (1 - t) * (1 - t) * t * t * 255),
		B: uint8(8.5 * (1 - t) * (1 - t) * (1 - t) * t * 255),
		A: 0xFF,
	}
}
