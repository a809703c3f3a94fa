// Package traverse maps a channel's assignment indices onto image tiles and
// drives a Renderer over the assignments a load balancer hands out.
//
// A channel of W×H pixels is cut into ceil(W/tw)×ceil(H/th) tiles. The tile
// for assignment a sits in column a/ytiles and row a%ytiles, so consecutive
// assignments walk down a column. Edge tiles may be smaller than the nominal
// tile size.
//
// Each worker renders into a pooled scratch Tile which is then copied into
// the channel image. Tiles of one frame never overlap, so workers write to
// the image without locking.
package traverse

import (
	"image"
	"image/color"
)

// DefaultTileSize is the default tile edge in pixels.
const DefaultTileSize = 64

// Tile is one rectangular piece of a channel image.
type Tile struct {
	// Index is the assignment index this tile was produced from.
	Index int

	// X is the tile column index (0-based).
	X int

	// Y is the tile row index (0-based).
	Y int

	// Rect is the tile's pixel bounds in the channel image.
	Rect image.Rectangle

	// Data contains the tile's RGBA pixels, row-major, Stride bytes per row.
	Data []byte
}

// Width returns the tile width in pixels.
func (t *Tile) Width() int {
	return t.Rect.Dx()
}

// Height returns the tile height in pixels.
func (t *Tile) Height() int {
	return t.Rect.Dy()
}

// Stride returns the row stride in bytes.
func (t *Tile) Stride() int {
	return t.Rect.Dx() * 4
}

// PixelOffset returns the byte offset into Data for the tile-local pixel
// (px, py), or -1 if it is outside the tile.
func (t *Tile) PixelOffset(px, py int) int {
	if px < 0 || px >= t.Width() || py < 0 || py >= t.Height() {
		return -1
	}
	return (py*t.Width() + px) * 4
}

// Set writes c at the image-space pixel (x, y). Pixels outside the tile
// are ignored.
func (t *Tile) Set(x, y int, c color.RGBA) {
	off := t.PixelOffset(x-t.Rect.Min.X, y-t.Rect.Min.Y)
	if off < 0 {
		return
	}
	t.Data[off+0] = c.R
	t.Data[off+1] = c.G
	t.Data[off+2] = c.B
	t.Data[off+3] = c.A
}

// Image returns an image.RGBA sharing the tile's pixels, positioned at
// t.Rect. It is only valid until the tile goes back to its pool.
func (t *Tile) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    t.Data[:t.Stride()*t.Height()],
		Stride: t.Stride(),
		Rect:   t.Rect,
	}
}

// Reset clears the pixel data.
func (t *Tile) Reset() {
	clear(t.Data)
}

// copyTo copies the tile into img at t.Rect.
func (t *Tile) copyTo(img *image.RGBA) {
	r := t.Rect.Intersect(img.Rect)
	if r.Empty() {
		return
	}
	rowBytes := r.Dx() * 4
	for y := r.Min.Y; y < r.Max.Y; y++ {
		src := t.PixelOffset(r.Min.X-t.Rect.Min.X, y-t.Rect.Min.Y)
		dst := img.PixOffset(r.Min.X, y)
		copy(img.Pix[dst:dst+rowBytes], t.Data[src:src+rowBytes])
	}
}
