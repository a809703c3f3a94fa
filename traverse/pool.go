package traverse

import (
	"image"
	"sync"
)

// TilePool reuses Tile buffers via sync.Pool.
//
// Thread safety: TilePool is safe for concurrent use.
type TilePool struct {
	tileW, tileH int

	// full serves the nominal tile size, by far the most common request.
	full sync.Pool

	// edge holds one *sync.Pool per edge-tile size.
	// Key format: (width << 16) | height
	edge sync.Map
}

// NewTilePool creates a pool whose fast path serves tileW×tileH tiles.
func NewTilePool(tileW, tileH int) *TilePool {
	p := &TilePool{tileW: tileW, tileH: tileH}
	p.full.New = func() any {
		return &Tile{Data: make([]byte, tileW*tileH*4)}
	}
	return p
}

// Get returns a zeroed tile buffer for a width×height tile, or nil for an
// empty size. Rect is anchored at the origin; callers move it into place.
func (p *TilePool) Get(width, height int) *Tile {
	if width <= 0 || height <= 0 {
		return nil
	}

	var t *Tile
	if width == p.tileW && height == p.tileH {
		t = p.full.Get().(*Tile)
	} else {
		t = p.sizePool(width, height).Get().(*Tile)
	}
	t.Reset()
	t.Index, t.X, t.Y = 0, 0, 0
	t.Rect = image.Rect(0, 0, width, height)
	return t
}

// Put returns t to the pool. A nil tile is ignored.
func (p *TilePool) Put(t *Tile) {
	if t == nil {
		return
	}
	w, h := t.Width(), t.Height()
	if len(t.Data) != w*h*4 {
		return
	}
	if w == p.tileW && h == p.tileH {
		p.full.Put(t)
		return
	}
	if pool, ok := p.edge.Load(poolKey(w, h)); ok {
		pool.(*sync.Pool).Put(t)
	}
}

// poolKey packs a tile size into one key. Sizes are clamped to 16 bits.
func poolKey(width, height int) uint32 {
	w := min(width, 0xFFFF)
	h := min(height, 0xFFFF)
	return uint32(w)<<16 | uint32(h) //nolint:gosec // values are clamped above
}

func (p *TilePool) sizePool(width, height int) *sync.Pool {
	key := poolKey(width, height)
	if pool, ok := p.edge.Load(key); ok {
		return pool.(*sync.Pool)
	}
	pool := &sync.Pool{
		New: func() any {
			return &Tile{Data: make([]byte, width*height*4)}
		},
	}
	actual, _ := p.edge.LoadOrStore(key, pool)
	return actual.(*sync.Pool)
}
