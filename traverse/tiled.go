package traverse

import (
	"fmt"
	"image"
	"strconv"
	"strings"

	"github.com/gogpu/framesched/balance"
)

// Renderer fills one tile. Implementations must only write inside t and
// must be safe for concurrent use by all workers.
type Renderer interface {
	RenderTile(ctx balance.RenderContext, t *Tile)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx balance.RenderContext, t *Tile)

// RenderTile calls f(ctx, t).
func (f RendererFunc) RenderTile(ctx balance.RenderContext, t *Tile) { f(ctx, t) }

// Option configures a Tiled traverser.
type Option func(*Tiled)

// WithTileSize sets the nominal tile size. Non-positive values keep the
// default.
func WithTileSize(w, h int) Option {
	return func(t *Tiled) {
		if w > 0 {
			t.tileW = w
		}
		if h > 0 {
			t.tileH = h
		}
	}
}

// WithCoverageCheck enables the per-frame coverage bitmap. A duplicated
// assignment panics as soon as it is handed out; gaps are reported by
// Verify. Only useful when this process renders the whole channel.
func WithCoverageCheck(enabled bool) Option {
	return func(t *Tiled) { t.check = enabled }
}

// Tiled walks a channel image tile by tile in the order a load balancer
// hands out assignments.
//
// SetupBegin and SetupDisplayChannel run on worker 0 only; SetupFrame and
// RenderImage run on every worker.
type Tiled struct {
	renderer     Renderer
	tileW, tileH int
	check        bool
	pool         *TilePool
	channels     []*tiledChannel
}

type tiledChannel struct {
	width, height  int
	xtiles, ytiles int
	coverage       *Coverage
}

// NewTiled creates a tiled traverser feeding r.
func NewTiled(r Renderer, opts ...Option) *Tiled {
	if r == nil {
		panic("traverse: nil Renderer")
	}
	t := &Tiled{renderer: r, tileW: DefaultTileSize, tileH: DefaultTileSize}
	for _, opt := range opts {
		opt(t)
	}
	t.pool = NewTilePool(t.tileW, t.tileH)
	return t
}

// NewTiledFromArgs creates a tiled traverser from component arguments. The
// only accepted argument is -tilesize <W>x<H> (or a single edge length).
func NewTiledFromArgs(r Renderer, args []string) (*Tiled, error) {
	fs := balance.NewArgSet("tiled")
	size := fs.String("tilesize", strconv.Itoa(DefaultTileSize), "tile size WxH")
	if err := balance.ParseArgs(fs, args); err != nil {
		return nil, err
	}
	w, h, err := ParseResolution(*size)
	if err != nil {
		return nil, fmt.Errorf("%w: tiled: %w", balance.ErrArgs, err)
	}
	return NewTiled(r, WithTileSize(w, h)), nil
}

// ParseResolution parses "WxH" or a single "N" meaning N×N.
func ParseResolution(s string) (w, h int, err error) {
	ws, hs, found := strings.Cut(strings.ToLower(s), "x")
	if !found {
		hs = ws
	}
	w, err = strconv.Atoi(ws)
	if err != nil {
		return 0, 0, fmt.Errorf("resolution %q: %w", s, err)
	}
	h, err = strconv.Atoi(hs)
	if err != nil {
		return 0, 0, fmt.Errorf("resolution %q: %w", s, err)
	}
	if w < 1 || h < 1 {
		return 0, 0, fmt.Errorf("resolution %q must be positive", s)
	}
	return w, h, nil
}

// TileSize returns the nominal tile size.
func (t *Tiled) TileSize() (w, h int) {
	return t.tileW, t.tileH
}

// SetupBegin sizes the per-channel state and forwards to lb.
func (t *Tiled) SetupBegin(ctx balance.SetupContext, lb balance.LoadBalancer, numChannels int) {
	if numChannels < 0 {
		panic(fmt.Sprintf("traverse: negative channel count %d", numChannels))
	}
	if numChannels < len(t.channels) {
		clear(t.channels[numChannels:])
		t.channels = t.channels[:numChannels]
	}
	for len(t.channels) < numChannels {
		t.channels = append(t.channels, &tiledChannel{})
	}
	lb.SetupBegin(ctx, numChannels)
}

// SetupDisplayChannel cuts a width×height channel into tiles and tells lb
// how many assignments the channel has.
func (t *Tiled) SetupDisplayChannel(ctx balance.SetupContext, lb balance.LoadBalancer, width, height int) {
	ch := t.channel(ctx.ChannelIndex)
	ch.width, ch.height = max(width, 0), max(height, 0)
	ch.xtiles = (ch.width + t.tileW - 1) / t.tileW
	ch.ytiles = (ch.height + t.tileH - 1) / t.tileH

	n := ch.xtiles * ch.ytiles
	if t.check {
		ch.coverage = NewCoverage(n)
	}
	lb.SetupDisplayChannel(ctx, n)
}

// SetupFrame forwards to lb. Worker 0 also clears the coverage bitmap; the
// caller must hold a barrier between SetupFrame and RenderImage.
func (t *Tiled) SetupFrame(ctx balance.RenderContext, lb balance.LoadBalancer) {
	ch := t.channel(ctx.ChannelIndex)
	if ctx.Proc == 0 && ch.coverage != nil {
		ch.coverage.Reset()
	}
	lb.SetupFrame(ctx)
}

// RenderImage renders every assignment lb hands this worker into img and
// returns the number of tiles rendered.
func (t *Tiled) RenderImage(ctx balance.RenderContext, lb balance.LoadBalancer, img *image.RGBA) int {
	ch := t.channel(ctx.ChannelIndex)
	rendered := 0
	for a, ok := lb.NextAssignment(ctx); ok; a, ok = lb.NextAssignment(ctx) {
		if ch.coverage != nil {
			ch.coverage.ClaimRange(a)
		}
		for i := a.Start; i < a.End; i++ {
			t.renderTile(ctx, ch, i, img)
			rendered++
		}
	}
	return rendered
}

func (t *Tiled) renderTile(ctx balance.RenderContext, ch *tiledChannel, index int, img *image.RGBA) {
	r, x, y := t.tileRect(ch, index)
	tile := t.pool.Get(r.Dx(), r.Dy())
	if tile == nil {
		return
	}
	tile.Index, tile.X, tile.Y = index, x, y
	tile.Rect = r

	t.renderer.RenderTile(ctx, tile)
	if img != nil {
		tile.copyTo(img)
	}
	t.pool.Put(tile)
}

// TileRect returns the pixel bounds of assignment index in channel.
func (t *Tiled) TileRect(channel, index int) image.Rectangle {
	r, _, _ := t.tileRect(t.channel(channel), index)
	return r
}

func (t *Tiled) tileRect(ch *tiledChannel, index int) (r image.Rectangle, xtile, ytile int) {
	if index < 0 || index >= ch.xtiles*ch.ytiles {
		panic(fmt.Sprintf("traverse: assignment %d out of range [0,%d)", index, ch.xtiles*ch.ytiles))
	}
	xtile = index / ch.ytiles
	ytile = index % ch.ytiles
	x0, y0 := xtile*t.tileW, ytile*t.tileH
	r = image.Rect(x0, y0, min(x0+t.tileW, ch.width), min(y0+t.tileH, ch.height))
	return r, xtile, ytile
}

// Tiles returns the tile grid dimensions of channel.
func (t *Tiled) Tiles(channel int) (xtiles, ytiles int) {
	ch := t.channel(channel)
	return ch.xtiles, ch.ytiles
}

// Coverage returns channel's coverage bitmap, or nil when checking is off.
func (t *Tiled) Coverage(channel int) *Coverage {
	return t.channel(channel).coverage
}

// Verify returns an error listing the tiles of channel that were not
// rendered this frame. It returns nil when checking is off.
func (t *Tiled) Verify(channel int) error {
	cov := t.channel(channel).coverage
	if cov == nil {
		return nil
	}
	if missing := cov.Missing(); len(missing) > 0 {
		return fmt.Errorf("traverse: channel %d: %d of %d tiles not rendered, first %d",
			channel, len(missing), cov.Len(), missing[0])
	}
	return nil
}

func (t *Tiled) channel(i int) *tiledChannel {
	if i < 0 || i >= len(t.channels) {
		panic(fmt.Sprintf("traverse: channel index %d out of range [0,%d)", i, len(t.channels)))
	}
	return t.channels[i]
}
