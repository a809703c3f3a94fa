package traverse

import (
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/gogpu/framesched/balance"
)

// paintIndex fills every tile with a color derived from its index so the
// final image shows which tile wrote each pixel.
var paintIndex = RendererFunc(func(_ balance.RenderContext, t *Tile) {
	c := color.RGBA{R: uint8(t.Index), G: uint8(t.Index >> 8), B: 0x80, A: 0xFF}
	for y := t.Rect.Min.Y; y < t.Rect.Max.Y; y++ {
		for x := t.Rect.Min.X; x < t.Rect.Max.X; x++ {
			t.Set(x, y, c)
		}
	}
})

// renderFrame drives one frame of channel 0 on numProcs goroutines.
func renderFrame(tr *Tiled, lb balance.LoadBalancer, img *image.RGBA, numProcs int, frame int64) int {
	for p := range numProcs {
		tr.SetupFrame(balance.RenderContext{ChannelIndex: 0, Proc: p, NumProcs: numProcs, Frame: frame}, lb)
	}

	var (
		mu    sync.Mutex
		total int
		wg    sync.WaitGroup
	)
	wg.Add(numProcs)
	for p := range numProcs {
		go func() {
			defer wg.Done()
			n := tr.RenderImage(balance.RenderContext{ChannelIndex: 0, Proc: p, NumProcs: numProcs, Frame: frame}, lb, img)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	return total
}

func setup(tr *Tiled, lb balance.LoadBalancer, numProcs, w, h int) {
	tr.SetupBegin(balance.SetupContext{ChannelIndex: -1, NumChannels: 1, NumProcs: numProcs}, lb, 1)
	tr.SetupDisplayChannel(balance.SetupContext{ChannelIndex: 0, NumChannels: 1, NumProcs: numProcs}, lb, w, h)
}

// =============================================================================
// Tile Mapping Tests
// =============================================================================

func TestTiled_TileMapping(t *testing.T) {
	tr := NewTiled(paintIndex, WithTileSize(32, 32))
	setup(tr, balance.NewSimple(), 1, 100, 70)

	xt, yt := tr.Tiles(0)
	if xt != 4 || yt != 3 {
		t.Fatalf("Tiles() = %d,%d; want 4,3", xt, yt)
	}

	tests := []struct {
		index int
		want  image.Rectangle
	}{
		{0, image.Rect(0, 0, 32, 32)},
		{1, image.Rect(0, 32, 32, 64)},
		{2, image.Rect(0, 64, 32, 70)},
		{3, image.Rect(32, 0, 64, 32)},
		{5, image.Rect(32, 64, 64, 70)},
		{11, image.Rect(96, 64, 100, 70)},
	}
	for _, tt := range tests {
		if got := tr.TileRect(0, tt.index); got != tt.want {
			t.Errorf("TileRect(0, %d) = %v, want %v", tt.index, got, tt.want)
		}
	}
}

func TestTiled_TileRectOutOfRange(t *testing.T) {
	tr := NewTiled(paintIndex)
	setup(tr, balance.NewSimple(), 1, 64, 64)
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	tr.TileRect(0, 1)
}

// =============================================================================
// Rendering Tests
// =============================================================================

func TestTiled_RenderCoversImage(t *testing.T) {
	strategies := map[string]func() balance.LoadBalancer{
		"simple":    func() balance.LoadBalancer { return balance.NewSimple() },
		"cyclic":    func() balance.LoadBalancer { return balance.NewCyclic() },
		"workqueue": func() balance.LoadBalancer { return balance.NewWQ(3) },
	}
	sizes := []struct{ w, h int }{{200, 130}, {64, 64}, {1, 1}, {17, 300}}

	for name, mk := range strategies {
		for _, sz := range sizes {
			t.Run(name, func(t *testing.T) {
				lb := mk()
				tr := NewTiled(paintIndex, WithTileSize(32, 16), WithCoverageCheck(true))
				setup(tr, lb, 4, sz.w, sz.h)
				img := image.NewRGBA(image.Rect(0, 0, sz.w, sz.h))

				for frame := int64(1); frame <= 2; frame++ {
					clear(img.Pix)
					xt, yt := tr.Tiles(0)
					if n := renderFrame(tr, lb, img, 4, frame); n != xt*yt {
						t.Errorf("%dx%d frame %d: rendered %d tiles, want %d", sz.w, sz.h, frame, n, xt*yt)
					}
					if err := tr.Verify(0); err != nil {
						t.Error(err)
					}
					checkImage(t, tr, img)
				}
			})
		}
	}
}

// checkImage verifies each pixel was written by the tile that owns it.
func checkImage(t *testing.T, tr *Tiled, img *image.RGBA) {
	t.Helper()
	xt, yt := tr.Tiles(0)
	for i := range xt * yt {
		r := tr.TileRect(0, i)
		want := color.RGBA{R: uint8(i), G: uint8(i >> 8), B: 0x80, A: 0xFF}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				if got := img.RGBAAt(x, y); got != want {
					t.Fatalf("pixel (%d,%d) = %v, want %v (tile %d)", x, y, got, want, i)
				}
			}
		}
	}
}

func TestTiled_NilImage(t *testing.T) {
	lb := balance.NewSimple()
	tr := NewTiled(paintIndex)
	setup(tr, lb, 2, 300, 200)
	if n := renderFrame(tr, lb, nil, 2, 1); n != 5*4 {
		t.Errorf("rendered %d tiles, want 20", n)
	}
}

func TestTiled_EmptyChannel(t *testing.T) {
	lb := balance.NewWQ(0)
	tr := NewTiled(paintIndex, WithCoverageCheck(true))
	setup(tr, lb, 3, 0, 0)
	if n := renderFrame(tr, lb, nil, 3, 1); n != 0 {
		t.Errorf("rendered %d tiles, want 0", n)
	}
	if err := tr.Verify(0); err != nil {
		t.Error(err)
	}
}

// dupBalancer hands the same assignment to every caller.
type dupBalancer struct {
	balance.LoadBalancer
	n int
}

func (d *dupBalancer) SetupDisplayChannel(ctx balance.SetupContext, n int) {
	d.n = n
	d.LoadBalancer.SetupDisplayChannel(ctx, n)
}

func (d *dupBalancer) NextAssignment(ctx balance.RenderContext) (balance.Assignment, bool) {
	a, ok := d.LoadBalancer.NextAssignment(ctx)
	if !ok {
		return a, false
	}
	return balance.Assignment{Start: 0, End: a.End - a.Start}, true
}

func TestTiled_DuplicateAssignmentPanics(t *testing.T) {
	lb := &dupBalancer{LoadBalancer: balance.NewSimple()}
	tr := NewTiled(paintIndex, WithCoverageCheck(true))
	setup(tr, lb, 2, 256, 256)
	ctx := balance.RenderContext{ChannelIndex: 0, NumProcs: 2, Frame: 1}
	for p := range 2 {
		ctx.Proc = p
		tr.SetupFrame(ctx, lb)
	}

	ctx.Proc = 0
	tr.RenderImage(ctx, lb, nil)

	defer func() {
		if recover() == nil {
			t.Error("second claim of tile 0 should panic")
		}
	}()
	ctx.Proc = 1
	tr.RenderImage(ctx, lb, nil)
}

func TestTiled_VerifyReportsGaps(t *testing.T) {
	lb := balance.NewSimple()
	tr := NewTiled(paintIndex, WithCoverageCheck(true))
	setup(tr, lb, 2, 256, 256)
	ctx := balance.RenderContext{ChannelIndex: 0, NumProcs: 2, Frame: 1}
	for p := range 2 {
		ctx.Proc = p
		tr.SetupFrame(ctx, lb)
	}
	ctx.Proc = 0
	tr.RenderImage(ctx, lb, nil) // worker 1 never renders

	if err := tr.Verify(0); err == nil {
		t.Error("Verify should report the tiles worker 1 skipped")
	}
	if got := tr.Coverage(0).Count(); got != 8 {
		t.Errorf("Count() = %d, want 8", got)
	}
}

func TestTiled_CoverageOff(t *testing.T) {
	tr := NewTiled(paintIndex)
	setup(tr, balance.NewSimple(), 1, 10, 10)
	if tr.Coverage(0) != nil || tr.Verify(0) != nil {
		t.Error("coverage should be disabled by default")
	}
}

func TestTiled_SetupBeginResizesChannels(t *testing.T) {
	lb := balance.NewSimple()
	tr := NewTiled(paintIndex)
	tr.SetupBegin(balance.SetupContext{NumProcs: 1}, lb, 3)
	for i := range 3 {
		tr.SetupDisplayChannel(balance.SetupContext{ChannelIndex: i, NumProcs: 1}, lb, 64*(i+1), 64)
	}
	if xt, _ := tr.Tiles(2); xt != 3 {
		t.Errorf("channel 2 xtiles = %d, want 3", xt)
	}

	tr.SetupBegin(balance.SetupContext{NumProcs: 1}, lb, 1)
	defer func() {
		if recover() == nil {
			t.Error("channel 2 should be gone")
		}
	}()
	tr.Tiles(2)
}

// =============================================================================
// Argument Tests
// =============================================================================

func TestNewTiledFromArgs(t *testing.T) {
	tests := []struct {
		args    []string
		w, h    int
		wantErr bool
	}{
		{nil, DefaultTileSize, DefaultTileSize, false},
		{[]string{"-tilesize", "32x16"}, 32, 16, false},
		{[]string{"-tilesize", "8"}, 8, 8, false},
		{[]string{"--tilesize=24X12"}, 24, 12, false},
		{[]string{"-tilesize", "0x4"}, 0, 0, true},
		{[]string{"-tilesize", "axb"}, 0, 0, true},
		{[]string{"-square"}, 0, 0, true},
	}
	for _, tt := range tests {
		tr, err := NewTiledFromArgs(paintIndex, tt.args)
		if tt.wantErr {
			if !errors.Is(err, balance.ErrArgs) {
				t.Errorf("%q: err = %v, want ErrArgs", tt.args, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tt.args, err)
			continue
		}
		if w, h := tr.TileSize(); w != tt.w || h != tt.h {
			t.Errorf("%q: TileSize() = %d,%d; want %d,%d", tt.args, w, h, tt.w, tt.h)
		}
	}
}

// =============================================================================
// Coverage and Pool Tests
// =============================================================================

func TestCoverage(t *testing.T) {
	c := NewCoverage(130)
	c.ClaimRange(balance.Assignment{Start: 0, End: 64})
	c.Claim(129)
	if c.Count() != 65 {
		t.Errorf("Count() = %d, want 65", c.Count())
	}
	if !c.Claimed(129) || c.Claimed(64) || c.Claimed(500) {
		t.Error("Claimed mismatch")
	}
	missing := c.Missing()
	if len(missing) != 65 || missing[0] != 64 || missing[len(missing)-1] != 128 {
		t.Errorf("Missing() = %d entries [%d..%d]", len(missing), missing[0], missing[len(missing)-1])
	}
	c.ClaimRange(balance.Assignment{Start: 64, End: 129})
	if !c.Complete() {
		t.Error("Complete() = false after claiming everything")
	}
	c.Reset()
	if c.Count() != 0 {
		t.Error("Reset did not clear")
	}
}

func TestCoverage_Panics(t *testing.T) {
	for name, fn := range map[string]func(c *Coverage){
		"twice":        func(c *Coverage) { c.Claim(3); c.Claim(3) },
		"out-of-range": func(c *Coverage) { c.Claim(10) },
		"negative":     func(c *Coverage) { c.Claim(-1) },
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			fn(NewCoverage(10))
		})
	}
}

func TestCoverage_ConcurrentDisjointClaims(t *testing.T) {
	const n = 10000
	c := NewCoverage(n)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := w; i < n; i += 8 {
				c.Claim(i)
			}
		}()
	}
	wg.Wait()
	if !c.Complete() {
		t.Errorf("Count() = %d, want %d", c.Count(), n)
	}
}

func TestTilePool_Reuse(t *testing.T) {
	p := NewTilePool(16, 16)
	for _, sz := range [][2]int{{16, 16}, {5, 9}} {
		tile := p.Get(sz[0], sz[1])
		if tile.Width() != sz[0] || tile.Height() != sz[1] || len(tile.Data) != sz[0]*sz[1]*4 {
			t.Fatalf("Get(%d,%d) = %dx%d with %d bytes", sz[0], sz[1], tile.Width(), tile.Height(), len(tile.Data))
		}
		tile.Data[0] = 0xFF
		p.Put(tile)

		again := p.Get(sz[0], sz[1])
		if again.Data[0] != 0 {
			t.Error("pooled tile not cleared")
		}
	}
	if p.Get(0, 4) != nil {
		t.Error("Get of empty size should return nil")
	}
	p.Put(nil)
}

func TestTile_SetAndOffset(t *testing.T) {
	tile := &Tile{Rect: image.Rect(10, 20, 14, 22), Data: make([]byte, 4*2*4)}
	tile.Set(13, 21, color.RGBA{1, 2, 3, 4})
	tile.Set(9, 21, color.RGBA{9, 9, 9, 9}) // outside
	if off := tile.PixelOffset(3, 1); off != 28 {
		t.Fatalf("PixelOffset(3,1) = %d, want 28", off)
	}
	if got := tile.Data[28:32]; got[0] != 1 || got[3] != 4 {
		t.Errorf("pixel = %v", got)
	}
	if tile.PixelOffset(4, 0) != -1 || tile.Stride() != 16 {
		t.Error("bounds check or stride wrong")
	}

	img := tile.Image()
	if img.Bounds() != tile.Rect {
		t.Fatalf("Image().Bounds() = %v, want %v", img.Bounds(), tile.Rect)
	}
	if got := img.RGBAAt(13, 21); got != (color.RGBA{1, 2, 3, 4}) {
		t.Errorf("Image().RGBAAt(13,21) = %v", got)
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkTiled_RenderFrame(b *testing.B) {
	lb := balance.NewWQ(0)
	tr := NewTiled(RendererFunc(func(balance.RenderContext, *Tile) {}))
	setup(tr, lb, 4, 1920, 1080)
	img := image.NewRGBA(image.Rect(0, 0, 1920, 1080))
	var frame int64
	for b.Loop() {
		frame++
		renderFrame(tr, lb, img, 4, frame)
	}
}
