package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/framesched"
	"github.com/gogpu/framesched/balance"
	"github.com/gogpu/framesched/balance/distributed"
	"github.com/gogpu/framesched/metrics"
	"github.com/gogpu/framesched/pipeline"
	"github.com/gogpu/framesched/traverse"
)

// stats accumulates frame results. Each frame loop reports from its
// worker 0, so several loops may report concurrently in cluster mode.
type stats struct {
	mu       sync.Mutex
	frames   int64
	tiles    map[string]int
	strategy map[string]string
	elapsed  time.Duration
}

func newStats() *stats {
	return &stats{tiles: make(map[string]int), strategy: make(map[string]string)}
}

func (s *stats) record(loop string, info pipeline.FrameInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = max(s.frames, info.Frame)
	for _, n := range info.Tiles {
		s.tiles[loop] += n
	}
	s.strategy[loop] = info.Strategy
}

// run renders cfg.Frames frames, writes the output image and prints a
// summary to out.
func run(ctx context.Context, cfg config, out, errOut io.Writer) error {
	framesched.SetLogger(slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: cfg.LogLevel})))
	defer framesched.SetLogger(nil)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	g, gctx := errgroup.WithContext(ctx)
	renderCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("framedemo: metrics listener: %w", err)
		}
		srv := &http.Server{
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-renderCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		framesched.Logger().Info("framedemo: serving metrics", "addr", ln.Addr().String())
	}

	st := newStats()
	s := newScene(cfg.Width, cfg.Height)
	start := time.Now()

	var img *image.RGBA
	g.Go(func() error {
		defer stopServer()
		var err error
		if cfg.Nodes > 0 {
			img, err = renderCluster(renderCtx, cfg, s, m, st)
		} else {
			img, err = renderLocal(renderCtx, cfg, s, m, st)
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// Interrupted: keep what was rendered so far.
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	st.elapsed = time.Since(start)

	if cfg.Output != "" && img != nil {
		label := ""
		if cfg.Label {
			label = fmt.Sprintf("frame %d  zoom %.3g  %s", st.frames, s.zoom.Get(), cfg.Strategy)
		}
		if err := writeBMP(cfg.Output, img, cfg.OutputScale, label); err != nil {
			return err
		}
	}
	printSummary(out, cfg, st)
	return nil
}

// renderLocal runs a single frame loop over the whole image.
func renderLocal(ctx context.Context, cfg config, s *scene, m *metrics.Metrics, st *stats) (*image.RGBA, error) {
	lb, err := balance.NewDefaultRegistry().Select(cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("framedemo: %w", err)
	}

	var c *pipeline.Coordinator[string]
	c = pipeline.New[string](s,
		pipeline.WithWorkers(cfg.Workers),
		pipeline.WithTileSize(cfg.TileW, cfg.TileH),
		pipeline.WithLoadBalancer(lb),
		pipeline.WithMetrics(m),
		pipeline.WithCoverageCheck(cfg.CheckCoverage),
		pipeline.WithFrameHook(func(info pipeline.FrameInfo) {
			st.record("local", info)
			if cfg.Zoom != 1 {
				c.AddTransaction(s.zoomBy(cfg.Zoom))
			}
		}),
	)
	c.AddChannel(cfg.Width, cfg.Height)

	err = c.Run(ctx, cfg.Frames)
	return c.Image(0), err
}

// renderCluster runs one frame loop per rank of an in-process cluster. The
// master rank only hands out work; every node renders into its own image
// and also composites its tiles into the shared output. Each rank zooms its
// own copy of the scene so that all ranks agree on the view of a frame.
func renderCluster(ctx context.Context, cfg config, s *scene, m *metrics.Metrics, st *stats) (*image.RGBA, error) {
	workers := cfg.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	cluster, err := distributed.NewCluster(distributed.ClusterConfig{
		Nodes:          cfg.Nodes,
		ThreadsPerNode: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("framedemo: %w", err)
	}

	reg := balance.NewDefaultRegistry()
	if err := distributed.Register(reg, cluster.Transport); err != nil {
		return nil, fmt.Errorf("framedemo: %w", err)
	}
	lbs := []balance.LoadBalancer{cluster.MasterBalancer}
	for i := range cfg.Nodes {
		spec := fmt.Sprintf("distributed(-rank %d -size %d -threads-per-node %d)", i+1, cfg.Nodes+1, workers)
		lb, err := reg.Select(spec)
		if err != nil {
			return nil, fmt.Errorf("framedemo: %w", err)
		}
		lbs = append(lbs, lb)
	}

	out := image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))
	var outMu sync.Mutex
	composite := func(rs *scene) traverse.Renderer {
		return traverse.RendererFunc(func(rc balance.RenderContext, t *traverse.Tile) {
			rs.RenderTile(rc, t)
			outMu.Lock()
			draw.Draw(out, t.Rect, t.Image(), t.Rect.Min, draw.Src)
			outMu.Unlock()
		})
	}

	clusterCtx, stopCluster := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- cluster.Run(clusterCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	for rank, lb := range lbs {
		name := fmt.Sprintf("rank %d", rank)
		rs := s
		if rank > 0 {
			rs = newScene(cfg.Width, cfg.Height)
		}
		var c *pipeline.Coordinator[string]
		hook := func(info pipeline.FrameInfo) {
			st.record(name, info)
			if cfg.Zoom != 1 {
				c.AddTransaction(rs.zoomBy(cfg.Zoom))
			}
		}
		c = pipeline.New[string](composite(rs),
			pipeline.WithWorkers(workers),
			pipeline.WithTileSize(cfg.TileW, cfg.TileH),
			pipeline.WithLoadBalancer(lb),
			pipeline.WithMetrics(m),
			pipeline.WithFrameHook(hook),
		)
		c.AddChannel(cfg.Width, cfg.Height)
		g.Go(func() error { return c.Run(gctx, cfg.Frames) })
	}

	err = g.Wait()
	stopCluster()
	if serr := <-served; err == nil {
		err = serr
	}
	return out, err
}

func printSummary(w io.Writer, cfg config, st *stats) {
	p := message.NewPrinter(language.English)
	st.mu.Lock()
	defer st.mu.Unlock()

	total := 0
	for _, n := range st.tiles {
		total += n
	}
	p.Fprintf(w, "%d frames of %dx%d in %v (%.1f frames/s)\n",
		st.frames, cfg.Width, cfg.Height, st.elapsed.Round(time.Millisecond),
		float64(st.frames)/max(st.elapsed.Seconds(), 1e-9))
	p.Fprintf(w, "%d tiles rendered\n", total)
	for _, loop := range slices.Sorted(maps.Keys(st.tiles)) {
		p.Fprintf(w, "  %-8s %-12s %d tiles\n", loop, st.strategy[loop], st.tiles[loop])
	}
}
