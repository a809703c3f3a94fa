// Package pipeline drives frames across a fixed pool of workers.
//
// Every frame follows the same barrier-separated protocol:
//
//  1. worker 0 advances the frame number
//  2. worker 0 applies queued transactions
//  3. all workers drain the update graph and task queue
//  4. when the pipeline needs setup (first frame, resize, strategy swap)
//     worker 0 runs SetupBegin and SetupDisplayChannel for every channel
//  5. every worker runs SetupFrame for every channel
//  6. every worker renders every channel until its load balancer runs dry
//  7. worker 0 runs the frame hook
//
// Transactions are the only sanctioned way to mutate state the workers read
// while rendering; they are applied in step 2 while no worker renders.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/cpu"

	"github.com/gogpu/framesched"
	"github.com/gogpu/framesched/balance"
	"github.com/gogpu/framesched/internal/barrier"
	"github.com/gogpu/framesched/task"
	"github.com/gogpu/framesched/traverse"
	"github.com/gogpu/framesched/txn"
	"github.com/gogpu/framesched/update"
)

// ErrRunning is returned by Run when the coordinator is already running.
var ErrRunning = errors.New("pipeline: coordinator already running")

const tracerName = "github.com/gogpu/framesched/pipeline"

// Phase names used for spans and the phase duration histogram.
const (
	PhaseTransactions = "transactions"
	PhaseUpdates      = "updates"
	PhaseSetup        = "setup"
	PhaseRender       = "render"
	PhaseDisplay      = "display"
)

// FrameInfo describes a completed frame.
type FrameInfo struct {
	// Frame is the frame serial number, starting at 1.
	Frame int64

	// Changed is set when a transaction or update changed state this frame.
	Changed bool

	// Setup is set when the pipeline was renegotiated this frame.
	Setup bool

	// Strategy names the load balancer that rendered the frame.
	Strategy string

	// Tiles holds the number of tiles rendered per channel.
	Tiles []int

	// Images holds the channel images. They are only valid until the hook
	// returns.
	Images []*image.RGBA

	// Transactions summarizes this frame's transaction application.
	Transactions txn.Result

	// Duration is the frame's wall time.
	Duration time.Duration
}

// FrameHook observes completed frames.
type FrameHook func(FrameInfo)

// Coordinator runs the frame loop. K is the key type of the update graph.
type Coordinator[K comparable] struct {
	opts      options
	log       *slog.Logger
	tracer    trace.Tracer
	traverser *traverse.Tiled

	txns    *txn.Queue[K]
	graph   *update.Graph[K]
	tasks   *task.Queue
	perform UpdateFunc[K]

	barrier *barrier.Barrier
	running atomic.Bool

	// The fields below are written by worker 0 between barriers and read by
	// every worker after the next barrier.
	lb         balance.LoadBalancer
	channels   []*channel
	frame      int64
	needsSetup bool
	stop       bool
	stopErr    error

	changed  []changedFlag
	rendered []atomic.Int64
}

type channel struct {
	width, height int
	img           *image.RGBA
}

type changedFlag struct {
	changed bool
	_       cpu.CacheLinePad
}

// New creates a coordinator rendering tiles with r.
func New[K comparable](r traverse.Renderer, opts ...Option) *Coordinator[K] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if log == nil {
		log = framesched.Logger()
	}
	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	lb := o.lb
	if lb == nil {
		lb = balance.NewSimple()
	}

	c := &Coordinator[K]{
		opts:   o,
		log:    log,
		tracer: tp.Tracer(tracerName),
		traverser: traverse.NewTiled(r,
			traverse.WithTileSize(o.tileW, o.tileH),
			traverse.WithCoverageCheck(o.checkCoverage)),
		txns:       txn.NewQueue[K](txn.WithMetrics(o.metrics), txn.WithLogger(log)),
		graph:      update.New[K](),
		tasks:      task.NewQueue(),
		perform:    finishImmediately[K],
		lb:         balance.Instrument(lb, o.metrics),
		needsSetup: true,
		changed:    make([]changedFlag, o.workers),
	}
	return c
}

// Workers returns the number of worker goroutines.
func (c *Coordinator[K]) Workers() int {
	return c.opts.workers
}

// Graph returns the update graph. Build it before Run; afterwards mutate it
// only through update transactions.
func (c *Coordinator[K]) Graph() *update.Graph[K] {
	return c.graph
}

// Traverser returns the tiled traverser.
func (c *Coordinator[K]) Traverser() *traverse.Tiled {
	return c.traverser
}

// SetUpdateFunc sets the function that recomputes a marked object. It must
// be called before Run.
func (c *Coordinator[K]) SetUpdateFunc(fn UpdateFunc[K]) {
	c.mustNotRun("SetUpdateFunc")
	if fn == nil {
		fn = finishImmediately[K]
	}
	c.perform = fn
}

// AddChannel adds a display channel of width×height pixels and returns its
// index. It must be called before Run; use ResizeChannel afterwards.
func (c *Coordinator[K]) AddChannel(width, height int) int {
	c.mustNotRun("AddChannel")
	c.channels = append(c.channels, &channel{width: width, height: height})
	c.rendered = make([]atomic.Int64, len(c.channels))
	c.needsSetup = true
	return len(c.channels) - 1
}

// Image returns channel i's image. It must not be called while Run is
// active; use a frame hook instead.
func (c *Coordinator[K]) Image(i int) *image.RGBA {
	c.mustNotRun("Image")
	return c.channels[i].img
}

// Frame returns the last frame number. It must not be called while Run is
// active.
func (c *Coordinator[K]) Frame() int64 {
	c.mustNotRun("Frame")
	return c.frame
}

func (c *Coordinator[K]) mustNotRun(op string) {
	if c.running.Load() {
		panic(fmt.Sprintf("pipeline: %s while running", op))
	}
}

// AddTransaction queues t for the next frame boundary. Safe from any
// goroutine, including workers.
func (c *Coordinator[K]) AddTransaction(t txn.Transaction) ulid.ULID {
	return c.txns.Add(t)
}

// AddCallback queues a callback transaction.
func (c *Coordinator[K]) AddCallback(name string, fn func(), flag txn.Flag) ulid.ULID {
	return c.txns.Add(txn.Callback(name, fn, flag))
}

// AddUpdate queues a transaction running fn and then marking key in the
// update graph. fn may be nil.
func (c *Coordinator[K]) AddUpdate(name string, fn func(), key K, flag txn.Flag) ulid.ULID {
	return c.txns.Add(txn.Update(name, fn, key, flag))
}

// ResizeChannel queues a resize of channel i.
func (c *Coordinator[K]) ResizeChannel(i, width, height int) ulid.ULID {
	if i < 0 || i >= len(c.channels) {
		panic(fmt.Sprintf("pipeline: channel index %d out of range [0,%d)", i, len(c.channels)))
	}
	return c.AddCallback("resize channel", func() {
		ch := c.channels[i]
		ch.width, ch.height = width, height
		c.needsSetup = true
	}, txn.Default)
}

// SetLoadBalancer queues a swap of the load balancer.
func (c *Coordinator[K]) SetLoadBalancer(lb balance.LoadBalancer) ulid.ULID {
	if lb == nil {
		panic("pipeline: nil load balancer")
	}
	return c.AddCallback("set load balancer", func() {
		c.lb = balance.Instrument(lb, c.opts.metrics)
		c.needsSetup = true
		c.log.Info("pipeline: load balancer changed", "strategy", balance.NameOf(c.lb))
	}, txn.Default)
}

// InsertWork queues a task list for the workers. Tasks are drained during
// the update phase of the next frame, or the current one if it is still
// draining.
func (c *Coordinator[K]) InsertWork(l *task.List) {
	c.tasks.Insert(l)
}

// Run renders frames until frames have completed or ctx is done. frames <= 0
// runs until ctx is done. It returns ctx's error when stopped by ctx. A
// panic on any worker is re-raised on the caller.
func (c *Coordinator[K]) Run(ctx context.Context, frames int) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer c.running.Store(false)

	c.stop, c.stopErr = false, nil
	c.barrier = barrier.New()
	var end int64
	if frames > 0 {
		end = c.frame + int64(frames)
	}

	c.log.Info("pipeline: coordinator started",
		"workers", c.opts.workers, "channels", len(c.channels), "strategy", balance.NameOf(c.lb))

	var wg conc.WaitGroup
	for proc := range c.opts.workers {
		wg.Go(func() { c.worker(ctx, proc, end) })
	}
	wg.Wait()

	c.log.Info("pipeline: coordinator stopped", "frame", c.frame, "err", c.stopErr)
	return c.stopErr
}

// worker runs the frame loop for one worker. A panicking worker breaks the
// barrier so the others unwind instead of waiting for it forever.
func (c *Coordinator[K]) worker(ctx context.Context, proc int, end int64) {
	defer func() {
		if r := recover(); r != nil {
			c.barrier.Break()
			panic(r)
		}
	}()

	n := c.opts.workers
	for {
		var (
			start    time.Time
			span     trace.Span
			frameCtx context.Context
			res      txn.Result
		)

		if proc == 0 {
			switch {
			case ctx.Err() != nil:
				c.stop, c.stopErr = true, ctx.Err()
			case end > 0 && c.frame >= end:
				c.stop = true
			default:
				c.frame++
				start = time.Now()
				frameCtx, span = c.tracer.Start(ctx, "frame",
					trace.WithAttributes(attribute.Int64("frame", c.frame)))
				for i := range c.rendered {
					c.rendered[i].Store(0)
				}
			}
		}
		if !c.barrier.Wait(n) || c.stop {
			return
		}
		c.changed[proc].changed = false

		if proc == 0 {
			c.phase(frameCtx, PhaseTransactions, func() {
				res = c.txns.Apply(c.graph.MarkObject)
			})
			c.changed[0].changed = res.Changed
		}
		if !c.barrier.Wait(n) {
			return
		}

		c.phase(frameCtx, PhaseUpdates, func() {
			if c.doUpdates(proc) {
				c.changed[proc].changed = true
			}
		})
		if !c.barrier.Wait(n) {
			return
		}

		changed := false
		for i := range c.changed {
			changed = changed || c.changed[i].changed
		}

		setup := c.needsSetup
		ok := true
		c.phase(frameCtx, PhaseSetup, func() {
			if setup {
				if proc == 0 {
					c.setupPipelines()
				}
				if ok = c.barrier.Wait(n); !ok {
					return
				}
			}
			c.setupFrame(proc)
		})
		if !ok || !c.barrier.Wait(n) {
			return
		}
		if proc == 0 && setup {
			c.needsSetup = false
		}

		c.phase(frameCtx, PhaseRender, func() {
			for i, ch := range c.channels {
				rc := balance.RenderContext{ChannelIndex: i, Proc: proc, NumProcs: n, Frame: c.frame}
				tiles := c.traverser.RenderImage(rc, c.lb, ch.img)
				c.rendered[i].Add(int64(tiles))
			}
		})
		if !c.barrier.Wait(n) {
			return
		}

		if proc == 0 {
			c.phase(frameCtx, PhaseDisplay, func() {
				c.finishFrame(start, changed, setup, res)
			})
			span.End()
		}
	}
}

// phase runs fn, recording a span and the phase duration on worker 0.
func (c *Coordinator[K]) phase(ctx context.Context, name string, fn func()) {
	if ctx == nil {
		fn()
		return
	}
	_, span := c.tracer.Start(ctx, name)
	start := time.Now()
	fn()
	if c.opts.metrics != nil {
		c.opts.metrics.PhaseDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	span.End()
}

// setupPipelines negotiates the traverser and load balancer for every
// channel and resizes the images. Runs on worker 0.
func (c *Coordinator[K]) setupPipelines() {
	n := c.opts.workers
	numChannels := len(c.channels)
	c.traverser.SetupBegin(balance.SetupContext{ChannelIndex: -1, NumChannels: numChannels, NumProcs: n}, c.lb, numChannels)
	for i, ch := range c.channels {
		sc := balance.SetupContext{ChannelIndex: i, NumChannels: numChannels, NumProcs: n}
		c.traverser.SetupDisplayChannel(sc, c.lb, ch.width, ch.height)
		if ch.img == nil || ch.img.Rect.Dx() != ch.width || ch.img.Rect.Dy() != ch.height {
			ch.img = image.NewRGBA(image.Rect(0, 0, max(ch.width, 0), max(ch.height, 0)))
		}
	}
	if c.opts.metrics != nil {
		c.opts.metrics.PipelineSetups.Inc()
	}
	c.log.Info("pipeline: pipeline set up",
		"frame", c.frame, "channels", numChannels, "workers", n, "strategy", balance.NameOf(c.lb))
}

func (c *Coordinator[K]) setupFrame(proc int) {
	for i := range c.channels {
		rc := balance.RenderContext{ChannelIndex: i, Proc: proc, NumProcs: c.opts.workers, Frame: c.frame}
		c.traverser.SetupFrame(rc, c.lb)
	}
}

// finishFrame verifies coverage, runs the frame hook and records the frame.
// Runs on worker 0 while the others wait at the next barrier.
func (c *Coordinator[K]) finishFrame(start time.Time, changed, setup bool, res txn.Result) {
	if c.opts.checkCoverage {
		for i := range c.channels {
			if err := c.traverser.Verify(i); err != nil {
				panic(fmt.Sprintf("pipeline: frame %d: %v", c.frame, err))
			}
		}
	}

	info := FrameInfo{
		Frame:        c.frame,
		Changed:      changed,
		Setup:        setup,
		Strategy:     balance.NameOf(c.lb),
		Tiles:        make([]int, len(c.channels)),
		Images:       make([]*image.RGBA, len(c.channels)),
		Transactions: res,
		Duration:     time.Since(start),
	}
	for i, ch := range c.channels {
		info.Tiles[i] = int(c.rendered[i].Load())
		info.Images[i] = ch.img
	}

	c.log.Debug("pipeline: frame done",
		"frame", info.Frame, "changed", info.Changed, "tiles", info.Tiles, "duration", info.Duration)
	if c.opts.metrics != nil {
		c.opts.metrics.Frames.Inc()
	}
	if c.opts.frameHook != nil {
		c.opts.frameHook(info)
	}
}
