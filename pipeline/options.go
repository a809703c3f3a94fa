package pipeline

import (
	"log/slog"
	"runtime"

	"go.opentelemetry.io/otel/trace"

	"github.com/gogpu/framesched/balance"
	"github.com/gogpu/framesched/metrics"
)

// Option configures a Coordinator during creation.
//
// Example:
//
//	c := pipeline.New[string](renderer,
//		pipeline.WithWorkers(8),
//		pipeline.WithLoadBalancer(balance.NewWQ(10)),
//	)
type Option func(*options)

// options holds optional configuration for Coordinator creation.
type options struct {
	workers        int
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracerProvider trace.TracerProvider
	lb             balance.LoadBalancer
	tileW, tileH   int
	checkCoverage  bool
	frameHook      FrameHook
}

// defaultOptions returns the default coordinator options.
func defaultOptions() options {
	return options{
		workers: runtime.GOMAXPROCS(0),
	}
}

// WithWorkers sets the number of worker goroutines. Values below 1 select
// GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = runtime.GOMAXPROCS(0)
		}
		o.workers = n
	}
}

// WithLogger overrides the process logger for this coordinator.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics exports frame, phase, assignment, transaction and task
// metrics through m. The load balancer is wrapped in balance.Instrument.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracerProvider sets the provider for per-frame spans. The default is
// the global otel provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithLoadBalancer sets the initial load balancer. The default is the
// static split.
func WithLoadBalancer(lb balance.LoadBalancer) Option {
	return func(o *options) {
		o.lb = lb
	}
}

// WithTileSize sets the tile size of the tiled traverser.
func WithTileSize(w, h int) Option {
	return func(o *options) {
		o.tileW, o.tileH = w, h
	}
}

// WithCoverageCheck makes every frame verify that each tile was rendered
// exactly once. A violation panics. Not meaningful when this process is one
// node of a distributed strategy.
func WithCoverageCheck(enabled bool) Option {
	return func(o *options) {
		o.checkCoverage = enabled
	}
}

// WithFrameHook sets a function run on worker 0 after every frame, while
// all other workers wait. It plays the role of the display stage.
func WithFrameHook(h FrameHook) Option {
	return func(o *options) {
		o.frameHook = h
	}
}
