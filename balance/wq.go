package balance

import "fmt"

// WQ is the granular work-stealing strategy.
//
// Worker 0 refills one shared WorkQueue per channel during SetupFrame and
// every worker, worker 0 included, claims chunks from it. A small fixed
// per-chunk synchronization cost buys near-perfect balance under highly
// non-uniform per-item cost.
type WQ struct {
	granularity int
	channels    ChannelTable[wqChannel]
}

type wqChannel struct {
	numAssignments int
	configured     bool
	queue          *WorkQueue
}

// NewWQ creates a work-queue load balancer. A granularity below 1 selects
// DefaultGranularity.
func NewWQ(granularity int) *WQ {
	if granularity < 1 {
		granularity = DefaultGranularity
	}
	return &WQ{granularity: granularity}
}

// NewWQFromArgs creates a work-queue load balancer from strategy arguments.
// The only accepted argument is -granularity <int>.
func NewWQFromArgs(args []string) (LoadBalancer, error) {
	fs := newArgSet("workqueue")
	granularity := fs.Int("granularity", DefaultGranularity, "chunking granularity")
	if err := parseArgs(fs, args); err != nil {
		return nil, err
	}
	if *granularity < 1 {
		return nil, fmt.Errorf("%w: workqueue: granularity %d must be positive", ErrArgs, *granularity)
	}
	return NewWQ(*granularity), nil
}

// Name returns "workqueue".
func (w *WQ) Name() string { return "workqueue" }

// Granularity returns the configured chunking granularity.
func (w *WQ) Granularity() int { return w.granularity }

// SetupBegin implements LoadBalancer.
func (w *WQ) SetupBegin(ctx SetupContext, numChannels int) {
	w.channels.Resize(numChannels, ctx.NumProcs, func(int) *wqChannel {
		return &wqChannel{queue: NewWorkQueue("workqueue")}
	})
}

// SetupDisplayChannel implements LoadBalancer.
func (w *WQ) SetupDisplayChannel(ctx SetupContext, numAssignments int) {
	ci := w.channels.Get(ctx.ChannelIndex)
	ci.numAssignments = max(numAssignments, 0)
	ci.configured = true
}

// SetupFrame implements LoadBalancer. Only worker 0 does any work.
func (w *WQ) SetupFrame(ctx RenderContext) {
	if ctx.Proc != 0 {
		return
	}
	ci := w.channels.Get(ctx.ChannelIndex)
	mustConfigure(ci.configured, "workqueue", ctx.ChannelIndex)
	ci.queue.Refill(ci.numAssignments, ctx.NumProcs, w.granularity)
}

// NextAssignment implements LoadBalancer.
func (w *WQ) NextAssignment(ctx RenderContext) (Assignment, bool) {
	ci := w.channels.Get(ctx.ChannelIndex)
	mustConfigure(ci.configured, "workqueue", ctx.ChannelIndex)
	return ci.queue.Next()
}
