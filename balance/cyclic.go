package balance

import "golang.org/x/sys/cpu"

// Cyclic hands out single items round-robin.
//
// Worker p's cursor visits items p, p+n, p+2n, ... The starting phase is
// re-seeded every frame with (proc + frameCount) mod n so that skewed
// per-item cost is amortized across frames instead of always landing on the
// same worker.
type Cyclic struct {
	channels ChannelTable[cyclicChannel]
}

type cyclicChannel struct {
	numAssignments int
	configured     bool
	procs          []cyclicProc
}

type cyclicProc struct {
	cur   int
	count int
	_     cpu.CacheLinePad
}

// NewCyclic creates a round-robin load balancer.
func NewCyclic() *Cyclic {
	return &Cyclic{}
}

// Name returns "cyclic".
func (c *Cyclic) Name() string { return "cyclic" }

// SetupBegin implements LoadBalancer.
func (c *Cyclic) SetupBegin(ctx SetupContext, numChannels int) {
	c.channels.Resize(numChannels, ctx.NumProcs, func(numProcs int) *cyclicChannel {
		return &cyclicChannel{procs: make([]cyclicProc, numProcs)}
	})
}

// SetupDisplayChannel implements LoadBalancer.
func (c *Cyclic) SetupDisplayChannel(ctx SetupContext, numAssignments int) {
	ci := c.channels.Get(ctx.ChannelIndex)
	ci.numAssignments = max(numAssignments, 0)
	ci.configured = true
	for i := range ci.procs {
		ci.procs[i].cur = i
		ci.procs[i].count = 0
	}
}

// SetupFrame implements LoadBalancer.
func (c *Cyclic) SetupFrame(ctx RenderContext) {
	ci := c.channels.Get(ctx.ChannelIndex)
	mustProc(ctx.Proc, len(ci.procs))

	pi := &ci.procs[ctx.Proc]
	pi.count++
	pi.cur = (ctx.Proc + pi.count) % len(ci.procs)
}

// NextAssignment implements LoadBalancer.
func (c *Cyclic) NextAssignment(ctx RenderContext) (Assignment, bool) {
	ci := c.channels.Get(ctx.ChannelIndex)
	mustConfigure(ci.configured, "cyclic", ctx.ChannelIndex)
	mustProc(ctx.Proc, len(ci.procs))

	pi := &ci.procs[ctx.Proc]
	if pi.cur >= ci.numAssignments {
		return Assignment{}, false
	}
	a := Assignment{Start: pi.cur, End: pi.cur + 1}
	pi.cur += len(ci.procs)
	return a, true
}
