package balance

// Simple splits a channel into one contiguous range per worker.
//
// Worker p of n receives [N*p/n, N*(p+1)/n) exactly once per frame. There is
// no contention and no load balancing: the strategy assumes uniform per-item
// cost.
type Simple struct {
	channels ChannelTable[simpleChannel]
}

type simpleChannel struct {
	numAssignments int
	configured     bool
	procs          []procDone
}

// NewSimple creates a static-split load balancer.
func NewSimple() *Simple {
	return &Simple{}
}

// Name returns "simple".
func (s *Simple) Name() string { return "simple" }

// SetupBegin implements LoadBalancer.
func (s *Simple) SetupBegin(ctx SetupContext, numChannels int) {
	s.channels.Resize(numChannels, ctx.NumProcs, func(numProcs int) *simpleChannel {
		return &simpleChannel{procs: make([]procDone, numProcs)}
	})
}

// SetupDisplayChannel implements LoadBalancer.
func (s *Simple) SetupDisplayChannel(ctx SetupContext, numAssignments int) {
	ci := s.channels.Get(ctx.ChannelIndex)
	ci.numAssignments = max(numAssignments, 0)
	ci.configured = true
}

// SetupFrame implements LoadBalancer.
func (s *Simple) SetupFrame(ctx RenderContext) {
	ci := s.channels.Get(ctx.ChannelIndex)
	mustProc(ctx.Proc, len(ci.procs))
	ci.procs[ctx.Proc].done = false
}

// NextAssignment implements LoadBalancer.
func (s *Simple) NextAssignment(ctx RenderContext) (Assignment, bool) {
	ci := s.channels.Get(ctx.ChannelIndex)
	mustConfigure(ci.configured, "simple", ctx.ChannelIndex)
	mustProc(ctx.Proc, len(ci.procs))

	pi := &ci.procs[ctx.Proc]
	if pi.done {
		return Assignment{}, false
	}
	pi.done = true

	a := StaticRange(ci.numAssignments, ctx.Proc, len(ci.procs))
	if a.Empty() {
		return Assignment{}, false
	}
	return a, true
}

// StaticRange returns worker proc's share of n items split across numProcs
// workers.
func StaticRange(n, proc, numProcs int) Assignment {
	return Assignment{
		Start: n * proc / numProcs,
		End:   n * (proc + 1) / numProcs,
	}
}
