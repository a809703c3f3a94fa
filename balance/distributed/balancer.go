package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/cpu"

	"github.com/gogpu/framesched/balance"
)

// DefaultRequestTimeout bounds one round trip to the master, retries
// included.
const DefaultRequestTimeout = 10 * time.Second

// errNotReady makes the retry loop back off when the master lags behind.
var errNotReady = errors.New("distributed: master not ready")

// Topology places this process among the ranks of a job.
type Topology struct {
	// Rank is this process's rank in [0, Size).
	Rank int

	// Size is the number of ranks, the master included.
	Size int

	// Master is the rank hosting the master. It does not render.
	Master int
}

// Nodes returns the number of rendering nodes.
func (t Topology) Nodes() int {
	return t.Size - 1
}

// IsMaster reports whether this process hosts the master.
func (t Topology) IsMaster() bool {
	return t.Rank == t.Master
}

// NodeIndex returns this process's index among the rendering nodes, or -1
// for the master rank.
func (t Topology) NodeIndex() int {
	switch {
	case t.Rank == t.Master:
		return -1
	case t.Rank > t.Master:
		return t.Rank - 1
	default:
		return t.Rank
	}
}

func (t Topology) validate() error {
	if t.Size < 2 {
		return fmt.Errorf("distributed: need at least 2 ranks, got %d", t.Size)
	}
	if t.Rank < 0 || t.Rank >= t.Size {
		return fmt.Errorf("distributed: rank %d out of range [0,%d)", t.Rank, t.Size)
	}
	if t.Master < 0 || t.Master >= t.Size {
		return fmt.Errorf("distributed: master rank %d out of range [0,%d)", t.Master, t.Size)
	}
	return nil
}

// Config configures a node-side Balancer.
type Config struct {
	Topology Topology

	// Transport reaches the master. Required for rendering ranks.
	Transport Transport

	// Master is the in-process master driven by the master rank. When set on
	// the master rank, SetupFrame begins each frame on it once the previous
	// frame is done.
	Master *Master

	// ThreadsPerNode must match the master's setting.
	ThreadsPerNode int

	// Granularity is the local work-queue granularity.
	Granularity int

	// MasterGranularity must match the master's setting.
	MasterGranularity int

	// RequestTimeout bounds one request to the master including retries.
	RequestTimeout time.Duration

	// NewBackOff creates the retry policy used while the master is not ready.
	// Defaults to an exponential back-off starting at 100µs.
	NewBackOff func() backoff.BackOff
}

func (c Config) withDefaults() Config {
	if c.ThreadsPerNode < 1 {
		c.ThreadsPerNode = DefaultThreadsPerNode
	}
	if c.Granularity < 1 {
		c.Granularity = balance.DefaultGranularity
	}
	if c.MasterGranularity < 1 {
		c.MasterGranularity = DefaultMasterGranularity
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.NewBackOff == nil {
		c.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Microsecond
			b.MaxInterval = 50 * time.Millisecond
			b.MaxElapsedTime = 0
			return b
		}
	}
	return c
}

// Balancer is the node-side half of the two-tier strategy. It implements
// balance.LoadBalancer.
type Balancer struct {
	cfg      Config
	channels balance.ChannelTable[nodeChannel]
}

type nodeChannel struct {
	// mu serializes claims because a refill from the master moves start.
	mu sync.Mutex

	numAssignments int
	configured     bool
	frame          int64

	// start is the absolute offset of the local queue's range.
	start      int
	queue      *balance.WorkQueue
	noMoreData bool

	// replay reproduces the master's fill to find the static chunk.
	replay *balance.WorkQueue

	_ cpu.CacheLinePad
}

// New creates a node-side balancer.
func New(cfg Config) (*Balancer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Topology.validate(); err != nil {
		return nil, err
	}
	if !cfg.Topology.IsMaster() && cfg.Transport == nil {
		return nil, errors.New("distributed: rendering node needs a transport")
	}
	return &Balancer{cfg: cfg}, nil
}

// Factory returns a balance.Factory building node balancers that talk over t.
//
// Accepted arguments: -rank, -size, -master, -threads-per-node,
// -granularity and -master-granularity.
func Factory(t Transport) balance.Factory {
	return func(args []string) (balance.LoadBalancer, error) {
		fs := balance.NewArgSet("distributed")
		rank := fs.Int("rank", 1, "rank of this process")
		size := fs.Int("size", 2, "number of ranks")
		master := fs.Int("master", 0, "rank hosting the master")
		threads := fs.Int("threads-per-node", DefaultThreadsPerNode, "workers per rendering node")
		granularity := fs.Int("granularity", balance.DefaultGranularity, "local work-queue granularity")
		masterGranularity := fs.Int("master-granularity", DefaultMasterGranularity, "master work-queue granularity")
		if err := balance.ParseArgs(fs, args); err != nil {
			return nil, err
		}
		b, err := New(Config{
			Topology:          Topology{Rank: *rank, Size: *size, Master: *master},
			Transport:         t,
			ThreadsPerNode:    *threads,
			Granularity:       *granularity,
			MasterGranularity: *masterGranularity,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", balance.ErrArgs, err)
		}
		return b, nil
	}
}

// Register adds the "distributed" strategy to r.
func Register(r *balance.Registry, t Transport) error {
	return r.Register("distributed", Factory(t))
}

// Name returns "distributed".
func (b *Balancer) Name() string { return "distributed" }

// Topology returns the balancer's topology.
func (b *Balancer) Topology() Topology { return b.cfg.Topology }

// SetupBegin implements balance.LoadBalancer.
func (b *Balancer) SetupBegin(ctx balance.SetupContext, numChannels int) {
	b.channels.Resize(numChannels, ctx.NumProcs, func(int) *nodeChannel {
		return &nodeChannel{
			queue:  balance.NewWorkQueue("distributed node"),
			replay: balance.NewWorkQueue("distributed replay"),
		}
	})
}

// SetupDisplayChannel implements balance.LoadBalancer.
func (b *Balancer) SetupDisplayChannel(ctx balance.SetupContext, numAssignments int) {
	ci := b.channels.Get(ctx.ChannelIndex)
	ci.numAssignments = max(numAssignments, 0)
	ci.configured = true
}

// SetupFrame implements balance.LoadBalancer. Worker 0 computes the node's
// static chunk and fills the local queue with it.
func (b *Balancer) SetupFrame(ctx balance.RenderContext) {
	if ctx.Proc != 0 {
		return
	}
	ci := b.channels.Get(ctx.ChannelIndex)
	if !ci.configured {
		panic(fmt.Sprintf("balance: distributed: channel %d used before SetupDisplayChannel", ctx.ChannelIndex))
	}

	ci.frame = ctx.Frame
	node := b.cfg.Topology.NodeIndex()
	if node < 0 {
		b.beginMasterFrame(ctx, ci)
		ci.noMoreData = true
		return
	}

	total := ci.numAssignments
	tpn := b.cfg.ThreadsPerNode
	ci.replay.Refill(masterUnits(total, tpn), b.cfg.Topology.Nodes(), b.cfg.MasterGranularity)

	var (
		chunk balance.Assignment
		ok    = true
	)
	for i := 0; i <= node && ok; i++ {
		chunk, ok = ci.replay.Next()
	}

	start, end := total, total
	if ok {
		start = scaleUnits(chunk.Start, tpn, total)
		end = scaleUnits(chunk.End, tpn, total)
	}
	ci.start = start
	ci.queue.Refill(end-start, ctx.NumProcs, b.cfg.Granularity)
	ci.noMoreData = total <= 0
}

// beginMasterFrame hands the frame to the master once every node is done
// with the previous one, so that no node is cut off mid-frame.
func (b *Balancer) beginMasterFrame(rctx balance.RenderContext, ci *nodeChannel) {
	m := b.cfg.Master
	if m == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.RequestTimeout)
	defer cancel()
	if err := m.WaitIdle(ctx, rctx.ChannelIndex); err != nil {
		logger().Warn("distributed: nodes did not finish previous frame", "err", err)
	}
	m.BeginFrame(rctx.ChannelIndex, rctx.Frame, ci.numAssignments)
}

// NextAssignment implements balance.LoadBalancer.
func (b *Balancer) NextAssignment(ctx balance.RenderContext) (balance.Assignment, bool) {
	ci := b.channels.Get(ctx.ChannelIndex)
	if !ci.configured {
		panic(fmt.Sprintf("balance: distributed: channel %d used before SetupDisplayChannel", ctx.ChannelIndex))
	}

	ci.mu.Lock()
	defer ci.mu.Unlock()

	if ci.noMoreData {
		return balance.Assignment{}, false
	}

	a, ok := ci.queue.Next()
	if !ok {
		if !b.fetch(ctx, ci) {
			return balance.Assignment{}, false
		}
		a, ok = ci.queue.Next()
		if !ok {
			return balance.Assignment{}, false
		}
	}
	a.Start += ci.start
	a.End += ci.start
	return a, true
}

// NeedMoreAssignments reports whether the node has handed out its whole
// local range for channel and would have to ask the master for more.
func (b *Balancer) NeedMoreAssignments(channel int) bool {
	ci := b.channels.Get(channel)
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return !ci.noMoreData && ci.queue.Remaining() == 0
}

// fetch requests the next chunk from the master. It must be called with
// ci.mu held. It returns false once the frame is exhausted.
func (b *Balancer) fetch(rctx balance.RenderContext, ci *nodeChannel) bool {
	req := Request{
		Node:    b.cfg.Topology.NodeIndex(),
		Channel: rctx.ChannelIndex,
		Frame:   ci.frame,
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.RequestTimeout)
	defer cancel()

	var reply Reply
	op := func() error {
		r, err := b.cfg.Transport.Call(ctx, req)
		if err != nil {
			return backoff.Permanent(err)
		}
		if r.Kind == ReplyNotReady {
			return errNotReady
		}
		reply = r
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b.cfg.NewBackOff(), ctx)); err != nil {
		logger().Warn("distributed: master unreachable, ending frame",
			"node", req.Node, "channel", req.Channel, "frame", req.Frame, "err", err)
		ci.noMoreData = true
		return false
	}

	if reply.Kind == ReplyExhausted || reply.End <= reply.Start {
		ci.noMoreData = true
		return false
	}
	ci.start = reply.Start
	ci.queue.Refill(reply.End-reply.Start, rctx.NumProcs, b.cfg.Granularity)
	return true
}
