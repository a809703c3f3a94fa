package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/framesched/balance"
)

// DefaultMasterGranularity is the master-tier chunking granularity.
const DefaultMasterGranularity = 10

// DefaultThreadsPerNode is the assumed worker count of a rendering node.
const DefaultThreadsPerNode = 8

// MasterConfig configures a Master.
type MasterConfig struct {
	// Nodes is the number of rendering nodes.
	Nodes int

	// ThreadsPerNode is the worker count of each rendering node. The master
	// hands out work in units of this many items.
	ThreadsPerNode int

	// Granularity is the master-tier work-queue granularity.
	Granularity int
}

func (c MasterConfig) withDefaults() MasterConfig {
	if c.ThreadsPerNode < 1 {
		c.ThreadsPerNode = DefaultThreadsPerNode
	}
	if c.Granularity < 1 {
		c.Granularity = DefaultMasterGranularity
	}
	return c
}

// Master distributes chunks of each frame across rendering nodes.
//
// The master does not render. Its methods are safe for concurrent use.
type Master struct {
	cfg MasterConfig

	mu       sync.Mutex
	channels map[int]*masterChannel
}

type masterChannel struct {
	frame          int64
	numAssignments int
	queue          *balance.WorkQueue
	done           []bool
	doneCount      int
	allDone        chan struct{}
}

// NewMaster creates a master for cfg.Nodes rendering nodes.
func NewMaster(cfg MasterConfig) *Master {
	cfg = cfg.withDefaults()
	if cfg.Nodes < 1 {
		panic(fmt.Sprintf("distributed: master needs at least one node, got %d", cfg.Nodes))
	}
	return &Master{
		cfg:      cfg,
		channels: make(map[int]*masterChannel),
	}
}

// Config returns the effective configuration.
func (m *Master) Config() MasterConfig {
	return m.cfg
}

// BeginFrame prepares channel for frame with numAssignments items. The
// chunks statically owned by the nodes are consumed so that dynamic requests
// only see unassigned chunks.
func (m *Master) BeginFrame(channel int, frame int64, numAssignments int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := m.channels[channel]
	if ch == nil {
		ch = &masterChannel{queue: balance.NewWorkQueue("distributed master")}
		m.channels[channel] = ch
	}
	if ch.allDone != nil {
		// Release waiters of the frame being replaced.
		select {
		case <-ch.allDone:
		default:
			close(ch.allDone)
		}
	}
	ch.frame = frame
	ch.numAssignments = max(numAssignments, 0)
	ch.done = make([]bool, m.cfg.Nodes)
	ch.doneCount = 0
	ch.allDone = make(chan struct{})

	ch.queue.Refill(masterUnits(ch.numAssignments, m.cfg.ThreadsPerNode), m.cfg.Nodes, m.cfg.Granularity)
	for range m.cfg.Nodes {
		if _, ok := ch.queue.Next(); !ok {
			break
		}
	}

	if ch.numAssignments == 0 {
		// Nodes never ask for work in an empty frame.
		ch.doneCount = m.cfg.Nodes
		for i := range ch.done {
			ch.done[i] = true
		}
		close(ch.allDone)
	}

	logger().Debug("distributed: master began frame",
		"channel", channel, "frame", frame, "assignments", ch.numAssignments,
		"dynamicChunks", ch.queue.Remaining())
}

// Handle answers a single request.
func (m *Master) Handle(req Request) Reply {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := m.channels[req.Channel]
	if ch == nil || ch.frame < req.Frame {
		return Reply{Kind: ReplyNotReady}
	}
	if req.Node < 0 || req.Node >= m.cfg.Nodes {
		panic(fmt.Sprintf("distributed: request from node %d out of range [0,%d)", req.Node, m.cfg.Nodes))
	}
	if ch.frame > req.Frame {
		// The node is behind; its frame is over.
		return Reply{Kind: ReplyExhausted}
	}

	if a, ok := ch.queue.Next(); ok {
		return Reply{Kind: ReplyWork, Start: scaleUnits(a.Start, m.cfg.ThreadsPerNode, ch.numAssignments), End: scaleUnits(a.End, m.cfg.ThreadsPerNode, ch.numAssignments)}
	}

	if !ch.done[req.Node] {
		ch.done[req.Node] = true
		ch.doneCount++
		if ch.doneCount == m.cfg.Nodes {
			close(ch.allDone)
		}
	}
	return Reply{Kind: ReplyExhausted}
}

// Serve answers requests from l until ctx is canceled or l is closed. A
// closed listener ends Serve without error.
func (m *Master) Serve(ctx context.Context, l Listener) error {
	for {
		env, err := l.Accept(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		env.Reply(m.Handle(env.Request))
	}
}

// FrameDone reports whether every node has been told that frame of channel
// is exhausted.
func (m *Master) FrameDone(channel int, frame int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := m.channels[channel]
	if ch == nil || ch.frame < frame {
		return false
	}
	return ch.frame > frame || ch.doneCount == m.cfg.Nodes
}

// WaitFrame blocks until FrameDone(channel, frame) or ctx is done.
func (m *Master) WaitFrame(ctx context.Context, channel int, frame int64) error {
	m.mu.Lock()
	ch := m.channels[channel]
	if ch == nil || ch.frame != frame {
		m.mu.Unlock()
		return fmt.Errorf("distributed: channel %d is not at frame %d", channel, frame)
	}
	allDone := ch.allDone
	m.mu.Unlock()

	select {
	case <-allDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitIdle blocks until the current frame of channel is done, ctx is done,
// or the channel has never begun a frame.
func (m *Master) WaitIdle(ctx context.Context, channel int) error {
	m.mu.Lock()
	ch := m.channels[channel]
	if ch == nil {
		m.mu.Unlock()
		return nil
	}
	allDone, frame := ch.allDone, ch.frame
	m.mu.Unlock()

	select {
	case <-allDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("distributed: channel %d frame %d: %w", channel, frame, ctx.Err())
	}
}

// masterUnits is the number of master-tier units covering n items.
func masterUnits(n, threadsPerNode int) int {
	return (n + threadsPerNode - 1) / threadsPerNode
}

// scaleUnits converts a master-tier unit offset to an item offset, clipped
// to total.
func scaleUnits(unit, threadsPerNode, total int) int {
	return min(unit*threadsPerNode, total)
}
