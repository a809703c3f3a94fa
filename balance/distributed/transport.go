package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("distributed: transport closed")

// ReplyKind distinguishes the master's answers.
type ReplyKind uint8

const (
	// ReplyWork carries a new range for the node.
	ReplyWork ReplyKind = iota

	// ReplyExhausted means the frame has no more work.
	ReplyExhausted

	// ReplyNotReady means the master has not begun the frame yet.
	ReplyNotReady
)

// String implements fmt.Stringer.
func (k ReplyKind) String() string {
	switch k {
	case ReplyWork:
		return "work"
	case ReplyExhausted:
		return "exhausted"
	case ReplyNotReady:
		return "not-ready"
	default:
		return fmt.Sprintf("ReplyKind(%d)", k)
	}
}

// Request asks the master for more work.
type Request struct {
	// Node is the rendering node index in [0, Nodes).
	Node int

	// Channel is the channel being rendered.
	Channel int

	// Frame is the frame serial number the node is rendering.
	Frame int64
}

// Reply is the master's answer to a Request.
type Reply struct {
	Kind  ReplyKind
	Start int
	End   int
}

// Transport carries requests from nodes to the master.
type Transport interface {
	// Call sends req to the master and waits for the reply.
	Call(ctx context.Context, req Request) (Reply, error)
}

// Listener is the master's side of a transport.
type Listener interface {
	// Accept waits for the next request.
	Accept(ctx context.Context) (Envelope, error)
}

// Envelope is a received request together with its reply path.
type Envelope struct {
	Request Request
	reply   chan<- Reply
}

// Reply answers the request. It must be called exactly once.
func (e Envelope) Reply(r Reply) {
	e.reply <- r
}

// LocalTransport connects nodes and a master living in the same process.
// It implements both Transport and Listener.
type LocalTransport struct {
	inbox  chan Envelope
	closed chan struct{}
	once   sync.Once
}

// NewLocalTransport creates an in-process transport whose inbox holds up to
// buffer pending requests.
func NewLocalTransport(buffer int) *LocalTransport {
	return &LocalTransport{
		inbox:  make(chan Envelope, max(buffer, 0)),
		closed: make(chan struct{}),
	}
}

// Call implements Transport.
func (t *LocalTransport) Call(ctx context.Context, req Request) (Reply, error) {
	replyCh := make(chan Reply, 1)
	select {
	case t.inbox <- Envelope{Request: req, reply: replyCh}:
	case <-t.closed:
		return Reply{}, ErrClosed
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}

	select {
	case r := <-replyCh:
		return r, nil
	case <-t.closed:
		return Reply{}, ErrClosed
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Accept implements Listener.
func (t *LocalTransport) Accept(ctx context.Context) (Envelope, error) {
	select {
	case env := <-t.inbox:
		return env, nil
	case <-t.closed:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Close unblocks every pending Call and Accept. Close is safe to call
// multiple times.
func (t *LocalTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}
