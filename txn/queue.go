package txn

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/gogpu/framesched"
	"github.com/gogpu/framesched/metrics"
)

type entry struct {
	id ulid.ULID
	t  Transaction
}

// Result summarizes one Apply call.
type Result struct {
	// Changed is set when any applied transaction lacked the NoUpdate flag.
	Changed bool

	// Applied is the number of transactions applied.
	Applied int

	// Purged is the number of transactions discarded by a Purge.
	Purged int

	// Deferred is the number of transactions left for the next Apply.
	Deferred int

	// Marked is the number of update-graph marks issued.
	Marked int
}

// QueueOption configures a Queue.
type QueueOption func(*queueConfig)

type queueConfig struct {
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// WithMetrics counts transactions in m.
func WithMetrics(m *metrics.Metrics) QueueOption {
	return func(c *queueConfig) { c.metrics = m }
}

// WithLogger sets the queue's logger. The default is framesched.Logger().
func WithLogger(l *slog.Logger) QueueOption {
	return func(c *queueConfig) { c.logger = l }
}

// Queue is an ordered list of pending transactions whose update targets are
// keyed by K.
//
// Add is safe from any goroutine. Apply calls are serialized.
type Queue[K comparable] struct {
	mu      sync.Mutex
	pending []entry

	applying sync.Mutex

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewQueue creates an empty queue.
func NewQueue[K comparable](opts ...QueueOption) *Queue[K] {
	var cfg queueConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue[K]{metrics: cfg.metrics, logger: cfg.logger}
}

func (q *Queue[K]) log() *slog.Logger {
	if q.logger != nil {
		return q.logger
	}
	return framesched.Logger()
}

// Add appends t and returns its id. Ids sort in enqueue order.
func (q *Queue[K]) Add(t Transaction) ulid.ULID {
	if t == nil {
		panic("txn: nil transaction")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	id := ulid.Make()
	q.pending = append(q.pending, entry{id: id, t: t})
	return id
}

// Len returns the number of pending transactions.
func (q *Queue[K]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns the names of pending transactions in order.
func (q *Queue[K]) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	names := make([]string, len(q.pending))
	for i, e := range q.pending {
		names[i] = e.t.Name()
	}
	return names
}

// Apply drains the queue in enqueue order, honoring each transaction's
// flag. After an Updater is applied its object is passed to mark, which may
// be nil.
//
// Transactions run without the queue lock held, so they may Add more
// transactions; those are applied after anything already queued. If a
// transaction panics, the ones after it stay queued for the next Apply and
// the panic propagates.
func (q *Queue[K]) Apply(mark func(K)) Result {
	q.applying.Lock()
	defer q.applying.Unlock()

	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	var res Result
	i := 0
	finished := false
	defer func() {
		if finished {
			return
		}
		// A transaction panicked. Everything queued after it stays queued.
		rest := batch[i:]
		q.log().Error("txn: transaction panicked", "name", batch[i-1].t.Name(), "requeued", len(rest))
		q.requeue(rest)
	}()

	for i < len(batch) {
		e := batch[i]
		i++

		e.t.Apply()
		res.Applied++
		if u, ok := e.t.(Updater[K]); ok {
			if mark != nil {
				mark(u.Object())
				res.Marked++
			}
		} else if k, ok := e.t.(keyed); ok {
			var want K
			q.log().Warn("txn: update key type does not match the update graph",
				"name", e.t.Name(), "key", k.objectKey(), "want", fmt.Sprintf("%T", want))
		}
		q.log().Debug("txn: applied", "id", e.id, "name", e.t.Name(), "flag", e.t.Flag())

		stop := false
		switch e.t.Flag() {
		case Default:
			res.Changed = true
		case Continue:
			res.Changed = true
			stop = true
		case Purge:
			res.Changed = true
			res.Purged = len(batch) - i
			for _, d := range batch[i:] {
				q.log().Debug("txn: purged", "id", d.id, "name", d.t.Name())
			}
			i = len(batch)
		case NoUpdate:
		}
		if stop {
			break
		}
	}
	finished = true

	rest := batch[i:]
	res.Deferred = len(rest)
	q.requeue(rest)

	if q.metrics != nil {
		q.metrics.Transactions.WithLabelValues(metrics.TxnApplied).Add(float64(res.Applied))
		q.metrics.Transactions.WithLabelValues(metrics.TxnPurged).Add(float64(res.Purged))
		q.metrics.Transactions.WithLabelValues(metrics.TxnDeferred).Add(float64(res.Deferred))
	}
	return res
}

// requeue puts rest back in front of anything added since the batch was
// taken.
func (q *Queue[K]) requeue(rest []entry) {
	if len(rest) == 0 {
		return
	}
	q.mu.Lock()
	q.pending = append(rest[:len(rest):len(rest)], q.pending...)
	q.mu.Unlock()
}
