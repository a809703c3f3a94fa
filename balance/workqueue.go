package balance

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// DefaultGranularity is the chunking granularity used when none is configured.
const DefaultGranularity = 5

// WorkQueue is a shared, granularity-chunked counter.
//
// Refill precomputes chunk boundaries using guided self-scheduling: large
// chunks first, shrinking over granularity rounds of numProcs chunks, so that
// most of the frame is claimed cheaply and the tail is balanced finely.
// Next claims the following chunk with a single atomic increment.
//
// Refill must not run concurrently with Next. Next is safe for concurrent use.
type WorkQueue struct {
	name string

	// bounds holds chunk start offsets followed by the total, so chunk i is
	// [bounds[i], bounds[i+1]).
	bounds []int

	_    cpu.CacheLinePad
	next atomic.Int64
	_    cpu.CacheLinePad
}

// NewWorkQueue creates an empty work queue. The name is used in diagnostics.
func NewWorkQueue(name string) *WorkQueue {
	return &WorkQueue{name: name}
}

// Name returns the diagnostic name of the queue.
func (q *WorkQueue) Name() string {
	return q.name
}

// Refill resets the queue to hand out total items to numProcs workers.
// A granularity below 1 is treated as 1.
func (q *WorkQueue) Refill(total, numProcs, granularity int) {
	q.bounds = q.bounds[:0]
	q.next.Store(0)
	if total <= 0 {
		return
	}
	numProcs = max(numProcs, 1)
	granularity = max(granularity, 1)

	size := (2 * total) / (numProcs * (granularity + 1))
	decrement := size / granularity
	size = max(size, 1)
	decrement = max(decrement, 1)

	cur := 0
rounds:
	for range granularity {
		for range numProcs {
			q.bounds = append(q.bounds, cur)
			cur += size
			if cur >= total {
				break rounds
			}
		}
		size = max(size-decrement, 1)
	}
	for cur < total {
		q.bounds = append(q.bounds, cur)
		cur += size
	}
	q.bounds = append(q.bounds, total)
}

// Next claims the next unclaimed chunk. It returns false once every chunk
// has been claimed.
func (q *WorkQueue) Next() (Assignment, bool) {
	i := int(q.next.Add(1) - 1)
	if i >= len(q.bounds)-1 {
		return Assignment{}, false
	}
	return Assignment{Start: q.bounds[i], End: q.bounds[i+1]}, true
}

// Chunks returns the number of chunks produced by the last Refill.
func (q *WorkQueue) Chunks() int {
	return max(len(q.bounds)-1, 0)
}

// Remaining returns the number of chunks not yet claimed. It is a snapshot
// and may be stale by the time it is read.
func (q *WorkQueue) Remaining() int {
	claimed := int(q.next.Load())
	return max(q.Chunks()-claimed, 0)
}
