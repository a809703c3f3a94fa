// Package barrier provides a reusable thread barrier.
package barrier

import (
	"sync"
	"sync/atomic"
)

// Barrier blocks goroutines until a given number of them have arrived. It
// may be reused immediately; arrivals for the next round never release the
// current one.
//
// A barrier can be broken, which releases every waiter and makes all later
// waits return immediately. Workers use this to unwind when one of them
// fails.
type Barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	arrived int
	gen     uint64
	broken  atomic.Bool
}

// New creates a barrier.
func New() *Barrier {
	b := &Barrier{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until n goroutines, the caller included, have called Wait in
// the current round. Every participant of a round must pass the same n.
// It returns false if the barrier is broken.
func (b *Barrier) Wait(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.broken.Load() {
		return false
	}
	if n <= 1 {
		return true
	}

	gen := b.gen
	b.arrived++
	if b.arrived == n {
		b.arrived = 0
		b.gen++
		b.cond.Broadcast()
		return true
	}
	for gen == b.gen && !b.broken.Load() {
		b.cond.Wait()
	}
	return gen != b.gen
}

// Break releases all waiters. Waits in progress and all later waits return
// false.
func (b *Barrier) Break() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broken.Store(true)
	b.cond.Broadcast()
}

// Broken reports whether Break has been called. It does not lock, so
// polling loops may call it freely.
func (b *Barrier) Broken() bool {
	return b.broken.Load()
}
