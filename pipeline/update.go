package pipeline

import (
	"runtime"

	"github.com/gogpu/framesched/task"
)

// UpdateFunc recomputes a marked object. It must eventually call
// ctx.FinishUpdate(key), either directly or from the reduction of a task
// list it inserted with ctx.InsertWork.
type UpdateFunc[K comparable] func(ctx UpdateContext[K], key K)

// UpdateContext is handed to an UpdateFunc.
type UpdateContext[K comparable] struct {
	c *Coordinator[K]

	// Proc is the worker running the update.
	Proc int

	// NumProcs is the number of workers.
	NumProcs int

	// Frame is the frame being prepared.
	Frame int64
}

// InsertWork queues l so that idle workers help with the update.
func (u UpdateContext[K]) InsertWork(l *task.List) {
	u.c.tasks.Insert(l)
}

// FinishUpdate reports key as recomputed. When key was the last marked
// child its parent waited for, the parent is updated right away on the
// calling goroutine.
func (u UpdateContext[K]) FinishUpdate(key K) {
	if m := u.c.opts.metrics; m != nil {
		m.Updates.Inc()
	}
	if parent, ready := u.c.graph.FinishUpdate(key); ready {
		u.c.perform(u, parent)
	}
}

func finishImmediately[K comparable](ctx UpdateContext[K], key K) {
	ctx.FinishUpdate(key)
}

// doUpdates drains the update graph and the task queue. It reports whether
// there was anything to drain.
func (c *Coordinator[K]) doUpdates(proc int) bool {
	ctx := UpdateContext[K]{c: c, Proc: proc, NumProcs: c.opts.workers, Frame: c.frame}
	worked := false
	for (!c.graph.Finished() || !c.tasks.Empty()) && !c.barrier.Broken() {
		worked = true
		if t, ok := c.tasks.GrabWork(); ok {
			t.Run()
			if m := c.opts.metrics; m != nil {
				m.Tasks.Inc()
			}
			continue
		}
		if key, ok := c.graph.NextLeaf(); ok {
			c.perform(ctx, key)
			continue
		}
		// Marked nodes remain but their work is in flight elsewhere.
		runtime.Gosched()
	}
	return worked
}
