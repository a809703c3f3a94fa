// Package task provides a general unit-of-work abstraction for irregular
// parallel decomposition.
//
// A List groups Tasks and tracks how many of them are still running. The
// worker that finishes the last Task of a List runs the List's reduction
// exactly once. A Queue is a shared FIFO of Lists that workers pull
// individual Tasks from.
//
// Thread safety: List.PushBack is not safe for concurrent use and must
// happen before the List is inserted into a Queue. Every other method is
// safe for concurrent use.
package task

import (
	"fmt"
	"sync/atomic"
)

// ScratchSize is the size in bytes of a Task's inline scratch buffer.
const ScratchSize = 128

// Func is the body of a Task. It must call t.Finished exactly once, either
// before returning or later from any goroutine.
type Func func(t *Task)

// Task is a single unit of work belonging to one List.
type Task struct {
	fn   Func
	list *List
	id   int

	// Scratch is free for the task body to use. Producers typically encode
	// the task's arguments here to avoid a closure allocation per task.
	Scratch [ScratchSize]byte
}

// New creates a task running fn.
func New(fn Func) *Task {
	if fn == nil {
		panic("task: nil Func")
	}
	return &Task{fn: fn, id: -1}
}

// ID returns the task's index within its List, or -1 before PushBack.
func (t *Task) ID() int {
	return t.id
}

// List returns the owning List, or nil before PushBack.
func (t *Task) List() *List {
	return t.list
}

// Run executes the task body.
func (t *Task) Run() {
	t.fn(t)
}

// Finished reports completion to the owning List.
func (t *Task) Finished() {
	if t.list == nil {
		panic("task: Finished on a task that belongs to no list")
	}
	t.list.FinishTask(t.id)
}

// List is an ordered group of Tasks with an optional reduction.
type List struct {
	tasks []*Task

	// assigned is the next index to hand out.
	assigned atomic.Int64

	// remaining counts tasks not yet finished.
	remaining atomic.Int64

	reduce func(*List)
}

// NewList creates an empty list. reduce may be nil; otherwise it runs once,
// on the goroutine that finishes the last task.
func NewList(reduce func(*List)) *List {
	return &List{reduce: reduce}
}

// PushBack assigns t the next id and appends it.
func (l *List) PushBack(t *Task) {
	if t.list != nil {
		panic(fmt.Sprintf("task: task %d already belongs to a list", t.id))
	}
	t.list = l
	t.id = len(l.tasks)
	l.tasks = append(l.tasks, t)
	l.remaining.Add(1)
}

// Len returns the number of tasks in the list.
func (l *List) Len() int {
	return len(l.tasks)
}

// Task returns the task with the given id.
func (l *List) Task(id int) *Task {
	return l.tasks[id]
}

// Pop claims the next unassigned task id. Ids are handed out in strictly
// increasing order; a result >= Len means every task has been claimed.
func (l *List) Pop() int {
	return int(l.assigned.Add(1) - 1)
}

// FinishTask records that task id is done. The call that retires the last
// task runs the reduction.
func (l *List) FinishTask(id int) {
	n := l.remaining.Add(-1)
	switch {
	case n == 0:
		if l.reduce != nil {
			l.reduce(l)
		}
	case n < 0:
		panic(fmt.Sprintf("task: task %d finished after its list completed", id))
	}
}

// Remaining returns the number of unfinished tasks.
func (l *List) Remaining() int {
	return int(l.remaining.Load())
}

// Done reports whether every task has finished.
func (l *List) Done() bool {
	return l.remaining.Load() == 0
}
