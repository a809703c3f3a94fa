package task

import "sync"

// initialQueueSize must be a power of two.
const initialQueueSize = 8

// Queue is a shared circular buffer of pending Lists.
//
// read == write always means empty: Insert grows the buffer at the moment
// the write cursor would catch up with the read cursor.
type Queue struct {
	mu    sync.Mutex
	lists []*List
	read  int
	write int
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{lists: make([]*List, initialQueueSize)}
}

// Insert appends l. An empty list is not queued; its reduction, if any,
// runs immediately on the caller.
func (q *Queue) Insert(l *List) {
	if l.Len() == 0 {
		if l.reduce != nil {
			l.reduce(l)
		}
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	mask := len(q.lists) - 1
	q.lists[q.write] = l
	q.write = (q.write + 1) & mask
	if q.write == q.read {
		q.grow()
	}
}

// grow doubles the buffer of a full queue, keeping FIFO order. It must be
// called with q.mu held.
func (q *Queue) grow() {
	n := len(q.lists)
	lists := make([]*List, 2*n)
	copied := copy(lists, q.lists[q.read:])
	copy(lists[copied:], q.lists[:q.read])
	q.lists = lists
	q.read = 0
	q.write = n
}

// GrabWork claims the next task from the front list. The list leaves the
// queue once its last task has been claimed; finishing is tracked by the
// list itself. It returns false when the queue is empty.
func (q *Queue) GrabWork() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.read == q.write {
		return nil, false
	}
	l := q.lists[q.read]
	idx := l.Pop()
	if idx >= l.Len() {
		panic("task: list in queue has no unclaimed tasks")
	}
	if idx == l.Len()-1 {
		q.lists[q.read] = nil
		q.read = (q.read + 1) & (len(q.lists) - 1)
	}
	return l.Task(idx), true
}

// Len returns the number of queued lists.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return (q.write - q.read) & (len(q.lists) - 1)
}

// Empty reports whether no list is queued.
func (q *Queue) Empty() bool {
	return q.Len() == 0
}

// Cap returns the current buffer size.
func (q *Queue) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lists)
}
