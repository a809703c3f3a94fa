package task

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
)

// =============================================================================
// List Tests
// =============================================================================

func TestList_PushBackAssignsIDs(t *testing.T) {
	l := NewList(nil)
	for i := range 5 {
		tk := New(func(t *Task) { t.Finished() })
		if tk.ID() != -1 || tk.List() != nil {
			t.Fatalf("fresh task: id=%d list=%v", tk.ID(), tk.List())
		}
		l.PushBack(tk)
		if tk.ID() != i {
			t.Errorf("task %d: ID() = %d", i, tk.ID())
		}
		if tk.List() != l {
			t.Errorf("task %d: List() not set", i)
		}
	}
	if l.Len() != 5 || l.Remaining() != 5 {
		t.Errorf("Len=%d Remaining=%d, want 5,5", l.Len(), l.Remaining())
	}
}

func TestList_PopIncreasing(t *testing.T) {
	l := NewList(nil)
	for range 3 {
		l.PushBack(New(func(*Task) {}))
	}
	for want := range 5 {
		if got := l.Pop(); got != want {
			t.Errorf("Pop() = %d, want %d", got, want)
		}
	}
}

func TestList_ReductionExactlyOnce(t *testing.T) {
	tests := []struct {
		name    string
		tasks   int
		workers int
	}{
		{"single", 1, 1},
		{"few", 10, 4},
		{"many", 1000, 8},
		{"more-workers-than-tasks", 3, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				reductions atomic.Int32
				finished   atomic.Int32
			)
			l := NewList(func(l *List) {
				if got := finished.Load(); got != int32(l.Len()) {
					t.Errorf("reduction ran after %d of %d tasks", got, l.Len())
				}
				reductions.Add(1)
			})
			for range tt.tasks {
				l.PushBack(New(func(t *Task) {
					finished.Add(1)
					t.Finished()
				}))
			}

			var wg sync.WaitGroup
			wg.Add(tt.workers)
			for range tt.workers {
				go func() {
					defer wg.Done()
					for id := l.Pop(); id < l.Len(); id = l.Pop() {
						l.Task(id).Run()
					}
				}()
			}
			wg.Wait()

			if got := reductions.Load(); got != 1 {
				t.Errorf("reduction ran %d times, want 1", got)
			}
			if !l.Done() {
				t.Error("list not done")
			}
		})
	}
}

func TestList_OverFinishPanics(t *testing.T) {
	l := NewList(nil)
	tk := New(func(*Task) {})
	l.PushBack(tk)
	tk.Finished()

	defer func() {
		if recover() == nil {
			t.Error("second Finished should panic")
		}
	}()
	tk.Finished()
}

func TestList_PushBackTwicePanics(t *testing.T) {
	tk := New(func(*Task) {})
	NewList(nil).PushBack(tk)

	defer func() {
		if recover() == nil {
			t.Error("PushBack of an owned task should panic")
		}
	}()
	NewList(nil).PushBack(tk)
}

func TestTask_FinishedWithoutList(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Finished without a list should panic")
		}
	}()
	New(func(*Task) {}).Finished()
}

func TestTask_Scratch(t *testing.T) {
	var sum atomic.Int64
	l := NewList(nil)
	for i := range 4 {
		tk := New(func(t *Task) {
			sum.Add(int64(binary.LittleEndian.Uint64(t.Scratch[:8])))
			t.Finished()
		})
		binary.LittleEndian.PutUint64(tk.Scratch[:8], uint64(i+1))
		l.PushBack(tk)
	}
	for id := l.Pop(); id < l.Len(); id = l.Pop() {
		l.Task(id).Run()
	}
	if sum.Load() != 10 {
		t.Errorf("sum = %d, want 10", sum.Load())
	}
}

// =============================================================================
// Queue Tests
// =============================================================================

func newList(name int, n int, order *[]int) *List {
	l := NewList(nil)
	for range n {
		l.PushBack(New(func(t *Task) {
			*order = append(*order, name)
			t.Finished()
		}))
	}
	return l
}

func TestQueue_Empty(t *testing.T) {
	q := NewQueue()
	if !q.Empty() {
		t.Error("new queue should be empty")
	}
	if _, ok := q.GrabWork(); ok {
		t.Error("GrabWork on empty queue returned a task")
	}
}

func TestQueue_FIFOAcrossGrowth(t *testing.T) {
	q := NewQueue()
	var order []int

	// Move the read cursor off zero so growth has to unwrap the ring.
	q.Insert(newList(-1, 1, &order))
	q.Insert(newList(-2, 1, &order))
	for range 2 {
		tk, _ := q.GrabWork()
		tk.Run()
	}
	order = order[:0]

	const lists = 50
	for i := range lists {
		q.Insert(newList(i, 2, &order))
	}
	if q.Len() != lists {
		t.Fatalf("Len() = %d, want %d", q.Len(), lists)
	}
	if q.Cap() < lists+1 {
		t.Errorf("Cap() = %d, want > %d", q.Cap(), lists)
	}

	for tk, ok := q.GrabWork(); ok; tk, ok = q.GrabWork() {
		tk.Run()
	}
	if len(order) != 2*lists {
		t.Fatalf("ran %d tasks, want %d", len(order), 2*lists)
	}
	for i := range lists {
		if order[2*i] != i || order[2*i+1] != i {
			t.Fatalf("order[%d:%d] = %v, want [%d %d]", 2*i, 2*i+2, order[2*i:2*i+2], i, i)
		}
	}
	if !q.Empty() {
		t.Error("queue should be empty after draining")
	}
}

func TestQueue_ListLeavesWhenLastTaskClaimed(t *testing.T) {
	q := NewQueue()
	var order []int
	l := newList(0, 3, &order)
	q.Insert(l)

	claimed := make([]*Task, 0, 3)
	for range 3 {
		tk, ok := q.GrabWork()
		if !ok {
			t.Fatal("GrabWork returned no task")
		}
		claimed = append(claimed, tk)
	}
	if !q.Empty() {
		t.Error("list should leave the queue once every task is claimed")
	}
	if l.Done() {
		t.Error("claiming must not finish tasks")
	}
	for _, tk := range claimed {
		tk.Run()
	}
	if !l.Done() {
		t.Error("list should be done after running every task")
	}
}

func TestQueue_EmptyListRunsReduction(t *testing.T) {
	q := NewQueue()
	ran := false
	q.Insert(NewList(func(*List) { ran = true }))
	if !ran {
		t.Error("reduction of an empty list should run on Insert")
	}
	if !q.Empty() {
		t.Error("empty list should not be queued")
	}
}

func TestQueue_ConcurrentDrain(t *testing.T) {
	q := NewQueue()
	const (
		lists   = 40
		perList = 25
		workers = 8
	)

	var ran, reductions atomic.Int32
	for range lists {
		l := NewList(func(*List) { reductions.Add(1) })
		for range perList {
			l.PushBack(New(func(t *Task) {
				ran.Add(1)
				t.Finished()
			}))
		}
		q.Insert(l)
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for tk, ok := q.GrabWork(); ok; tk, ok = q.GrabWork() {
				tk.Run()
			}
		}()
	}
	wg.Wait()

	if got := ran.Load(); got != lists*perList {
		t.Errorf("ran %d tasks, want %d", got, lists*perList)
	}
	if got := reductions.Load(); got != lists {
		t.Errorf("%d reductions, want %d", got, lists)
	}
}

// TestQueue_RecursiveDecomposition splits a range into sub-lists whose
// reductions finish the parent task.
func TestQueue_RecursiveDecomposition(t *testing.T) {
	q := NewQueue()
	const leafSize = 4
	var (
		mu      sync.Mutex
		covered = make([]int, 64)
		rootRan atomic.Bool
	)

	var split func(start, end int) Func
	split = func(start, end int) Func {
		return func(self *Task) {
			if end-start <= leafSize {
				mu.Lock()
				for i := start; i < end; i++ {
					covered[i]++
				}
				mu.Unlock()
				self.Finished()
				return
			}
			mid := (start + end) / 2
			sub := NewList(func(*List) { self.Finished() })
			sub.PushBack(New(split(start, mid)))
			sub.PushBack(New(split(mid, end)))
			q.Insert(sub)
		}
	}

	root := NewList(func(*List) { rootRan.Store(true) })
	root.PushBack(New(split(0, len(covered))))
	q.Insert(root)

	var wg sync.WaitGroup
	wg.Add(4)
	for range 4 {
		go func() {
			defer wg.Done()
			for !rootRan.Load() {
				if tk, ok := q.GrabWork(); ok {
					tk.Run()
				}
			}
		}()
	}
	wg.Wait()

	for i, c := range covered {
		if c != 1 {
			t.Errorf("item %d covered %d times", i, c)
		}
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkQueue_GrabWork(b *testing.B) {
	q := NewQueue()
	for b.Loop() {
		l := NewList(nil)
		for range 16 {
			l.PushBack(New(func(t *Task) { t.Finished() }))
		}
		q.Insert(l)
		for tk, ok := q.GrabWork(); ok; tk, ok = q.GrabWork() {
			tk.Run()
		}
	}
}
