// Package update tracks which scene objects need recomputation and hands
// them back in dependency order.
//
// Marking an object propagates "needs update" toward the root. Leaves are
// processed first; each parent is handed back by FinishUpdate exactly once,
// to the caller whose child completion was the last one the parent waited
// for.
package update

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/sets/linkedhashset"
)

// noParent marks the root in the arena.
const noParent = -1

type node[K comparable] struct {
	key      K
	parent   int
	children []int

	needsUpdate atomic.Bool

	// counter counts finished children this frame.
	counter atomic.Int32

	// activeEdges counts marked children.
	activeEdges atomic.Int32
}

// Graph is a forest of scene objects with a single root, stored in an arena
// addressed by index. Nodes are never removed.
type Graph[K comparable] struct {
	mu       sync.Mutex
	nodes    []*node[K]
	index    map[K]int
	root     int
	leaves   *linkedhashset.Set
	capacity int
}

// Option configures a Graph.
type Option func(*options)

type options struct {
	capacity int
}

// WithCapacity bounds the number of nodes. Inserting beyond it panics.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// New creates an empty graph.
func New[K comparable](opts ...Option) *Graph[K] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Graph[K]{
		index:    make(map[K]int),
		root:     noParent,
		leaves:   linkedhashset.New(),
		capacity: o.capacity,
	}
}

// InsertRoot adds the root object.
func (g *Graph[K]) InsertRoot(key K) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.root != noParent {
		panic(fmt.Sprintf("update: graph already has root %v", g.nodes[g.root].key))
	}
	g.root = g.insertLocked(key, noParent)
}

// Insert adds key as a child of parent.
func (g *Graph[K]) Insert(key, parent K) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p := g.lookup(parent)
	id := g.insertLocked(key, p)
	g.nodes[p].children = append(g.nodes[p].children, id)
}

func (g *Graph[K]) insertLocked(key K, parent int) int {
	if _, dup := g.index[key]; dup {
		panic(fmt.Sprintf("update: duplicate key %v", key))
	}
	if g.capacity > 0 && len(g.nodes) >= g.capacity {
		panic(fmt.Sprintf("update: capacity %d exhausted", g.capacity))
	}
	id := len(g.nodes)
	g.nodes = append(g.nodes, &node[K]{key: key, parent: parent})
	g.index[key] = id
	return id
}

// lookup must be called with g.mu held.
func (g *Graph[K]) lookup(key K) int {
	id, ok := g.index[key]
	if !ok {
		panic(fmt.Sprintf("update: unknown key %v", key))
	}
	return id
}

// MarkObject flags key and its unmarked ancestors as needing an update.
// Each newly marked node bumps its parent's edge count once. Marking an
// already marked node is a no-op.
//
// MarkObject must not run concurrently with FinishUpdate.
func (g *Graph[K]) MarkObject(key K) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.lookup(key)
	if g.nodes[id].needsUpdate.Load() {
		return
	}
	g.leaves.Add(id)

	for id != noParent {
		n := g.nodes[id]
		if n.needsUpdate.Load() {
			break
		}
		n.needsUpdate.Store(true)
		if n.parent != noParent {
			g.nodes[n.parent].activeEdges.Add(1)
			g.leaves.Remove(n.parent)
		}
		id = n.parent
	}
}

// FinishUpdate resets key for the next frame and reports its completion to
// the parent. It returns the parent's key when this was the last marked
// child the parent was waiting for.
func (g *Graph[K]) FinishUpdate(key K) (parent K, ready bool) {
	g.mu.Lock()
	id := g.lookup(key)
	n := g.nodes[id]
	g.mu.Unlock()

	n.activeEdges.Store(0)
	n.counter.Store(0)
	n.needsUpdate.Store(false)

	if n.parent == noParent {
		return parent, false
	}
	p := g.nodes[n.parent]
	if p.counter.Add(1) == p.activeEdges.Load() {
		return p.key, true
	}
	return parent, false
}

// NextLeaf removes and returns the oldest pending leaf.
func (g *Graph[K]) NextLeaf() (key K, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	it := g.leaves.Iterator()
	if !it.Next() {
		return key, false
	}
	id := it.Value().(int)
	g.leaves.Remove(id)
	return g.nodes[id].key, true
}

// Finished reports whether the root has no outstanding update. An empty
// graph is always finished.
func (g *Graph[K]) Finished() bool {
	g.mu.Lock()
	root := g.root
	var n *node[K]
	if root != noParent {
		n = g.nodes[root]
	}
	g.mu.Unlock()

	return n == nil || !n.needsUpdate.Load()
}

// NeedsUpdate reports whether key is marked.
func (g *Graph[K]) NeedsUpdate(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nodes[g.lookup(key)].needsUpdate.Load()
}

// Parent returns key's parent, or false for the root.
func (g *Graph[K]) Parent(key K) (parent K, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.nodes[g.lookup(key)]
	if n.parent == noParent {
		return parent, false
	}
	return g.nodes[n.parent].key, true
}

// Children returns key's children in insertion order.
func (g *Graph[K]) Children(key K) []K {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.nodes[g.lookup(key)]
	out := make([]K, len(n.children))
	for i, c := range n.children {
		out[i] = g.nodes[c].key
	}
	return out
}

// Contains reports whether key has been inserted.
func (g *Graph[K]) Contains(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.index[key]
	return ok
}

// Len returns the number of nodes.
func (g *Graph[K]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// PendingLeaves returns the number of leaves not yet taken by NextLeaf.
func (g *Graph[K]) PendingLeaves() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leaves.Size()
}
