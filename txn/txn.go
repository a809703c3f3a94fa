// Package txn queues deferred mutations of shared renderer state.
//
// Any goroutine may add a Transaction. A single applier drains the queue
// between frames, never concurrently with rendering, so state touched only
// through transactions needs no locking on the per-pixel path.
package txn

import (
	"fmt"
	"sync/atomic"
)

// Flag controls how the queue drains after a transaction is applied.
type Flag uint8

const (
	// Default applies the transaction, marks the pipeline changed and moves
	// on to the next one.
	Default Flag = iota

	// Continue applies the transaction, marks the pipeline changed and
	// defers the rest of the queue to the next frame boundary.
	Continue

	// Purge applies the transaction, marks the pipeline changed and discards
	// everything queued after it.
	Purge

	// NoUpdate applies the transaction without marking the pipeline changed.
	NoUpdate
)

// String implements fmt.Stringer.
func (f Flag) String() string {
	switch f {
	case Default:
		return "default"
	case Continue:
		return "continue"
	case Purge:
		return "purge"
	case NoUpdate:
		return "no-update"
	default:
		return fmt.Sprintf("Flag(%d)", f)
	}
}

// Transaction is a named deferred mutation.
type Transaction interface {
	Name() string
	Flag() Flag
	Apply()
}

// Updater is a Transaction that also marks an object in the update graph
// once applied.
type Updater[K comparable] interface {
	Transaction
	Object() K
}

// Value holds a piece of shared state mutated through transactions. Reads
// are safe from any goroutine.
type Value[T any] struct {
	p atomic.Pointer[T]
}

// NewValue creates a Value holding v.
func NewValue[T any](v T) *Value[T] {
	var val Value[T]
	val.p.Store(&v)
	return &val
}

// Get returns the current value, or the zero value if none was stored.
func (v *Value[T]) Get() T {
	if p := v.p.Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}

func (v *Value[T]) set(x T) {
	v.p.Store(&x)
}

type base struct {
	name string
	flag Flag
}

func (b base) Name() string { return b.name }
func (b base) Flag() Flag   { return b.flag }

type modify[T any] struct {
	base
	target *Value[T]
	op     func(T) T
}

func (m *modify[T]) Apply() {
	m.target.set(m.op(m.target.Get()))
}

// Modify returns a transaction replacing target's value with op(value).
func Modify[T any](name string, target *Value[T], op func(T) T, flag Flag) Transaction {
	if target == nil || op == nil {
		panic("txn: Modify needs a target and an op")
	}
	return &modify[T]{base: base{name, flag}, target: target, op: op}
}

// Set returns a transaction storing v into target.
func Set[T any](name string, target *Value[T], v T, flag Flag) Transaction {
	return Modify(name, target, func(T) T { return v }, flag)
}

type callback struct {
	base
	fn func()
}

func (c *callback) Apply() { c.fn() }

// Callback returns a transaction running fn.
func Callback(name string, fn func(), flag Flag) Transaction {
	if fn == nil {
		panic("txn: nil callback")
	}
	return &callback{base: base{name, flag}, fn: fn}
}

type update[K comparable] struct {
	callback
	key K
}

func (u *update[K]) Object() K { return u.key }

func (u *update[K]) objectKey() any { return u.key }

// keyed is implemented by every update transaction regardless of its key
// type, so a queue can report updates it cannot mark.
type keyed interface {
	objectKey() any
}

// Update returns a transaction running fn and then marking key as needing
// an update.
func Update[K comparable](name string, fn func(), key K, flag Flag) Updater[K] {
	if fn == nil {
		fn = func() {}
	}
	return &update[K]{callback: callback{base: base{name, flag}, fn: fn}, key: key}
}
