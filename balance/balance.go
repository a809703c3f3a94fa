// Package balance divides each frame's work into assignments for a fixed
// pool of workers.
//
// A channel's work items are enumerated 0..numAssignments-1 (typically
// tiles or pixels). Every LoadBalancer hands out half-open ranges over that
// enumeration; across all workers and all NextAssignment calls of one frame
// the returned ranges are disjoint and their union is exactly
// [0, numAssignments).
//
// The setup protocol is driven by the frame coordinator:
//
//	SetupBegin(ctx, numChannels)          // once, proc 0, when the pipeline changes
//	SetupDisplayChannel(ctx, n)           // once per channel, proc 0
//	SetupFrame(ctx)                       // every worker, every channel, every frame
//	for a, ok := NextAssignment(ctx); ok; a, ok = NextAssignment(ctx) { ... }
//
// Setup calls are separated from assignment consumption by barriers; they
// are never concurrent with NextAssignment.
package balance

import "fmt"

// SetupContext describes the caller of a setup phase.
type SetupContext struct {
	// ChannelIndex is the channel being configured. It is -1 for SetupBegin.
	ChannelIndex int

	// NumChannels is the number of channels in the pipeline.
	NumChannels int

	// Proc is the worker performing the setup (always 0 in practice).
	Proc int

	// NumProcs is the number of workers that will render.
	NumProcs int
}

// RenderContext describes one worker rendering one channel of one frame.
type RenderContext struct {
	// ChannelIndex is the channel being rendered.
	ChannelIndex int

	// Proc is the worker index in [0, NumProcs).
	Proc int

	// NumProcs is the number of rendering workers.
	NumProcs int

	// Frame is the frame serial number.
	Frame int64
}

// Assignment is a half-open range [Start, End) of work item indices.
type Assignment struct {
	Start int
	End   int
}

// Len returns the number of work items in the assignment.
func (a Assignment) Len() int {
	return a.End - a.Start
}

// Empty reports whether the assignment covers no items.
func (a Assignment) Empty() bool {
	return a.End <= a.Start
}

// String implements fmt.Stringer.
func (a Assignment) String() string {
	return fmt.Sprintf("[%d,%d)", a.Start, a.End)
}

// LoadBalancer hands out assignments for the current frame.
//
// Implementations are safe for concurrent NextAssignment calls from
// different workers. SetupBegin, SetupDisplayChannel and SetupFrame of a
// given worker must not run concurrently with NextAssignment.
type LoadBalancer interface {
	// SetupBegin resizes the per-channel state. It may be called again with
	// a different channel count, for example after a display resize.
	SetupBegin(ctx SetupContext, numChannels int)

	// SetupDisplayChannel records the number of work items for
	// ctx.ChannelIndex until the next call.
	SetupDisplayChannel(ctx SetupContext, numAssignments int)

	// SetupFrame resets the calling worker's cursor for this frame.
	SetupFrame(ctx RenderContext)

	// NextAssignment returns the next range for the calling worker, or
	// false when the worker has no more work this frame.
	NextAssignment(ctx RenderContext) (Assignment, bool)
}

// Namer is implemented by load balancers that report a strategy name.
type Namer interface {
	Name() string
}

// NameOf returns the strategy name of lb, or its Go type when it does not
// implement Namer.
func NameOf(lb LoadBalancer) string {
	if n, ok := lb.(Namer); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", lb)
}
