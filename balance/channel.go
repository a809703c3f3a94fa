package balance

import (
	"fmt"

	"golang.org/x/sys/cpu"
)

// ChannelTable is the per-channel state array shared by every strategy.
//
// Grown channels get freshly allocated state, shrunk channels are dropped.
// Existing channels keep their state unless the worker count changed, in
// which case they are reallocated because their per-worker slots no longer
// fit.
type ChannelTable[T any] struct {
	channels []*T
	numProcs int
}

// Resize adjusts the table to numChannels entries using alloc for new ones.
func (t *ChannelTable[T]) Resize(numChannels, numProcs int, alloc func(numProcs int) *T) {
	if numChannels < 0 {
		panic(fmt.Sprintf("balance: negative channel count %d", numChannels))
	}
	if numProcs < 1 {
		panic(fmt.Sprintf("balance: worker count %d must be positive", numProcs))
	}

	keep := min(len(t.channels), numChannels)
	if numProcs != t.numProcs {
		keep = 0
	}

	channels := make([]*T, numChannels)
	copy(channels, t.channels[:keep])
	for i := keep; i < numChannels; i++ {
		channels[i] = alloc(numProcs)
	}
	t.channels = channels
	t.numProcs = numProcs
}

// Get returns the state of channel i. An out-of-range index is a programming
// error and panics.
func (t *ChannelTable[T]) Get(i int) *T {
	if i < 0 || i >= len(t.channels) {
		panic(fmt.Sprintf("balance: channel index %d out of range [0,%d)", i, len(t.channels)))
	}
	return t.channels[i]
}

// Len returns the number of channels.
func (t *ChannelTable[T]) Len() int {
	return len(t.channels)
}

// NumProcs returns the worker count the table was sized for.
func (t *ChannelTable[T]) NumProcs() int {
	return t.numProcs
}

// procDone is a per-worker flag padded to its own cache line so workers
// never share a line while flipping it.
type procDone struct {
	done bool
	_    cpu.CacheLinePad
}

// mustConfigure panics if a channel is used before SetupDisplayChannel.
func mustConfigure(configured bool, strategy string, channel int) {
	if !configured {
		panic(fmt.Sprintf("balance: %s: channel %d used before SetupDisplayChannel", strategy, channel))
	}
}

// mustProc panics if proc is outside the worker range the table was sized for.
func mustProc(proc, numProcs int) {
	if proc < 0 || proc >= numProcs {
		panic(fmt.Sprintf("balance: worker %d out of range [0,%d)", proc, numProcs))
	}
}
