package traverse

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/gogpu/framesched/balance"
)

// Coverage records which assignment indices were handed out in a frame
// using an atomic bitmap. Claiming an index twice panics.
//
// All methods are safe for concurrent use; Reset must not race with Claim.
type Coverage struct {
	// Bit i of word i/64 is set once index i has been claimed.
	words []atomic.Uint64
	n     int
}

// NewCoverage creates a bitmap for n assignment indices.
func NewCoverage(n int) *Coverage {
	n = max(n, 0)
	return &Coverage{
		words: make([]atomic.Uint64, (n+63)/64),
		n:     n,
	}
}

// Len returns the number of tracked indices.
func (c *Coverage) Len() int {
	return c.n
}

// Claim marks index i. It panics if i is out of range or already claimed.
func (c *Coverage) Claim(i int) {
	if i < 0 || i >= c.n {
		panic(fmt.Sprintf("traverse: assignment %d out of range [0,%d)", i, c.n))
	}
	bit := uint64(1) << (i & 63)
	if old := c.words[i/64].Or(bit); old&bit != 0 {
		panic(fmt.Sprintf("traverse: assignment %d handed out twice in one frame", i))
	}
}

// ClaimRange claims every index in a.
func (c *Coverage) ClaimRange(a balance.Assignment) {
	for i := a.Start; i < a.End; i++ {
		c.Claim(i)
	}
}

// Claimed reports whether index i has been claimed.
func (c *Coverage) Claimed(i int) bool {
	if i < 0 || i >= c.n {
		return false
	}
	return c.words[i/64].Load()&(uint64(1)<<(i&63)) != 0
}

// Count returns the number of claimed indices.
func (c *Coverage) Count() int {
	count := 0
	for i := range c.words {
		count += bits.OnesCount64(c.words[i].Load())
	}
	return count
}

// Complete reports whether every index has been claimed.
func (c *Coverage) Complete() bool {
	return c.Count() == c.n
}

// Missing returns the unclaimed indices in increasing order.
func (c *Coverage) Missing() []int {
	var missing []int
	for w := range c.words {
		free := ^c.words[w].Load()
		for free != 0 {
			b := bits.TrailingZeros64(free)
			i := w*64 + b
			if i >= c.n {
				break
			}
			missing = append(missing, i)
			free &^= 1 << b
		}
	}
	return missing
}

// Reset clears every claim.
func (c *Coverage) Reset() {
	for i := range c.words {
		c.words[i].Store(0)
	}
}
