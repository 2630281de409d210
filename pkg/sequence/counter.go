package sequence

import (
	"sync"

	"github.com/backkem/btmesh/pkg/mesh"
)

// Counter issues sequence numbers for one element.
// It is safe for concurrent use.
type Counter struct {
	next uint32
	mu   sync.Mutex
}

// NewCounter creates a counter whose first value is start.
// Used for fresh elements (start 0) or restoring a persisted value.
func NewCounter(start mesh.SequenceNumber) *Counter {
	return &Counter{next: uint32(start)}
}

// Next returns the next sequence number. Once all 2^24 values of the
// current IV Index are consumed it returns mesh.ErrSequenceExhausted and
// keeps doing so until Reset.
func (c *Counter) Next() (mesh.SequenceNumber, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.next > uint32(mesh.MaxSequence) {
		return 0, mesh.ErrSequenceExhausted
	}
	v := c.next
	c.next++
	return mesh.SequenceNumber(v), nil
}

// Current returns the value the next call to Next will issue.
func (c *Counter) Current() mesh.SequenceNumber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return mesh.SequenceNumber(c.next)
}

// Remaining returns how many values are left before exhaustion.
func (c *Counter) Remaining() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.next > uint32(mesh.MaxSequence) {
		return 0
	}
	return uint32(mesh.MaxSequence) + 1 - c.next
}

// Reset restarts the counter at zero. Called when a new IV Index takes
// effect for transmission.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = 0
}

// Counters holds the sequence counter of every local element.
type Counters struct {
	elements map[mesh.Address]*Counter
	mu       sync.RWMutex
}

// NewCounters creates counters for each element of r, all starting at zero.
func NewCounters(r mesh.UnicastRange) *Counters {
	c := &Counters{elements: make(map[mesh.Address]*Counter, r.Count)}
	for i := uint8(0); i < r.Count; i++ {
		c.elements[r.Element(i)] = NewCounter(0)
	}
	return c
}

// Next issues the next sequence number for element src.
func (c *Counters) Next(src mesh.Address) (mesh.SequenceNumber, error) {
	c.mu.RLock()
	ctr, ok := c.elements[src]
	c.mu.RUnlock()

	if !ok {
		return 0, ErrUnknownElement
	}
	return ctr.Next()
}

// Get returns the counter of element src.
func (c *Counters) Get(src mesh.Address) (*Counter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ctr, ok := c.elements[src]
	return ctr, ok
}

// Set restores element src to start at value.
func (c *Counters) Set(src mesh.Address, value mesh.SequenceNumber) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.elements[src]; !ok {
		return ErrUnknownElement
	}
	c.elements[src] = NewCounter(value)
	return nil
}

// ResetAll restarts every element at zero.
func (c *Counters) ResetAll() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, ctr := range c.elements {
		ctr.Reset()
	}
}

// MinRemaining returns the smallest Remaining across all elements.
func (c *Counters) MinRemaining() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	least := uint32(mesh.MaxSequence) + 1
	for _, ctr := range c.elements {
		if r := ctr.Remaining(); r < least {
			least = r
		}
	}
	return least
}

// Snapshot returns the next value of every element.
func (c *Counters) Snapshot() map[mesh.Address]mesh.SequenceNumber {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[mesh.Address]mesh.SequenceNumber, len(c.elements))
	for addr, ctr := range c.elements {
		out[addr] = ctr.Current()
	}
	return out
}
