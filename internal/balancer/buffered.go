package balancer

import (
	"sync"

	"balancerd/internal/common/counter"
	"balancerd/internal/common/notify"
)

// BufferedRequestCounter counts requests parked while waiting for a slot.
// Every change wakes the waiters on Changed.
type BufferedRequestCounter struct {
	count   counter.Counter
	changed notify.Notifier
}

// NewBufferedRequestCounter returns a zeroed counter.
func NewBufferedRequestCounter() *BufferedRequestCounter { return &BufferedRequestCounter{} }

// Get returns the number of buffered requests.
func (c *BufferedRequestCounter) Get() int32 { return c.count.Get() }

// Changed returns a channel closed on the next increment or decrement.
func (c *BufferedRequestCounter) Changed() <-chan struct{} { return c.changed.Wait() }

// TryIncrement adds one buffered request unless max are already buffered.
func (c *BufferedRequestCounter) TryIncrement(max int32) bool {
	if !c.count.IncrementBelow(max) {
		return false
	}
	c.changed.Notify()
	return true
}

// Decrement removes one buffered request. Going below zero means an
// increment/decrement pairing was broken and panics.
func (c *BufferedRequestCounter) Decrement() {
	if !c.count.DecrementAboveZero() {
		panic("balancer: buffered request counter would go negative")
	}
	c.changed.Notify()
}

// Admit increments the counter if below max and returns a guard that
// decrements it exactly once.
func (c *BufferedRequestCounter) Admit(max int32) (*BufferGuard, bool) {
	if !c.TryIncrement(max) {
		return nil, false
	}
	return &BufferGuard{counter: c}, true
}

// BufferGuard owns one increment of a BufferedRequestCounter.
type BufferGuard struct {
	counter *BufferedRequestCounter
	once    sync.Once
}

// Release decrements the counter. Calls after the first are no-ops.
func (g *BufferGuard) Release() {
	g.once.Do(g.counter.Decrement)
}
