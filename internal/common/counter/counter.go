package counter

import "sync/atomic"

// Counter is a thread-safe int32 counter.
type Counter struct {
	v atomic.Int32
}

// Get returns the current value.
func (c *Counter) Get() int32 { return c.v.Load() }

// IncrementBelow increments only while the current value is below limit.
// It reports whether the increment happened.
func (c *Counter) IncrementBelow(limit int32) bool {
	for {
		cur := c.v.Load()
		if cur >= limit {
			return false
		}
		if c.v.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// DecrementAboveZero decrements only while the current value is positive.
// It reports whether the decrement happened.
func (c *Counter) DecrementAboveZero() bool {
	for {
		cur := c.v.Load()
		if cur <= 0 {
			return false
		}
		if c.v.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}
