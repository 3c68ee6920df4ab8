package slots

import (
	"fmt"
	"sync"
)

// Claim is one processing slot held by a request. Release gives it back
// exactly once, so it is safe to defer on every exit path.
type Claim struct {
	status *Status
	epoch  uint64
	once   sync.Once
}

// Release returns the slot. Calls after the first are no-ops.
func (c *Claim) Release() {
	c.once.Do(func() {
		if err := c.status.release(c.epoch); err != nil {
			panic(fmt.Sprintf("slots: releasing claim: %v", err))
		}
	})
}

// Status returns the status the slot was claimed from.
func (c *Claim) Status() *Status { return c.status }
