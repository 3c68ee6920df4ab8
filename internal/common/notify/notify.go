package notify

import "sync"

// Notifier wakes every waiter when Notify is called. Waiters grab the
// current channel with Wait before re-checking their condition so a
// notification between the check and the select is never lost.
type Notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

// New returns a ready Notifier. The zero value is also usable.
func New() *Notifier { return &Notifier{ch: make(chan struct{})} }

// Wait returns a channel that is closed on the next Notify.
func (n *Notifier) Wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	return n.ch
}

// Notify wakes all current waiters.
func (n *Notifier) Notify() {
	n.mu.Lock()
	if n.ch != nil {
		close(n.ch)
	}
	n.ch = make(chan struct{})
	n.mu.Unlock()
}
