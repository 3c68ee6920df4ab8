// Package watch provides a last-value publish/subscribe cell. A new
// subscriber first receives the current value, then every later value in
// publish order.
package watch

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next once the subscription or the value is closed.
var ErrClosed = errors.New("watch: closed")

// Value holds the latest published value of type T.
type Value[T any] struct {
	mu     sync.Mutex
	cur    T
	closed bool
	subs   map[*Subscription[T]]struct{}
}

// New returns a Value seeded with initial.
func New[T any](initial T) *Value[T] {
	return &Value[T]{cur: initial, subs: make(map[*Subscription[T]]struct{})}
}

// Get returns the latest value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Publish stores x and queues it for every subscriber.
func (v *Value[T]) Publish(x T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.cur = x
	for s := range v.subs {
		s.push(x)
	}
}

// Subscribe registers a subscriber. The current value is delivered first.
func (v *Value[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{parent: v, wake: make(chan struct{}, 1)}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		s.closed = true
		return s
	}
	s.push(v.cur)
	v.subs[s] = struct{}{}
	return s
}

// Close ends all subscriptions. Queued values are still delivered.
func (v *Value[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	for s := range v.subs {
		s.markClosed()
	}
	v.subs = nil
}

func (v *Value[T]) remove(s *Subscription[T]) {
	v.mu.Lock()
	delete(v.subs, s)
	v.mu.Unlock()
}

// Subscription receives values from a Value.
type Subscription[T any] struct {
	parent *Value[T]

	mu     sync.Mutex
	queue  []T
	closed bool
	wake   chan struct{}
}

func (s *Subscription[T]) push(x T) {
	s.mu.Lock()
	s.queue = append(s.queue, x)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription[T]) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next blocks until a value is available, the context ends, or the
// subscription is closed with an empty queue.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			x := s.queue[0]
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return x, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return zero, ErrClosed
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close detaches the subscription from its Value.
func (s *Subscription[T]) Close() {
	s.parent.remove(s)
	s.markClosed()
}
