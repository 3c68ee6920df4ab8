package balancer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"balancerd/internal/pool"
	"balancerd/internal/slots"
)

// Dispatcher admits requests against the pool, buffering them while no
// agent has a free slot.
type Dispatcher struct {
	pool          *pool.Pool
	buffered      *BufferedRequestCounter
	maxBuffered   int32
	bufferTimeout time.Duration
	logger        zerolog.Logger
}

// NewDispatcher wires a dispatcher. maxBuffered of zero disables buffering.
func NewDispatcher(p *pool.Pool, buffered *BufferedRequestCounter, maxBuffered int32, bufferTimeout time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		pool:          p,
		buffered:      buffered,
		maxBuffered:   maxBuffered,
		bufferTimeout: bufferTimeout,
		logger:        logger,
	}
}

// Acquire returns a claimed slot on the best agent. If none is free the
// request is buffered until a slot frees, the buffer timeout elapses
// (ErrBufferTimeout) or ctx ends. The caller must Release the claim.
func (d *Dispatcher) Acquire(ctx context.Context) (*pool.Entry, *slots.Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if e, c, ok := d.pool.TakeBestSlot(); ok {
		return e, c, nil
	}
	if d.maxBuffered <= 0 {
		rejectionsTotal.WithLabelValues("buffering_disabled").Inc()
		return nil, nil, ErrTooManyBufferedRequests
	}
	guard, ok := d.buffered.Admit(d.maxBuffered)
	if !ok {
		rejectionsTotal.WithLabelValues("buffer_full").Inc()
		return nil, nil, ErrTooManyBufferedRequests
	}
	defer guard.Release()

	start := time.Now()
	timer := time.NewTimer(d.bufferTimeout)
	defer timer.Stop()
	for {
		// Grab the wake channel before checking so a release in between is not missed.
		changed := d.pool.Changed()
		if e, c, ok := d.pool.TakeBestSlot(); ok {
			d.logger.Debug().Str("agent_id", e.ID).Dur("buffered_for", time.Since(start)).Msg("buffered request dispatched")
			return e, c, nil
		}
		select {
		case <-changed:
		case <-timer.C:
			rejectionsTotal.WithLabelValues("buffer_timeout").Inc()
			return nil, nil, ErrBufferTimeout
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}
