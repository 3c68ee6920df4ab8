package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"balancerd/internal/protocol"
)

type fakeAdapter struct {
	mu     sync.Mutex
	starts int
	// failStarts lists start call indexes that fail.
	failStarts  map[int]bool
	tokens      []string
	block       chan struct{}
	templateErr string
	open        atomic.Int32
}

func (f *fakeAdapter) Start(modelPath string, params LoadParams) (InferSession, error) {
	f.mu.Lock()
	n := f.starts
	f.starts++
	fail := f.failStarts[n]
	f.mu.Unlock()
	if fail {
		return nil, errors.New("out of memory")
	}
	f.open.Add(1)
	return &fakeSession{a: f}, nil
}

type fakeSession struct {
	a      *fakeAdapter
	closed atomic.Bool
}

func (s *fakeSession) Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error) {
	if s.a.templateErr != "" {
		return FinalResult{}, &ChatTemplateError{Reason: s.a.templateErr}
	}
	if s.a.block != nil {
		select {
		case <-s.a.block:
		case <-ctx.Done():
			return FinalResult{}, ctx.Err()
		}
	}
	n := 0
	for _, tok := range s.a.tokens {
		if params.MaxTokens > 0 && n >= params.MaxTokens {
			break
		}
		if err := ctx.Err(); err != nil {
			return FinalResult{}, err
		}
		if err := onToken(tok); err != nil {
			return FinalResult{}, err
		}
		n++
	}
	return FinalResult{Usage: Usage{CompletionTokens: n, TotalTokens: n}, FinishReason: "stop"}, nil
}

func (s *fakeSession) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.a.open.Add(-1)
	}
	return nil
}

// recorder collects emitted messages.
type recorder struct {
	ch chan protocol.Message
}

func newRecorder() *recorder { return &recorder{ch: make(chan protocol.Message, 64)} }

func (r *recorder) emit(m protocol.Message) error {
	r.ch <- m
	return nil
}

func (r *recorder) next() (protocol.Message, bool) {
	select {
	case m := <-r.ch:
		return m, true
	case <-time.After(2 * time.Second):
		return protocol.Message{}, false
	}
}
