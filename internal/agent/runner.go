package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"balancerd/internal/protocol"
	"balancerd/internal/reconcile"
	"balancerd/internal/slots"
	"balancerd/pkg/types"
)

// Emitter delivers responses for one request back to the balancer.
type Emitter func(protocol.Message) error

type job struct {
	ctx       context.Context
	requestID string
	prompt    string
	maxTokens int
	claim     *slots.Claim
	emit      Emitter
}

// workerSet is the slot workers serving one applied state.
type workerSet struct {
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	jobs     chan *job
	sessions []InferSession
}

// SlotRunner runs one worker goroutine per slot. It applies states by
// loading a session per slot and replacing the previous workers, and it
// admits requests only when a slot is idle.
type SlotRunner struct {
	adapter InferenceAdapter
	handle  *slots.Handle
	threads int
	logger  zerolog.Logger

	// applyMu serializes Apply and guards startIssues.
	applyMu sync.Mutex
	// startIssues are SlotCannotStart issues raised by the last Apply.
	startIssues []types.AgentIssue

	mu      sync.Mutex
	current *workerSet
	closed  bool

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// NewSlotRunner builds a runner that claims slots through handle.
func NewSlotRunner(adapter InferenceAdapter, handle *slots.Handle, threads int, logger zerolog.Logger) *SlotRunner {
	return &SlotRunner{
		adapter: adapter,
		handle:  handle,
		threads: threads,
		logger:  logger.With().Str("component", "slot_runner").Logger(),
		active:  make(map[string]context.CancelFunc),
	}
}

var _ reconcile.Applier = (*SlotRunner)(nil)

// Apply stops the current workers, failing their requests, then starts one
// session per slot. Slots that cannot start are recorded as issues; if none
// start the model is reported as not loadable.
func (r *SlotRunner) Apply(ctx context.Context, as types.ApplicableState) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	status := r.handle.Status()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRunnerStopped
	}
	r.stopLocked()
	r.mu.Unlock()
	for _, issue := range r.startIssues {
		status.RemoveIssue(issue)
	}
	r.startIssues = nil

	params := LoadParams{ContextSize: as.ContextSize, Threads: r.threads, ChatTemplate: as.ChatTemplate}
	var sessions []InferSession
	var lastErr error
	for i := 0; i < as.Slots; i++ {
		if err := ctx.Err(); err != nil {
			closeSessions(sessions)
			return err
		}
		s, err := r.adapter.Start(as.ModelPath, params)
		if err != nil {
			lastErr = err
			issue := types.SlotCannotStart(i, err.Error())
			status.AddIssue(issue)
			r.startIssues = append(r.startIssues, issue)
			r.logger.Warn().Err(err).Int("slot", i).Msg("slot cannot start")
			continue
		}
		sessions = append(sessions, s)
	}
	if len(sessions) == 0 {
		// Slot issues are subsumed by the model issue.
		for _, issue := range r.startIssues {
			status.RemoveIssue(issue)
		}
		r.startIssues = nil
		if lastErr == nil {
			lastErr = ErrNoSlotsStarted
		}
		return reconcile.WithIssue(types.ModelCannotBeLoaded(as.ModelPath), lastErr)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		closeSessions(sessions)
		return ErrRunnerStopped
	}
	if err := ctx.Err(); err != nil {
		closeSessions(sessions)
		return err
	}
	wctx, cancel := context.WithCancel(context.Background())
	ws := &workerSet{cancel: cancel, jobs: make(chan *job, len(sessions)), sessions: sessions}
	for i, s := range sessions {
		ws.wg.Add(1)
		go r.work(wctx, ws, i, s)
	}
	r.current = ws
	if err := status.SetSlotsTotal(int32(len(sessions))); err != nil {
		r.logger.Warn().Err(err).Msg("slot total deferred")
	}
	r.logger.Info().Int("slots", len(sessions)).Str("model_path", as.ModelPath).Msg("slots started")
	return nil
}

// stopLocked stops the current workers and fails queued requests.
func (r *SlotRunner) stopLocked() {
	ws := r.current
	if ws == nil {
		return
	}
	r.current = nil
	ws.cancel()
	r.CancelAll()
	ws.wg.Wait()
	for drained := false; !drained; {
		select {
		case j := <-ws.jobs:
			_ = j.emit(protocol.ErrorMessage(j.requestID, protocol.CodeUnavailable, "slot stopped"))
			j.claim.Release()
			r.done(j.requestID)
		default:
			drained = true
		}
	}
	closeSessions(ws.sessions)
	if err := r.handle.Status().SetSlotsTotal(0); err != nil {
		r.logger.Warn().Err(err).Msg("slots still in use after stop")
	}
}

func closeSessions(sessions []InferSession) {
	for _, s := range sessions {
		_ = s.Close()
	}
}

// Submit claims an idle slot and queues the request on it. It returns
// slots.ErrNoIdleSlot when every slot is busy.
func (r *SlotRunner) Submit(requestID, prompt string, maxTokens int, emit Emitter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunnerStopped
	}
	if r.current == nil {
		return slots.ErrNoIdleSlot
	}
	claim, err := r.handle.Claim()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.activeMu.Lock()
	r.active[requestID] = cancel
	r.activeMu.Unlock()
	r.current.jobs <- &job{
		ctx:       ctx,
		requestID: requestID,
		prompt:    prompt,
		maxTokens: maxTokens,
		claim:     claim,
		emit:      emit,
	}
	return nil
}

// Stop cancels an in-flight request. Unknown ids are ignored.
func (r *SlotRunner) Stop(requestID string) {
	r.activeMu.Lock()
	cancel, ok := r.active[requestID]
	r.activeMu.Unlock()
	if ok {
		cancel()
	}
}

// CancelAll cancels every in-flight request, e.g. when the balancer
// connection is lost.
func (r *SlotRunner) CancelAll() {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	for _, cancel := range r.active {
		cancel()
	}
}

// InFlight returns the number of requests queued or running.
func (r *SlotRunner) InFlight() int {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	return len(r.active)
}

func (r *SlotRunner) done(requestID string) {
	r.activeMu.Lock()
	if cancel, ok := r.active[requestID]; ok {
		cancel()
		delete(r.active, requestID)
	}
	r.activeMu.Unlock()
}

func (r *SlotRunner) work(ctx context.Context, ws *workerSet, slot int, s InferSession) {
	defer ws.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-ws.jobs:
			r.run(ctx, slot, s, j)
		}
	}
}

// run serves one request. A request canceled because its workers stopped is
// answered with 503; one stopped by the balancer gets no reply.
func (r *SlotRunner) run(workers context.Context, slot int, s InferSession, j *job) {
	defer j.claim.Release()
	defer r.done(j.requestID)
	logger := r.logger.With().Int("slot", slot).Str("request_id", j.requestID).Logger()

	res, err := s.Generate(j.ctx, j.prompt, InferParams{MaxTokens: j.maxTokens}, func(tok string) error {
		return j.emit(protocol.GeneratedToken(j.requestID, tok))
	})
	var cte *ChatTemplateError
	switch {
	case err == nil:
		logger.Debug().Int("completion_tokens", res.Usage.CompletionTokens).Str("finish_reason", res.FinishReason).Msg("generation done")
		err = j.emit(protocol.Done(j.requestID))
	case errors.As(err, &cte):
		err = j.emit(protocol.ChatTemplateError(j.requestID, cte.Reason))
	case errors.Is(err, context.Canceled) && workers.Err() != nil:
		err = j.emit(protocol.ErrorMessage(j.requestID, protocol.CodeUnavailable, "slot stopped"))
	case errors.Is(err, context.Canceled):
		logger.Debug().Msg("generation stopped")
		return
	default:
		logger.Warn().Err(err).Msg("generation failed")
		err = j.emit(protocol.ErrorMessage(j.requestID, protocol.CodeInternal, ""))
	}
	if err != nil {
		logger.Debug().Err(err).Msg("response not delivered")
	}
}

// Close stops all workers and refuses further work.
func (r *SlotRunner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.stopLocked()
}
