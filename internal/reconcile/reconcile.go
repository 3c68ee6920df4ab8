// Package reconcile drives an agent from its desired state to an applied
// state. Each new desired state starts a fresh attempt; results of
// superseded attempts are discarded.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"balancerd/internal/slots"
	"balancerd/internal/watch"
	"balancerd/pkg/types"
)

// Phase is where the reconciler is in applying the latest desired state.
type Phase string

const (
	PhaseNoDesiredState Phase = "no_desired_state"
	PhaseResolving      Phase = "resolving"
	PhaseApplying       Phase = "applying"
	PhaseApplied        Phase = "applied"
	PhaseFailed         Phase = "failed"
)

// Resolver turns a desired state into a concrete applicable state.
type Resolver interface {
	Resolve(ctx context.Context, ds types.DesiredState) (types.ApplicableState, error)
}

// Applier makes an applicable state live, e.g. loads the model and starts
// slots. It returns once the state is serving.
type Applier interface {
	Apply(ctx context.Context, as types.ApplicableState) error
}

// IssueError attaches the agent issue an error should be reported as.
type IssueError struct {
	Issue types.AgentIssue
	Err   error
}

func (e *IssueError) Error() string {
	if e.Err == nil {
		return e.Issue.String()
	}
	return fmt.Sprintf("%s: %v", e.Issue, e.Err)
}

func (e *IssueError) Unwrap() error { return e.Err }

// WithIssue wraps err so IssueFromError reports issue.
func WithIssue(issue types.AgentIssue, err error) error {
	return &IssueError{Issue: issue, Err: err}
}

// IssueFromError extracts the issue carried by err, if any.
func IssueFromError(err error) (types.AgentIssue, bool) {
	var ie *IssueError
	if errors.As(err, &ie) {
		return ie.Issue, true
	}
	return types.AgentIssue{}, false
}

type progressKey struct{}

// ReportDownload records model download progress for the attempt ctx
// belongs to. Outside an attempt it does nothing.
func ReportDownload(ctx context.Context, filename string, current, total int64) {
	if f, ok := ctx.Value(progressKey{}).(func(string, int64, int64)); ok {
		f(filename, current, total)
	}
}

// Reconciler runs one resolve-then-apply attempt per desired state. Every
// transition publishes the applicable state: nil while unresolved or failed,
// the resolved state while applying and once applied.
type Reconciler struct {
	status   *slots.Status
	resolver Resolver
	applier  Applier
	logger   zerolog.Logger

	applicable *watch.Value[*types.ApplicableState]

	base     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	mu         sync.Mutex
	generation uint64
	phase      Phase
	cancel     context.CancelFunc
	raised     []types.AgentIssue
}

// New returns an idle reconciler reporting into status.
func New(status *slots.Status, resolver Resolver, applier Applier, logger zerolog.Logger) *Reconciler {
	base, shutdown := context.WithCancel(context.Background())
	return &Reconciler{
		status:     status,
		resolver:   resolver,
		applier:    applier,
		logger:     logger.With().Str("component", "reconcile").Logger(),
		applicable: watch.New[*types.ApplicableState](nil),
		base:       base,
		shutdown:   shutdown,
		phase:      PhaseNoDesiredState,
	}
}

// Phase returns the current phase.
func (r *Reconciler) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Generation returns the id of the latest desired state.
func (r *Reconciler) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Applicable returns the live applicable state, nil while none is.
func (r *Reconciler) Applicable() *types.ApplicableState { return r.applicable.Get() }

// Subscribe watches the applicable state. The current value is delivered
// first, then every change in order.
func (r *Reconciler) Subscribe() *watch.Subscription[*types.ApplicableState] {
	return r.applicable.Subscribe()
}

// SetDesiredState supersedes any running attempt and starts a new one. It
// returns the generation id of the new attempt.
func (r *Reconciler) SetDesiredState(ds types.DesiredState) uint64 {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.generation++
	gen := r.generation
	ctx, cancel := context.WithCancel(r.base)
	r.cancel = cancel
	for _, issue := range r.raised {
		r.status.RemoveIssue(issue)
	}
	r.raised = nil
	r.phase = PhaseResolving
	r.status.SetDesiredSlotsTotal(int32(ds.Slots))
	r.status.SetApplicationStatus(types.ApplicationPending)
	r.applicable.Publish(nil)
	r.mu.Unlock()

	r.logger.Info().Uint64("generation", gen).Str("model", ds.Model.String()).Int("slots", ds.Slots).Msg("desired state accepted")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.attempt(ctx, gen, ds)
	}()
	return gen
}

func (r *Reconciler) attempt(ctx context.Context, gen uint64, ds types.DesiredState) {
	ctx = context.WithValue(ctx, progressKey{}, func(filename string, current, total int64) {
		r.advance(gen, func() {
			r.status.SetApplicationStatus(types.ApplicationDownloading)
			r.status.SetDownloadProgress(filename, current, total)
		})
	})
	as, err := r.resolver.Resolve(ctx, ds)
	if err != nil {
		r.fail(ctx, gen, err, types.ModelFileDoesNotExist(ds.Model.String()))
		return
	}
	if !r.advance(gen, func() {
		r.phase = PhaseApplying
		r.status.SetModelPath(as.ModelPath)
		r.status.SetApplicationStatus(types.ApplicationApplying)
		resolved := as
		r.applicable.Publish(&resolved)
	}) {
		return
	}

	if err := r.applier.Apply(ctx, as); err != nil {
		r.fail(ctx, gen, err, types.ModelCannotBeLoaded(as.ModelPath))
		return
	}
	r.advance(gen, func() {
		r.phase = PhaseApplied
		r.status.SetApplicationStatus(types.ApplicationApplied)
		applied := as
		r.applicable.Publish(&applied)
		r.logger.Info().Uint64("generation", gen).Str("model_path", as.ModelPath).Msg("desired state applied")
	})
}

// advance runs f under the lock if gen is still the latest attempt.
func (r *Reconciler) advance(gen uint64, f func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.generation {
		r.logger.Debug().Uint64("generation", gen).Msg("stale reconcile result discarded")
		return false
	}
	f()
	return true
}

func (r *Reconciler) fail(ctx context.Context, gen uint64, err error, fallback types.AgentIssue) {
	if ctx.Err() != nil {
		return
	}
	issue, ok := IssueFromError(err)
	if !ok {
		issue = fallback
	}
	r.advance(gen, func() {
		r.phase = PhaseFailed
		r.status.AddIssue(issue)
		r.raised = append(r.raised, issue)
		r.status.SetApplicationStatus(types.ApplicationFailed)
		r.applicable.Publish(nil)
		r.logger.Warn().Err(err).Uint64("generation", gen).Str("issue", issue.String()).Msg("desired state not applied")
	})
}

// Close cancels the running attempt, waits for it and closes subscriptions.
func (r *Reconciler) Close() {
	r.shutdown()
	r.wg.Wait()
	r.applicable.Close()
}
