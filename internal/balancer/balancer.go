package balancer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"balancerd/internal/fleet"
	"balancerd/internal/pool"
	"balancerd/pkg/types"
)

// ErrAgentNotFound indicates the specified agent is not registered.
var ErrAgentNotFound = errors.New("agent not found")

// Defaults applied when corresponding Config fields are unset.
const (
	defaultBufferedRequestsTimeout = 10 * time.Second
	defaultInferenceTokenTimeout   = 30 * time.Second
)

// Config holds balancer tunables.
type Config struct {
	// MaxBufferedRequests of zero rejects every request that finds no idle slot.
	MaxBufferedRequests     int32
	BufferedRequestsTimeout time.Duration
	InferenceTokenTimeout   time.Duration
	// Version is announced to agents after registration.
	Version string
	Logger  zerolog.Logger
}

// Balancer owns the agent pool, the buffered request counter and the fleet
// desired state.
type Balancer struct {
	cfg        Config
	pool       *pool.Pool
	buffered   *BufferedRequestCounter
	dispatcher *Dispatcher
	store      fleet.Store
	logger     zerolog.Logger

	controllers sync.Map // agent id -> *AgentController

	// desiredMu orders desired state updates with agent registration so every
	// agent ends up with the latest state.
	desiredMu sync.Mutex
	desired   *types.DesiredState
}

// New constructs a Balancer. A nil store keeps the desired state in memory.
func New(cfg Config, store fleet.Store) *Balancer {
	if cfg.BufferedRequestsTimeout <= 0 {
		cfg.BufferedRequestsTimeout = defaultBufferedRequestsTimeout
	}
	if cfg.InferenceTokenTimeout <= 0 {
		cfg.InferenceTokenTimeout = defaultInferenceTokenTimeout
	}
	if store == nil {
		store = fleet.NewMemoryStore()
	}
	logger := cfg.Logger.With().Str("component", "balancer").Logger()
	p := pool.New(cfg.Logger)
	buffered := NewBufferedRequestCounter()
	return &Balancer{
		cfg:        cfg,
		pool:       p,
		buffered:   buffered,
		dispatcher: NewDispatcher(p, buffered, cfg.MaxBufferedRequests, cfg.BufferedRequestsTimeout, logger),
		store:      store,
		logger:     logger,
	}
}

// Pool exposes the agent registry.
func (b *Balancer) Pool() *pool.Pool { return b.pool }

// Buffered exposes the buffered request counter.
func (b *Balancer) Buffered() *BufferedRequestCounter { return b.buffered }

// Ready reports whether the balancer can accept requests. Agent health is
// not consulted.
func (b *Balancer) Ready() bool { return true }

// Agents returns the snapshot list served by the management API.
func (b *Balancer) Agents() types.AgentsResponse {
	return types.AgentsResponse{Agents: b.pool.SnapshotAll(), BufferedRequests: b.buffered.Get()}
}

// WaitChange blocks until the pool or the buffered count changes.
func (b *Balancer) WaitChange(ctx context.Context) error {
	select {
	case <-b.pool.Changed():
		return nil
	case <-b.buffered.Changed():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IngestStatusUpdate applies a status report received outside the agent socket.
func (b *Balancer) IngestStatusUpdate(req types.StatusUpdateRequest) error {
	e, ok := b.pool.Get(req.AgentID)
	if !ok {
		return ErrAgentNotFound
	}
	return b.applyReport(e.ID, e.Status.ApplyReport(req.Status))
}

// Generate admits the request, streams tokens from the chosen agent to
// onToken and returns the id of the agent that served it.
func (b *Balancer) Generate(ctx context.Context, req types.GenerateRequest, onToken func(string) error) (string, error) {
	e, claim, err := b.dispatcher.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer claim.Release()

	v, ok := b.controllers.Load(e.ID)
	if !ok {
		generationsTotal.WithLabelValues("agent_gone").Inc()
		return e.ID, ErrAgentDisconnected
	}
	err = v.(*AgentController).Generate(ctx, req.Prompt, req.MaxTokens, onToken)
	generationsTotal.WithLabelValues(outcome(err)).Inc()
	return e.ID, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "done"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case IsTimeout(err):
		return "timeout"
	case errors.Is(err, ErrAgentDisconnected):
		return "agent_gone"
	}
	return "error"
}
