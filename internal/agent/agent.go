package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"balancerd/internal/protocol"
	"balancerd/internal/reconcile"
	"balancerd/internal/slots"
	"balancerd/pkg/types"
)

const (
	defaultStatusInterval = 10 * time.Second
	maxReconnectInterval  = 30 * time.Second
)

// Config configures an Agent.
type Config struct {
	// BalancerURL is the websocket URL of the balancer's agent socket.
	BalancerURL string
	// ID is kept across reconnects; generated when empty.
	ID   string
	Name string
	// StatusInterval is the period of unconditional status reports.
	StatusInterval time.Duration
	Threads        int
	Version        string
	// Initial, when set, is applied before the balancer pushes a state.
	Initial *types.DesiredState
	Logger  zerolog.Logger
}

// Agent connects one slot runtime to the balancer.
type Agent struct {
	cfg        Config
	id         string
	handle     *slots.Handle
	status     *slots.Status
	runner     *SlotRunner
	reconciler *reconcile.Reconciler
	dialer     *websocket.Dialer
	logger     zerolog.Logger

	// desired is the last state accepted from the balancer. Only the
	// connection reader touches it.
	desired *types.DesiredState
}

// New builds an agent. The resolver maps desired states pushed by the
// balancer to model files; adapter runs them.
func New(cfg Config, adapter InferenceAdapter, resolver reconcile.Resolver) (*Agent, error) {
	if cfg.BalancerURL == "" {
		return nil, errors.New("agent: balancer url is required")
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := cfg.Logger.With().Str("agent_id", id).Logger()
	handle, err := slots.NewManager(0).BindSlotStatus()
	if err != nil {
		return nil, err
	}
	runner := NewSlotRunner(adapter, handle, cfg.Threads, logger)
	return &Agent{
		cfg:        cfg,
		id:         id,
		handle:     handle,
		status:     handle.Status(),
		runner:     runner,
		reconciler: reconcile.New(handle.Status(), resolver, runner, logger),
		dialer:     websocket.DefaultDialer,
		logger:     logger,
	}, nil
}

// ID returns the id the agent registers with.
func (a *Agent) ID() string { return a.id }

// Status returns the agent's slot status.
func (a *Agent) Status() *slots.Status { return a.status }

// Reconciler returns the desired state reconciler.
func (a *Agent) Reconciler() *reconcile.Reconciler { return a.reconciler }

// Run keeps a connection to the balancer open until ctx ends, reconnecting
// with exponential backoff. Slots and the reconciler are shut down on return.
func (a *Agent) Run(ctx context.Context) error {
	defer a.close()
	go a.logApplied(ctx)
	if ds := a.cfg.Initial; ds != nil {
		if err := ds.Validate(); err != nil {
			return fmt.Errorf("initial desired state: %w", err)
		}
		local := *ds
		a.desired = &local
		a.reconciler.SetDesiredState(local)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = maxReconnectInterval
	b.MaxElapsedTime = 0
	for {
		start := time.Now()
		err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// A session that stayed up a while starts the backoff over.
		if time.Since(start) > b.MaxInterval {
			b.Reset()
		}
		wait := b.NextBackOff()
		a.logger.Warn().Err(err).Dur("retry_in", wait).Msg("balancer connection lost")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Agent) close() {
	a.reconciler.Close()
	a.runner.Close()
	a.handle.Close()
}

func (a *Agent) logApplied(ctx context.Context) {
	sub := a.reconciler.Subscribe()
	defer sub.Close()
	for {
		as, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if as == nil {
			a.logger.Debug().Msg("applicable state cleared")
			continue
		}
		a.logger.Info().Str("model_path", as.ModelPath).Int("slots", as.Slots).Str("phase", string(a.reconciler.Phase())).Msg("applicable state published")
	}
}

// session runs one connection: register, then report status and serve
// messages until either side fails.
func (a *Agent) session(ctx context.Context) error {
	ws, _, err := a.dialer.DialContext(ctx, a.cfg.BalancerURL, nil)
	if err != nil {
		return fmt.Errorf("dial balancer: %w", err)
	}
	conn := protocol.NewConn(ws)
	defer conn.Close()
	defer func() {
		if n := a.runner.InFlight(); n > 0 {
			a.logger.Warn().Int("in_flight", n).Msg("canceling requests of closed session")
		}
		a.runner.CancelAll()
	}()

	if err := conn.Send(protocol.RegisterAgent(a.id, a.cfg.Name, a.status.Snapshot())); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.logger.Info().Str("balancer", a.cfg.BalancerURL).Msg("registered with balancer")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.reportStatus(gctx, conn) })
	g.Go(func() error { return a.serve(conn) })
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			_ = conn.Send(protocol.DeregisterAgent())
		}
		return conn.Close()
	})
	return g.Wait()
}

// reportStatus sends a status update on every change and at least once per
// StatusInterval.
func (a *Agent) reportStatus(ctx context.Context, conn *protocol.Conn) error {
	ticker := time.NewTicker(a.cfg.StatusInterval)
	defer ticker.Stop()
	var sent int32 = -1
	for {
		changed := a.status.Changed()
		snap := a.status.Snapshot()
		if snap.Version != sent {
			if err := conn.Send(protocol.UpdateAgentStatus(snap)); err != nil {
				return err
			}
			sent = snap.Version
		}
		select {
		case <-changed:
		case <-ticker.C:
			sent = -1
		case <-ctx.Done():
			return nil
		}
	}
}

// serve reads messages until the connection fails.
func (a *Agent) serve(conn *protocol.Conn) error {
	for {
		m, err := conn.Receive()
		if protocol.IsMalformed(err) {
			a.logger.Warn().Err(err).Msg("malformed message from balancer")
			_ = conn.Send(protocol.ErrorMessage("", protocol.CodeBadRequest, "malformed message"))
			continue
		}
		if err != nil {
			return err
		}
		a.dispatch(conn, m)
	}
}

func (a *Agent) dispatch(conn *protocol.Conn, m protocol.Message) {
	switch m.Kind {
	case protocol.KindNotification:
		n := m.Notification
		switch n.Kind {
		case protocol.NotifyVersion:
			a.logger.Info().Str("balancer_version", n.Version.Version).Msg("balancer version")
			if a.cfg.Version != "" && n.Version.Version != a.cfg.Version {
				a.logger.Warn().Str("agent_version", a.cfg.Version).Str("balancer_version", n.Version.Version).Msg("version mismatch")
			}
		case protocol.NotifySetState:
			if n.SetState.DesiredState == nil {
				return
			}
			if err := n.SetState.DesiredState.Validate(); err != nil {
				_ = conn.Send(protocol.ErrorMessage("", protocol.CodeBadRequest, err.Error()))
				return
			}
			ds := *n.SetState.DesiredState
			// Re-registration replays the current state; reload only after a failure.
			if a.desired != nil && *a.desired == ds && a.reconciler.Phase() != reconcile.PhaseFailed {
				return
			}
			a.desired = &ds
			a.reconciler.SetDesiredState(ds)
		case protocol.NotifyStopGeneration:
			a.runner.Stop(n.StopGeneration.RequestID)
		default:
			_ = conn.Send(protocol.ErrorMessage("", protocol.CodeBadRequest, "unexpected notification "+string(n.Kind)))
		}
	case protocol.KindRequest:
		req := m.Request
		err := a.runner.Submit(req.ID, req.GenerateTokens.Prompt, req.GenerateTokens.MaxTokens, conn.Send)
		switch {
		case err == nil:
		case slots.IsNoIdleSlot(err):
			_ = conn.Send(protocol.ErrorMessage(req.ID, protocol.CodeUnavailable, "no idle slot"))
		default:
			a.logger.Error().Err(err).Str("request_id", req.ID).Msg("request not accepted")
			_ = conn.Send(protocol.ErrorMessage(req.ID, protocol.CodeInternal, ""))
		}
	case protocol.KindError:
		a.logger.Warn().Err(m.Error.AsError()).Str("request_id", m.Error.RequestID).Msg("balancer reported an error")
	case protocol.KindResponse:
		_ = conn.Send(protocol.ErrorMessage(m.Response.RequestID, protocol.CodeBadRequest, "agents do not accept responses"))
	}
}
