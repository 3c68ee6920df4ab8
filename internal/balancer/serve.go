package balancer

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"

	"balancerd/internal/pool"
	"balancerd/internal/protocol"
	"balancerd/internal/slots"
)

var errExpectedRegistration = errors.New("first message must be register_agent")

// ServeAgent runs one agent connection until it closes or ctx ends. The
// first message must register the agent. On return the agent is removed from
// the pool, its status is reset and its in-flight requests fail.
func (b *Balancer) ServeAgent(ctx context.Context, conn AgentConn) error {
	defer conn.Close()

	first, err := conn.Receive()
	if err != nil {
		return err
	}
	if first.Kind != protocol.KindNotification || first.Notification.Kind != protocol.NotifyRegisterAgent {
		_ = conn.Send(protocol.ErrorMessage("", protocol.CodeBadRequest, errExpectedRegistration.Error()))
		return errExpectedRegistration
	}
	reg := first.Notification.RegisterAgent
	id := reg.AgentID
	if id == "" {
		id = uuid.NewString()
	}
	logger := b.logger.With().Str("agent_id", id).Str("name", reg.Name).Logger()

	mgr := slots.NewManager(reg.Status.DesiredSlotsTotal)
	handle, err := mgr.BindSlotStatus()
	if err != nil {
		return err
	}
	defer handle.Close()
	status := handle.Status()
	if err := b.applyReport(id, status.ApplyReport(reg.Status)); err != nil {
		_ = conn.Send(protocol.ErrorMessage("", protocol.CodeBadRequest, err.Error()))
		return err
	}

	ctrl := newAgentController(id, reg.Name, conn, status, b.cfg.InferenceTokenTimeout, logger)
	if err := b.register(ctrl); err != nil {
		_ = conn.Send(protocol.ErrorMessage("", protocol.CodeBadRequest, err.Error()))
		return err
	}
	// Leave the pool before dropping the controller so no new claim lands
	// on an entry without one.
	defer func() {
		b.pool.Deregister(id)
		b.controllers.CompareAndDelete(id, ctrl)
		ctrl.close()
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		m, err := conn.Receive()
		if protocol.IsMalformed(err) {
			logger.Warn().Err(err).Msg("malformed message from agent")
			_ = conn.Send(protocol.ErrorMessage("", protocol.CodeBadRequest, "malformed message"))
			continue
		}
		if err != nil {
			if ctx.Err() != nil || protocol.IsClosed(err) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if b.handleAgentMessage(ctrl, m) {
			return nil
		}
	}
}

// register adds the controller to the pool and sends it the handshake. The
// controller is stored before the pool entry becomes claimable.
func (b *Balancer) register(ctrl *AgentController) error {
	b.desiredMu.Lock()
	defer b.desiredMu.Unlock()
	if _, loaded := b.controllers.LoadOrStore(ctrl.ID, ctrl); loaded {
		return pool.ErrAgentAlreadyRegistered
	}
	if _, err := b.pool.Register(ctrl.ID, ctrl.Name, ctrl.Status); err != nil {
		b.controllers.CompareAndDelete(ctrl.ID, ctrl)
		return err
	}
	if err := ctrl.Send(protocol.Version(b.cfg.Version)); err != nil {
		ctrl.logger.Warn().Err(err).Msg("version not sent")
	}
	if b.desired != nil {
		if err := ctrl.Send(protocol.SetState(b.desired)); err != nil {
			ctrl.logger.Warn().Err(err).Msg("desired state not sent")
		}
	}
	return nil
}

// handleAgentMessage processes one frame and reports whether the agent is leaving.
func (b *Balancer) handleAgentMessage(ctrl *AgentController, m protocol.Message) bool {
	switch m.Kind {
	case protocol.KindNotification:
		switch m.Notification.Kind {
		case protocol.NotifyUpdateAgentStatus:
			_ = b.applyReport(ctrl.ID, ctrl.Status.ApplyReport(m.Notification.UpdateAgentStatus.Status))
		case protocol.NotifyDeregisterAgent:
			ctrl.logger.Info().Msg("agent deregistering")
			return true
		case protocol.NotifyVersion:
			ctrl.logger.Info().Str("agent_version", m.Notification.Version.Version).Msg("agent version")
		default:
			_ = ctrl.Send(protocol.ErrorMessage("", protocol.CodeBadRequest, "unexpected notification "+string(m.Notification.Kind)))
		}
	case protocol.KindResponse:
		ctrl.deliver(m.Response.RequestID, m)
	case protocol.KindError:
		if m.Error.RequestID == "" {
			ctrl.logger.Warn().Err(m.Error.AsError()).Msg("agent reported an error")
			return false
		}
		ctrl.deliver(m.Error.RequestID, m)
	case protocol.KindRequest:
		_ = ctrl.Send(protocol.ErrorMessage(m.Request.ID, protocol.CodeBadRequest, "agents cannot send requests"))
	}
	return false
}

// applyReport logs the outcome of mirroring an agent report.
func (b *Balancer) applyReport(id string, err error) error {
	if errors.Is(err, slots.ErrSlotsInUse) {
		b.logger.Debug().Str("agent_id", id).Msg("slot shrink deferred until in-flight requests finish")
		return nil
	}
	if err != nil {
		b.logger.Warn().Err(err).Str("agent_id", id).Msg("status report rejected")
	}
	return err
}
