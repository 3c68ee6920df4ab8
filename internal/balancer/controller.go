package balancer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"balancerd/internal/protocol"
	"balancerd/internal/slots"
)

// responseBuffer bounds tokens queued per request. When full the connection
// reader waits, so a slow client stalls its agent rather than losing tokens.
const responseBuffer = 64

// AgentConn is the control channel to one agent.
type AgentConn interface {
	Send(protocol.Message) error
	Receive() (protocol.Message, error)
	Close() error
}

type pendingRequest struct {
	ch   chan protocol.Message
	done chan struct{}
}

// AgentController is the balancer's handle on one connected agent. It
// correlates generation requests with the responses read off the connection.
type AgentController struct {
	ID     string
	Name   string
	Status *slots.Status

	conn         AgentConn
	tokenTimeout time.Duration
	logger       zerolog.Logger

	mu        sync.Mutex
	pending   map[string]*pendingRequest
	closed    chan struct{}
	closeOnce sync.Once
}

func newAgentController(id, name string, conn AgentConn, status *slots.Status, tokenTimeout time.Duration, logger zerolog.Logger) *AgentController {
	return &AgentController{
		ID:           id,
		Name:         name,
		Status:       status,
		conn:         conn,
		tokenTimeout: tokenTimeout,
		logger:       logger,
		pending:      make(map[string]*pendingRequest),
		closed:       make(chan struct{}),
	}
}

// Send writes a message to the agent.
func (c *AgentController) Send(m protocol.Message) error { return c.conn.Send(m) }

func (c *AgentController) open(id string) *pendingRequest {
	p := &pendingRequest{ch: make(chan protocol.Message, responseBuffer), done: make(chan struct{})}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	return p
}

func (c *AgentController) finish(id string) {
	c.mu.Lock()
	if p, ok := c.pending[id]; ok {
		close(p.done)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// deliver routes a response or error to the waiting request. It blocks while
// the request's buffer is full.
func (c *AgentController) deliver(requestID string, m protocol.Message) {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Str("request_id", requestID).Msg("response for unknown request dropped")
		return
	}
	select {
	case p.ch <- m:
	case <-p.done:
	case <-c.closed:
	}
}

// close fails every in-flight request with ErrAgentDisconnected.
func (c *AgentController) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// InFlight returns the number of requests awaiting responses.
func (c *AgentController) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *AgentController) stop(id string) {
	if err := c.conn.Send(protocol.StopGeneration(id)); err != nil {
		c.logger.Debug().Err(err).Str("request_id", id).Msg("stop generation not sent")
	}
}

// Generate asks the agent for tokens and calls onToken for each one in order.
// Each wait for the next token, the first included, is bounded by the token
// timeout. If the caller gives up the agent is told to stop.
func (c *AgentController) Generate(ctx context.Context, prompt string, maxTokens int, onToken func(string) error) error {
	select {
	case <-c.closed:
		return ErrAgentDisconnected
	default:
	}
	id := uuid.NewString()
	p := c.open(id)
	defer c.finish(id)
	if err := c.conn.Send(protocol.GenerateTokens(id, maxTokens, prompt)); err != nil {
		return err
	}

	var timeout <-chan time.Time
	var timer *time.Timer
	if c.tokenTimeout > 0 {
		timer = time.NewTimer(c.tokenTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		select {
		case m := <-p.ch:
			if m.Kind == protocol.KindError {
				return m.Error.AsError()
			}
			switch m.Response.Kind {
			case protocol.ResponseGeneratedToken:
				if err := onToken(m.Response.Token); err != nil {
					c.stop(id)
					return err
				}
				if timer != nil {
					timer.Reset(c.tokenTimeout)
				}
			case protocol.ResponseDone:
				return nil
			case protocol.ResponseChatTemplateError:
				return &ChatTemplateError{Reason: m.Response.Reason}
			}
		case <-timeout:
			c.stop(id)
			return ErrTokenTimeout
		case <-ctx.Done():
			c.stop(id)
			return ctx.Err()
		case <-c.closed:
			return ErrAgentDisconnected
		}
	}
}
