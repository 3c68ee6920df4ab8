// Package pool keeps the registry of connected agents and picks the agent a
// new request should go to.
package pool

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"balancerd/internal/common/notify"
	"balancerd/internal/slots"
	"balancerd/pkg/types"
)

// ErrAgentAlreadyRegistered indicates an agent with the same ID is already registered.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// maxClaimAttempts bounds re-ranking when a chosen agent loses its last idle
// slot between ranking and claiming.
const maxClaimAttempts = 8

// Entry is one registered agent.
type Entry struct {
	ID     string
	Name   string
	Status *slots.Status

	seq  uint64
	stop chan struct{}
}

// Snapshot returns the read view of the entry.
func (e *Entry) Snapshot() types.AgentControllerSnapshot {
	return types.AgentControllerSnapshot{ID: e.ID, Name: e.Name, SlotSnapshot: e.Status.Snapshot()}
}

// Pool maps agent ids to their live status. Reads and writes go through a
// concurrent map; no lock guards the whole pool.
type Pool struct {
	agents  sync.Map // string -> *Entry
	seq     atomic.Uint64
	size    atomic.Int32
	changed notify.Notifier
	logger  zerolog.Logger
}

// New creates an empty pool.
func New(logger zerolog.Logger) *Pool {
	return &Pool{logger: logger.With().Str("component", "pool").Logger()}
}

// Register adds an agent. Status changes of a registered agent fire Changed.
func (p *Pool) Register(id, name string, status *slots.Status) (*Entry, error) {
	e := &Entry{ID: id, Name: name, Status: status, seq: p.seq.Add(1), stop: make(chan struct{})}
	if _, loaded := p.agents.LoadOrStore(id, e); loaded {
		return nil, ErrAgentAlreadyRegistered
	}
	total := p.size.Add(1)
	go p.forward(e, status.Changed())
	p.logger.Info().Str("agent_id", id).Str("name", name).Int32("total_agents", total).Msg("agent registered")
	p.changed.Notify()
	return e, nil
}

// forward relays status changes of e to the pool notifier until deregistration.
func (p *Pool) forward(e *Entry, ch <-chan struct{}) {
	for {
		select {
		case <-ch:
			ch = e.Status.Changed()
			p.changed.Notify()
		case <-e.stop:
			return
		}
	}
}

// Deregister removes an agent. Unknown ids are ignored.
func (p *Pool) Deregister(id string) {
	v, ok := p.agents.LoadAndDelete(id)
	if !ok {
		return
	}
	e := v.(*Entry)
	close(e.stop)
	total := p.size.Add(-1)
	p.logger.Info().Str("agent_id", id).Str("name", e.Name).Int32("total_agents", total).Msg("agent deregistered")
	p.changed.Notify()
}

// Get looks up a registered agent.
func (p *Pool) Get(id string) (*Entry, bool) {
	v, ok := p.agents.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Len returns the number of registered agents.
func (p *Pool) Len() int { return int(p.size.Load()) }

// Changed returns a channel closed on the next registration change or
// status mutation of any registered agent.
func (p *Pool) Changed() <-chan struct{} { return p.changed.Wait() }

type candidate struct {
	entry *Entry
	snap  types.SlotSnapshot
}

// eligible reports whether an agent may receive a new request.
func eligible(s types.SlotSnapshot) bool {
	if s.SlotsIdle <= 0 {
		return false
	}
	for _, i := range s.Issues {
		if i.IsBlocking() {
			return false
		}
	}
	return true
}

// better ranks a above b: most idle, then fewest processing, then earliest
// registration.
func better(a, b candidate) bool {
	if a.snap.SlotsIdle != b.snap.SlotsIdle {
		return a.snap.SlotsIdle > b.snap.SlotsIdle
	}
	if a.snap.SlotsProcessing != b.snap.SlotsProcessing {
		return a.snap.SlotsProcessing < b.snap.SlotsProcessing
	}
	return a.entry.seq < b.entry.seq
}

// BestCandidate returns the eligible agent with the most idle slots. Each
// agent is compared on its own snapshot, so the view may be slightly stale.
func (p *Pool) BestCandidate() (*Entry, bool) {
	var best *candidate
	p.agents.Range(func(_, v any) bool {
		e := v.(*Entry)
		c := candidate{entry: e, snap: e.Status.Snapshot()}
		if !eligible(c.snap) {
			return true
		}
		if best == nil || better(c, *best) {
			best = &c
		}
		return true
	})
	if best == nil {
		return nil, false
	}
	return best.entry, true
}

// TakeBestSlot claims a slot on the best candidate. The caller must Release
// the claim.
func (p *Pool) TakeBestSlot() (*Entry, *slots.Claim, bool) {
	for i := 0; i < maxClaimAttempts; i++ {
		e, ok := p.BestCandidate()
		if !ok {
			return nil, nil, false
		}
		claim, err := e.Status.Claim()
		if err == nil {
			return e, claim, true
		}
		if !slots.IsNoIdleSlot(err) {
			p.logger.Error().Err(err).Str("agent_id", e.ID).Msg("claim failed")
			return nil, nil, false
		}
	}
	return nil, nil, false
}

// SnapshotAll returns a snapshot of every agent ordered by id.
func (p *Pool) SnapshotAll() []types.AgentControllerSnapshot {
	out := make([]types.AgentControllerSnapshot, 0, p.Len())
	p.agents.Range(func(_, v any) bool {
		out = append(out, v.(*Entry).Snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Totals sums idle and processing slots across all agents.
func (p *Pool) Totals() (idle, processing int32) {
	p.agents.Range(func(_, v any) bool {
		s := v.(*Entry).Status.Snapshot()
		idle += s.SlotsIdle
		processing += s.SlotsProcessing
		return true
	})
	return idle, processing
}
