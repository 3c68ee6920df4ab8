package balancer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"balancerd/internal/fleet"
	"balancerd/internal/protocol"
	"balancerd/pkg/types"
)

const desiredStateKey = "balancer_desired_state"

// LoadDesiredState restores the fleet desired state from the store.
func (b *Balancer) LoadDesiredState(ctx context.Context) error {
	doc, err := b.store.Get(ctx, desiredStateKey)
	if errors.Is(err, fleet.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading desired state: %w", err)
	}
	var ds types.DesiredState
	if err := json.Unmarshal(doc, &ds); err != nil {
		return fmt.Errorf("decoding desired state: %w", err)
	}
	b.desiredMu.Lock()
	b.desired = &ds
	b.desiredMu.Unlock()
	return nil
}

// DesiredState returns the current fleet desired state, nil if unset.
func (b *Balancer) DesiredState() *types.DesiredState {
	b.desiredMu.Lock()
	defer b.desiredMu.Unlock()
	if b.desired == nil {
		return nil
	}
	ds := *b.desired
	return &ds
}

// SetDesiredState validates, persists and pushes a new desired state to every
// connected agent.
func (b *Balancer) SetDesiredState(ctx context.Context, ds types.DesiredState) error {
	if err := ds.Validate(); err != nil {
		return &InvalidDesiredStateError{Err: err}
	}
	doc, err := json.Marshal(ds)
	if err != nil {
		return err
	}
	b.desiredMu.Lock()
	defer b.desiredMu.Unlock()
	if err := b.store.Put(ctx, desiredStateKey, doc); err != nil {
		return fmt.Errorf("storing desired state: %w", err)
	}
	b.desired = &ds
	msg := protocol.SetState(&ds)
	b.controllers.Range(func(_, v any) bool {
		ctrl := v.(*AgentController)
		if err := ctrl.Send(msg); err != nil {
			ctrl.logger.Warn().Err(err).Msg("desired state not sent")
		}
		return true
	})
	b.logger.Info().Str("model", ds.Model.String()).Int("slots", ds.Slots).Msg("desired state updated")
	return nil
}

// InvalidDesiredStateError wraps a validation failure (return 400).
type InvalidDesiredStateError struct{ Err error }

func (e *InvalidDesiredStateError) Error() string { return "invalid desired state: " + e.Err.Error() }
func (e *InvalidDesiredStateError) Unwrap() error { return e.Err }
