// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ManuGH/punchline/internal/log"
	"github.com/ManuGH/punchline/internal/metrics"
	"github.com/ManuGH/punchline/internal/model"
	"github.com/ManuGH/punchline/internal/store"
)

// acquireLeaseIfVacant claims the runner lease when no valid lease
// exists. Returns the new lease id on success.
func (e *Engine) acquireLeaseIfVacant(ctx context.Context) (string, bool, error) {
	leaseID := uuid.NewString()
	now := e.clock.Now().UnixMilli()
	acquired := false
	err := e.mutate(ctx, "lease_acquire", func(tx store.Tx) error {
		state, err := getOrCreateState(tx)
		if err != nil {
			return err
		}
		acquired = false
		if !state.LeaseVacant(now) {
			return nil
		}
		state.RunnerLeaseID = leaseID
		state.RunnerLeaseUntil = now + model.RunnerLeaseDuration.Milliseconds()
		if err := tx.PutState(state); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil || !acquired {
		return "", false, err
	}
	e.logger.Info().
		Str("event", "engine.lease_acquired").
		Str(log.FieldLeaseID, leaseID).
		Msg("runner lease acquired")
	return leaseID, true, nil
}

// renewLease extends the lease if we still hold it. A conflict falls
// back to validation; lease loss is reported, not an error.
func (e *Engine) renewLease(ctx context.Context, leaseID string) (bool, error) {
	now := e.clock.Now().UnixMilli()
	held := false
	err := e.store.Update(ctx, func(tx store.Tx) error {
		state, err := tx.State()
		if err != nil {
			return err
		}
		if state == nil || state.RunnerLeaseID != leaseID {
			return nil
		}
		state.RunnerLeaseUntil = now + model.RunnerLeaseDuration.Milliseconds()
		if err := tx.PutState(state); err != nil {
			return err
		}
		held = true
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		metrics.StoreConflictsTotal.WithLabelValues("lease_renew").Inc()
		return e.validateLease(ctx, leaseID)
	}
	if err != nil {
		return false, err
	}
	if !held {
		metrics.LeaseLostTotal.Inc()
	}
	return held, nil
}

// validateLease reports whether the lease is currently ours.
func (e *Engine) validateLease(ctx context.Context, leaseID string) (bool, error) {
	now := e.clock.Now().UnixMilli()
	held := false
	err := e.store.View(ctx, func(tx store.Tx) error {
		state, err := tx.State()
		if err != nil {
			return err
		}
		held = state != nil && state.LeaseHeld(leaseID, now)
		return nil
	})
	return held, err
}

// getOrCreateState lazily creates the singleton inside a transaction.
func getOrCreateState(tx store.Tx) (*model.EngineState, error) {
	state, err := tx.State()
	if err != nil {
		return nil, err
	}
	if state != nil {
		return state, nil
	}
	state = model.NewEngineState()
	if err := tx.PutState(state); err != nil {
		return nil, err
	}
	return state, nil
}
