// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/punchline/internal/model"
	"github.com/ManuGH/punchline/internal/store"
)

func usageCount(t *testing.T, f *engineFixture, modelID string, rt model.RequestType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		n, err = tx.CountUsage(1, modelID, 0, rt)
		return err
	}))
	return n
}

func TestBootstrapFillsSamplesForEveryModel(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{BootstrapConcurrency: 2})

	require.NoError(t, f.e.RunProjectionBootstrap(context.Background()))

	// Each model is filled only for the roles it can serve.
	require.Equal(t, int64(model.BootstrapMinSamples), usageCount(t, f, "p", model.RequestPrompt))
	require.Zero(t, usageCount(t, f, "p", model.RequestAnswer))
	require.Zero(t, usageCount(t, f, "p", model.RequestVote))
	for _, id := range []string{"a", "b"} {
		require.Zero(t, usageCount(t, f, id, model.RequestPrompt), id)
		require.Equal(t, int64(model.BootstrapMinSamples), usageCount(t, f, id, model.RequestAnswer), id)
	}
	require.Equal(t, int64(model.BootstrapMinSamples), usageCount(t, f, "v", model.RequestVote))
	require.Zero(t, usageCount(t, f, "v", model.RequestAnswer))

	state := f.state(t)
	require.Empty(t, state.BootstrapRunID)
	require.Zero(t, state.BootstrapStartedAt)
}

func TestBootstrapTopsUpExistingSamples(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	now := f.clock.Now().UnixMilli()
	require.NoError(t, f.store.Update(context.Background(), func(tx store.Tx) error {
		for i := 0; i < 3; i++ {
			if err := tx.AppendUsage(&model.LlmUsageEvent{
				Generation: 1, ModelID: "p", RequestType: model.RequestPrompt,
				Origin: "runtime", StartedAt: now, FinishedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, f.e.RunProjectionBootstrap(context.Background()))

	require.Equal(t, int64(model.BootstrapMinSamples), usageCount(t, f, "p", model.RequestPrompt))
	require.Equal(t, 2, f.gen.callCount("prompt:p"))
}

func TestBootstrapSkipsWhenRunInProgress(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	require.NoError(t, f.store.Update(context.Background(), func(tx store.Tx) error {
		state, err := tx.State()
		if err != nil {
			return err
		}
		state.BootstrapRunID = "other-run"
		state.BootstrapStartedAt = f.clock.Now().UnixMilli()
		return tx.PutState(state)
	}))

	require.NoError(t, f.e.RunProjectionBootstrap(context.Background()))
	require.Zero(t, f.gen.callCount("prompt:p"))
	require.Equal(t, "other-run", f.state(t).BootstrapRunID)
}

func TestBootstrapTakesOverStaleRun(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	stale := f.clock.Now().UnixMilli() - model.BootstrapStaleAfter.Milliseconds() - time.Minute.Milliseconds()
	require.NoError(t, f.store.Update(context.Background(), func(tx store.Tx) error {
		state, err := tx.State()
		if err != nil {
			return err
		}
		state.BootstrapRunID = "abandoned-run"
		state.BootstrapStartedAt = stale
		return tx.PutState(state)
	}))

	require.NoError(t, f.e.RunProjectionBootstrap(context.Background()))
	require.Equal(t, int64(model.BootstrapMinSamples), usageCount(t, f, "p", model.RequestPrompt))
	require.Empty(t, f.state(t).BootstrapRunID)
}

func TestBootstrapErrorCallsDoNotCount(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	calls := 0
	f.gen.prompt = func(m model.Model) (string, error) {
		if m.ID != "p" {
			return "a perfectly serviceable prompt", nil
		}
		calls++
		if calls <= 2 {
			return "", errors.New("flaky provider")
		}
		return "a perfectly serviceable prompt", nil
	}

	require.NoError(t, f.e.RunProjectionBootstrap(context.Background()))

	// Five good samples despite two failures; the failed calls are
	// persisted as error events and excluded from the count.
	require.Equal(t, int64(model.BootstrapMinSamples), usageCount(t, f, "p", model.RequestPrompt))
	require.Equal(t, model.BootstrapMinSamples+2, f.gen.callCount("prompt:p"))
}

func TestBootstrapGivesUpAfterMaxAttempts(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	f.gen.prompt = func(m model.Model) (string, error) {
		if m.ID == "p" {
			return "", errors.New("permanently down")
		}
		return "a perfectly serviceable prompt", nil
	}

	err := f.e.RunProjectionBootstrap(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "p")
	require.Equal(t, model.BootstrapMaxAttempts, f.gen.callCount("prompt:p"))

	// Ownership is still released on failure.
	require.Empty(t, f.state(t).BootstrapRunID)
}
