// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/punchline/internal/model"
	"github.com/ManuGH/punchline/internal/store"
)

func TestPauseResumeRoundTrip(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})

	require.NoError(t, f.e.Pause(context.Background()))
	require.True(t, f.state(t).IsPaused)

	// Pause is idempotent.
	require.NoError(t, f.e.Pause(context.Background()))

	require.NoError(t, f.e.Resume(context.Background()))
	state := f.state(t)
	require.False(t, state.IsPaused)
	require.False(t, state.Done)
}

func TestResumeClearsDone(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	require.NoError(t, f.store.Update(context.Background(), func(tx store.Tx) error {
		state, err := tx.State()
		if err != nil {
			return err
		}
		state.Done = true
		return tx.PutState(state)
	}))

	require.NoError(t, f.e.Resume(context.Background()))
	require.False(t, f.state(t).Done)
}

func TestResetBumpsGenerationAndPurges(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	ctx := context.Background()
	now := f.clock.Now().UnixMilli()

	// Populate generation 1 with more rows than one purge batch holds.
	require.NoError(t, f.store.Update(ctx, func(tx store.Tx) error {
		for i := 0; i < model.PurgeBatch+10; i++ {
			round := &model.Round{
				ID:         fmt.Sprintf("r-%04d", i),
				Generation: 1,
				Num:        int64(i + 1),
				Phase:      model.PhaseDone,
			}
			if err := tx.PutRound(round); err != nil {
				return err
			}
		}
		for i := 0; i < 20; i++ {
			vid := fmt.Sprintf("viewer-%d", i)
			if err := tx.PutViewerVote(&model.ViewerVote{
				Generation: 1, RoundID: "r-0001", ViewerID: vid,
				Side: model.SideA, Shard: store.ShardFor(vid),
			}); err != nil {
				return err
			}
			if err := tx.PutPresence(&model.ViewerPresence{
				ViewerID: vid, ExpiresAt: now + time.Hour.Milliseconds(),
				CountShard: store.ShardFor(vid), LastSeenAt: now,
			}); err != nil {
				return err
			}
			if err := tx.AddShardCount(store.ShardFor(vid), 1); err != nil {
				return err
			}
		}
		if err := tx.AddVoteTally(1, "r-0001", model.SideA, 0, 5); err != nil {
			return err
		}
		if err := tx.AppendUsage(&model.LlmUsageEvent{
			Generation: 1, ModelID: "a", RequestType: model.RequestAnswer,
			Origin: "runtime", StartedAt: now, FinishedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.PutProgress(&model.LiveReasoningProgress{
			Generation: 1, RoundID: "r-0001",
			RequestType: model.RequestAnswer, AnswerIndex: 0, ModelID: "a",
		}); err != nil {
			return err
		}
		state, err := tx.State()
		if err != nil {
			return err
		}
		state.Scores = map[string]int64{"Alpha": 3}
		state.CompletedRounds = 7
		state.NextRoundNum = 8
		state.Done = true
		return tx.PutState(state)
	}))

	require.NoError(t, f.e.Reset(ctx))

	state := f.state(t)
	require.Equal(t, int64(2), state.Generation)
	require.True(t, state.IsPaused)
	require.False(t, state.Done)
	require.Zero(t, state.CompletedRounds)
	require.Equal(t, int64(1), state.NextRoundNum)
	require.Empty(t, state.Scores)
	require.Empty(t, state.RunnerLeaseID)
	require.Empty(t, state.BootstrapRunID)

	// Presence and shard counts drop synchronously.
	require.NoError(t, f.store.View(ctx, func(tx store.Tx) error {
		total, err := tx.ShardTotal()
		require.NoError(t, err)
		require.Zero(t, total)
		p, err := tx.GetPresence("viewer-0")
		require.NoError(t, err)
		require.Nil(t, p)
		return nil
	}))

	// The async purge drains every generation-1 table.
	require.Eventually(t, func() bool {
		drained := false
		err := f.store.View(ctx, func(tx store.Tx) error {
			rounds, err := tx.ListRounds(1, 0)
			if err != nil {
				return err
			}
			vote, err := tx.GetViewerVote("r-0001", "viewer-0")
			if err != nil {
				return err
			}
			a, b, err := tx.VoteTallies("r-0001")
			if err != nil {
				return err
			}
			n, err := tx.CountUsage(1, "a", 0, model.RequestAnswer)
			if err != nil {
				return err
			}
			p, err := tx.GetProgress("r-0001", model.RequestAnswer, 0)
			if err != nil {
				return err
			}
			drained = len(rounds) == 0 && vote == nil && a == 0 && b == 0 && n == 0 && p == nil
			return nil
		})
		return err == nil && drained
	}, 5*time.Second, 5*time.Millisecond)
}

func TestResetInvalidatesOldLease(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	require.NoError(t, f.e.Reset(context.Background()))

	// The pre-reset driver observes a cleared lease and exits.
	_, cont := f.e.runOnce(context.Background(), f.leaseID)
	require.False(t, cont)
}
