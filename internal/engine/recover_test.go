// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/punchline/internal/model"
	"github.com/ManuGH/punchline/internal/store"
)

// seedActiveRound installs a round and points the engine state at it.
func (f *engineFixture) seedActiveRound(t *testing.T, round *model.Round) {
	t.Helper()
	require.NoError(t, f.store.Update(context.Background(), func(tx store.Tx) error {
		state, err := tx.State()
		if err != nil {
			return err
		}
		if round != nil {
			round.Generation = state.Generation
			if err := tx.PutRound(round); err != nil {
				return err
			}
			state.ActiveRoundID = round.ID
		}
		return tx.PutState(state)
	}))
}

func contestantPair() [2]model.Model {
	return [2]model.Model{
		{ID: "a", Name: "Alpha", Enabled: true},
		{ID: "b", Name: "Beta", Enabled: true},
	}
}

func TestRecoverMissingRound(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	require.NoError(t, f.store.Update(context.Background(), func(tx store.Tx) error {
		state, err := tx.State()
		if err != nil {
			return err
		}
		state.ActiveRoundID = "ghost"
		return tx.PutState(state)
	}))

	recovered, reason, err := f.e.recoverStaleActiveRound(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, recovered)
	require.Equal(t, "missing_round", reason)
	require.Empty(t, f.state(t).ActiveRoundID)
}

func TestRecoverDoneButActive(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	f.seedActiveRound(t, &model.Round{
		ID:    "r-done",
		Num:   1,
		Phase: model.PhaseDone,
	})

	recovered, reason, err := f.e.recoverStaleActiveRound(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, recovered)
	require.Equal(t, "done_but_active", reason)

	state := f.state(t)
	require.Empty(t, state.ActiveRoundID)
	require.Equal(t, "r-done", state.LastCompletedRoundID)
}

func TestRecoverFreshPromptIsLeftAlone(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	now := f.clock.Now().UnixMilli()
	f.seedActiveRound(t, &model.Round{
		ID:         "r-fresh",
		Num:        1,
		Phase:      model.PhasePrompting,
		PromptTask: model.Task{StartedAt: now - time.Minute.Milliseconds()},
	})

	recovered, _, err := f.e.recoverStaleActiveRound(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, recovered)
	require.Equal(t, "r-fresh", f.state(t).ActiveRoundID)
}

func TestRecoverStalePrompt(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	now := f.clock.Now().UnixMilli()
	f.seedActiveRound(t, &model.Round{
		ID:         "r-stale",
		Num:        1,
		Phase:      model.PhasePrompting,
		PromptTask: model.Task{StartedAt: now - model.PromptStaleAfter().Milliseconds() - 1000},
	})

	recovered, reason, err := f.e.recoverStaleActiveRound(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, recovered)
	require.Equal(t, "prompt_stale", reason)

	var round *model.Round
	require.NoError(t, f.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		round, err = tx.GetRound("r-stale")
		return err
	}))
	require.Equal(t, model.PhaseDone, round.Phase)
	require.True(t, round.Skipped)
	require.Equal(t, model.SkipPromptError, round.SkipType)
	require.Equal(t, "Falha ao gerar prompt: fase travada", round.SkipReason)

	state := f.state(t)
	require.Empty(t, state.ActiveRoundID)
	require.Equal(t, int64(2), state.NextRoundNum)
	require.Zero(t, state.CompletedRounds)
}

func TestRecoverStaleAnswers(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	now := f.clock.Now().UnixMilli()
	started := now - model.AnswerStaleAfter().Milliseconds() - 1000
	pair := contestantPair()
	f.seedActiveRound(t, &model.Round{
		ID:          "r-ans",
		Num:         1,
		Phase:       model.PhaseAnswering,
		Contestants: pair,
		AnswerTasks: [2]model.Task{
			{Model: pair[0], StartedAt: started, FinishedAt: started + 500, Result: "done in time"},
			{Model: pair[1], StartedAt: started},
		},
	})

	recovered, reason, err := f.e.recoverStaleActiveRound(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, recovered)
	require.Equal(t, "answer_stale", reason)

	var round *model.Round
	require.NoError(t, f.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		round, err = tx.GetRound("r-ans")
		return err
	}))
	require.True(t, round.Skipped)
	require.Equal(t, model.SkipAnswerError, round.SkipType)
	require.Equal(t, "Beta: Tempo esgotado", round.SkipReason)
	// The finished contestant's result is untouched.
	require.Equal(t, "done in time", round.AnswerTasks[0].Result)
	require.Equal(t, "[no answer]", round.AnswerTasks[1].Result)
	require.Equal(t, "Tempo esgotado", round.AnswerTasks[1].Error)
}

func TestRecoverVotingWindowStillOpen(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	now := f.clock.Now().UnixMilli()
	pair := contestantPair()
	f.seedActiveRound(t, &model.Round{
		ID:          "r-vote",
		Num:         1,
		Phase:       model.PhaseVoting,
		Contestants: pair,
		Votes: []model.Vote{
			{Voter: model.Model{ID: "v"}, StartedAt: now - 5000},
		},
		ViewerVotingEndsAt: now + time.Minute.Milliseconds(),
	})

	recovered, _, err := f.e.recoverStaleActiveRound(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, recovered)
	require.Equal(t, "r-vote", f.state(t).ActiveRoundID)
}

func TestRecoverVotingWindowClosedFinalizes(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	now := f.clock.Now().UnixMilli()
	pair := contestantPair()
	f.seedActiveRound(t, &model.Round{
		ID:          "r-closed",
		Num:         1,
		Phase:       model.PhaseVoting,
		Contestants: pair,
		Votes: []model.Vote{
			{Voter: model.Model{ID: "v"}, StartedAt: now - 10_000, FinishedAt: now - 9000, VotedForSide: model.SideB},
			// Stale straggler: older than the vote-stale threshold.
			{Voter: model.Model{ID: "v2"}, StartedAt: now - model.VoteStaleAfter().Milliseconds() - 1000},
		},
		ViewerVotingEndsAt: now - 1,
	})
	require.NoError(t, f.store.Update(context.Background(), func(tx store.Tx) error {
		if err := tx.AddVoteTally(1, "r-closed", model.SideA, 3, 2); err != nil {
			return err
		}
		return tx.AddVoteTally(1, "r-closed", model.SideB, 7, 1)
	}))

	recovered, reason, err := f.e.recoverStaleActiveRound(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, recovered)
	require.Equal(t, "voting_window_closed", reason)

	var round *model.Round
	require.NoError(t, f.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		round, err = tx.GetRound("r-closed")
		return err
	}))
	require.Equal(t, model.PhaseDone, round.Phase)
	// Only the completed vote scores; the stale one was voided.
	require.Zero(t, round.ScoreA)
	require.Equal(t, int64(100), round.ScoreB)
	require.True(t, round.Votes[1].Error)
	require.Equal(t, int64(2), round.ViewerVotesA)
	require.Equal(t, int64(1), round.ViewerVotesB)

	state := f.state(t)
	require.Empty(t, state.ActiveRoundID)
	require.Equal(t, int64(1), state.CompletedRounds)
	require.Equal(t, int64(1), state.Scores["Beta"])
	require.Equal(t, int64(1), state.HumanScores["Alpha"])
	require.Equal(t, int64(2), state.HumanVoteTotals["Alpha"])
	require.Equal(t, int64(1), state.HumanVoteTotals["Beta"])
}

// Recovery on a generation that no longer matches is a no-op.
func TestRecoverIgnoresStaleGeneration(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	f.seedActiveRound(t, &model.Round{ID: "r-old", Num: 1, Phase: model.PhaseDone})

	recovered, _, err := f.e.recoverStaleActiveRound(context.Background(), 99)
	require.NoError(t, err)
	require.False(t, recovered)
	require.Equal(t, "r-old", f.state(t).ActiveRoundID)
}
