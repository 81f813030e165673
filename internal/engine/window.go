// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"context"

	"github.com/ManuGH/punchline/internal/log"
	"github.com/ManuGH/punchline/internal/model"
	"github.com/ManuGH/punchline/internal/store"
)

// MaybeShortenVotingWindow pulls the viewer-vote deadline in to the
// active window once viewers are present. One-shot idle-to-active
// transition; the deadline is never lengthened.
func (e *Engine) MaybeShortenVotingWindow(ctx context.Context) {
	now := e.clock.Now().UnixMilli()
	shortened := false
	var roundID string
	err := e.mutate(ctx, "shorten_voting_window", func(tx store.Tx) error {
		shortened = false
		state, err := tx.State()
		if err != nil {
			return err
		}
		if state == nil || state.ActiveRoundID == "" {
			return nil
		}
		round, err := tx.GetRound(state.ActiveRoundID)
		if err != nil {
			return err
		}
		if round == nil || round.Phase != model.PhaseVoting {
			return nil
		}
		if round.ViewerVotingEndsAt-now <= model.ViewerVoteWindowActive.Milliseconds() {
			return nil
		}
		total, err := tx.ShardTotal()
		if err != nil {
			return err
		}
		if total <= 0 {
			return nil
		}
		round.ViewerVotingEndsAt = now + model.ViewerVoteWindowActive.Milliseconds()
		round.ViewerVotingMode = model.VotingActive
		round.UpdatedAt = now
		roundID = round.ID
		shortened = true
		return tx.PutRound(round)
	})
	if err != nil {
		e.logger.Error().Err(err).
			Str("event", "engine.window_shorten_failed").
			Msg("voting window shorten failed")
		return
	}
	if shortened {
		e.logger.Info().
			Str("event", "engine.window_shortened").
			Str(log.FieldRoundID, roundID).
			Msg("viewer arrived, voting window shortened")
	}
}
