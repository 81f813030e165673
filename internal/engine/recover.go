// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"context"

	"github.com/ManuGH/punchline/internal/metrics"
	"github.com/ManuGH/punchline/internal/model"
	"github.com/ManuGH/punchline/internal/store"
)

// recoverStaleActiveRound inspects the active round and pushes hung
// phases forward. No I/O is interrupted; only persisted state moves.
func (e *Engine) recoverStaleActiveRound(ctx context.Context, gen int64) (bool, string, error) {
	now := e.clock.Now().UnixMilli()
	promptStale := model.PromptStaleAfter().Milliseconds()
	answerStale := model.AnswerStaleAfter().Milliseconds()
	voteStale := model.VoteStaleAfter().Milliseconds()

	recovered := false
	reason := ""
	err := e.mutate(ctx, "recover_stale_round", func(tx store.Tx) error {
		recovered, reason = false, ""
		state, err := tx.State()
		if err != nil {
			return err
		}
		if state == nil || state.Generation != gen || state.ActiveRoundID == "" {
			return nil
		}
		round, err := tx.GetRound(state.ActiveRoundID)
		if err != nil {
			return err
		}

		if round == nil {
			state.ActiveRoundID = ""
			if err := tx.PutState(state); err != nil {
				return err
			}
			recovered, reason = true, "missing_round"
			return nil
		}

		switch round.Phase {
		case model.PhaseDone:
			state.ActiveRoundID = ""
			state.LastCompletedRoundID = round.ID
			if err := tx.PutState(state); err != nil {
				return err
			}
			recovered, reason = true, "done_but_active"

		case model.PhasePrompting:
			if now-round.PromptTask.StartedAt <= promptStale {
				return nil
			}
			round.Phase = model.PhaseDone
			round.Skipped = true
			round.SkipType = model.SkipPromptError
			if round.SkipReason == "" {
				round.SkipReason = "Falha ao gerar prompt: fase travada"
			}
			round.CompletedAt = now
			round.UpdatedAt = now
			if err := tx.PutRound(round); err != nil {
				return err
			}
			state.ActiveRoundID = ""
			state.LastCompletedRoundID = round.ID
			state.NextRoundNum++
			if err := tx.PutState(state); err != nil {
				return err
			}
			recovered, reason = true, "prompt_stale"

		case model.PhaseAnswering:
			latest := round.AnswerTasks[0].StartedAt
			if round.AnswerTasks[1].StartedAt > latest {
				latest = round.AnswerTasks[1].StartedAt
			}
			if now-latest <= answerStale {
				return nil
			}
			for i := range round.AnswerTasks {
				if !round.AnswerTasks[i].Terminal() {
					round.AnswerTasks[i].FinishedAt = now
					round.AnswerTasks[i].Result = "[no answer]"
					round.AnswerTasks[i].Error = "Tempo esgotado"
				}
			}
			round.Phase = model.PhaseDone
			round.Skipped = true
			round.SkipType = model.SkipAnswerError
			if round.SkipReason == "" {
				round.SkipReason = staleAnswerReason(round)
			}
			round.CompletedAt = now
			round.UpdatedAt = now
			if err := tx.PutRound(round); err != nil {
				return err
			}
			state.ActiveRoundID = ""
			state.LastCompletedRoundID = round.ID
			state.NextRoundNum++
			if err := tx.PutState(state); err != nil {
				return err
			}
			recovered, reason = true, "answer_stale"

		case model.PhaseVoting:
			changed := false
			earliest := int64(0)
			for _, v := range round.Votes {
				if v.FinishedAt == 0 && (earliest == 0 || v.StartedAt < earliest) {
					earliest = v.StartedAt
				}
			}
			if earliest != 0 && now-earliest > voteStale {
				for i := range round.Votes {
					if round.Votes[i].FinishedAt == 0 {
						round.Votes[i].FinishedAt = now
						round.Votes[i].Error = true
					}
				}
				round.UpdatedAt = now
				changed = true
			}
			if round.ViewerVotingEndsAt == 0 || round.ViewerVotingEndsAt <= now {
				if err := finalizeRoundTx(tx, state, round, now); err != nil {
					return err
				}
				recovered, reason = true, "voting_window_closed"
				return nil
			}
			if changed {
				return tx.PutRound(round)
			}
		}
		return nil
	})
	if err != nil {
		return false, "", err
	}
	if recovered && reason != "voting_window_closed" {
		// Window-closed recovery already counts as a completed round.
		metrics.RoundsTotal.WithLabelValues("recovered").Inc()
	}
	return recovered, reason, nil
}

func staleAnswerReason(round *model.Round) string {
	for i := range round.AnswerTasks {
		t := round.AnswerTasks[i]
		if t.Error != "" {
			return t.Model.Name + ": " + t.Error
		}
	}
	return "Tempo esgotado"
}
