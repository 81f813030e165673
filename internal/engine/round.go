// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/punchline/internal/log"
	"github.com/ManuGH/punchline/internal/metrics"
	"github.com/ManuGH/punchline/internal/model"
	"github.com/ManuGH/punchline/internal/reasoning"
	"github.com/ManuGH/punchline/internal/store"
)

type selection struct {
	prompter    model.Model
	contestants [2]model.Model
	voters      []model.Model
}

// runOnce executes at most one round and returns the delay before the
// next iteration, or cont=false when the driver must exit.
func (e *Engine) runOnce(ctx context.Context, leaseID string) (time.Duration, bool) {
	now := e.clock.Now().UnixMilli()

	var state *model.EngineState
	if err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		state, err = tx.State()
		return err
	}); err != nil {
		if ctx.Err() != nil {
			return 0, false
		}
		e.logger.Error().Err(err).Str("event", "engine.state_read_failed").Msg("state read failed")
		return time.Second, true
	}
	if state == nil || !state.LeaseHeld(leaseID, now) || state.Done {
		return 0, false
	}
	gen := state.Generation

	held, err := e.renewLease(ctx, leaseID)
	if err != nil || !held {
		if again, _ := e.validateLease(ctx, leaseID); !again {
			return 0, false
		}
	}

	if state.IsPaused {
		return time.Second, true
	}

	if state.ActiveRoundID != "" {
		recovered, reason, err := e.recoverStaleActiveRound(ctx, gen)
		if err != nil {
			e.logger.Error().Err(err).Str("event", "engine.recover_failed").Msg("stale-round recovery failed")
			return 750 * time.Millisecond, true
		}
		if recovered {
			e.logger.Info().
				Str("event", "engine.round_recovered").
				Str(log.FieldReason, reason).
				Msg("stale round recovered")
			return 0, true
		}
		return 750 * time.Millisecond, true
	}

	models := e.catalog.ActiveModels()
	if len(models) < model.MinActiveModels {
		e.logger.Debug().
			Str("event", "engine.round_blocked").
			Str(log.FieldReason, "insufficient_active_models").
			Int("active_models", len(models)).
			Msg("not enough active models")
		return time.Second, true
	}

	sel, ok := e.selectParticipants(models)
	if !ok {
		e.logger.Debug().
			Str("event", "engine.round_blocked").
			Str(log.FieldReason, "insufficient_role_coverage").
			Msg("role coverage insufficient")
		return time.Second, true
	}

	roundID, created, err := e.createRound(ctx, gen, models, sel)
	if err != nil || !created {
		return 300 * time.Millisecond, true
	}
	logger := e.logger.With().Str(log.FieldRoundID, roundID).Logger()
	logger.Info().
		Str("event", "engine.round_started").
		Str("prompter", sel.prompter.ID).
		Str("contestant_a", sel.contestants[0].ID).
		Str("contestant_b", sel.contestants[1].ID).
		Int("voters", len(sel.voters)).
		Msg("round created")

	prompt, err := e.runPromptPhase(ctx, gen, roundID, sel.prompter)
	if err != nil {
		e.skipRound(ctx, gen, roundID, model.SkipPromptError, "Falha ao gerar prompt: "+err.Error())
		return model.SkippedRoundDelay, true
	}

	if err := e.runAnswerPhase(ctx, gen, roundID, prompt, sel.contestants); err != nil {
		e.skipRound(ctx, gen, roundID, model.SkipAnswerError, err.Error())
		return model.SkippedRoundDelay, true
	}

	e.runVotePhase(ctx, gen, roundID, sel.voters)

	if err := e.finalizeRound(ctx, gen, roundID); err != nil {
		logger.Error().Err(err).Str("event", "engine.finalize_failed").Msg("finalize failed")
	}
	return model.PostRoundDelay, true
}

// selectParticipants shuffles the pool per role: any prompt-capable
// model prompts, two answer-capable models compete, and every other
// vote-capable model votes. Contestants never vote on themselves.
func (e *Engine) selectParticipants(models []model.Model) (selection, bool) {
	pool := make([]model.Model, len(models))
	copy(pool, models)

	e.shuffleModels(pool)
	var sel selection
	promptIdx := -1
	for i, m := range pool {
		if m.PromptCapable() {
			sel.prompter = m
			promptIdx = i
			break
		}
	}
	if promptIdx < 0 {
		return selection{}, false
	}

	e.shuffleModels(pool)
	n := 0
	for _, m := range pool {
		if m.ID == sel.prompter.ID || !m.AnswerCapable() {
			continue
		}
		sel.contestants[n] = m
		n++
		if n == 2 {
			break
		}
	}
	if n < 2 {
		return selection{}, false
	}

	e.shuffleModels(pool)
	for _, m := range pool {
		if m.ID == sel.contestants[0].ID || m.ID == sel.contestants[1].ID {
			continue
		}
		if m.VoteCapable() {
			sel.voters = append(sel.voters, m)
		}
	}
	if len(sel.voters) == 0 {
		return selection{}, false
	}
	return sel, true
}

// createRound inserts the round at phase=prompting and points the
// engine state at it. Refuses on generation drift, done, or an
// existing active round.
func (e *Engine) createRound(ctx context.Context, gen int64, actives []model.Model, sel selection) (string, bool, error) {
	roundID := uuid.NewString()
	now := e.clock.Now().UnixMilli()
	created := false
	err := e.mutate(ctx, "create_round", func(tx store.Tx) error {
		created = false
		state, err := tx.State()
		if err != nil {
			return err
		}
		if state == nil || state.Generation != gen || state.Done {
			return nil
		}
		if state.ActiveRoundID != "" {
			existing, err := tx.GetRound(state.ActiveRoundID)
			if err != nil {
				return err
			}
			if existing != nil {
				return nil
			}
		}

		round := &model.Round{
			ID:          roundID,
			Generation:  gen,
			Num:         state.NextRoundNum,
			Phase:       model.PhasePrompting,
			Prompter:    sel.prompter,
			PromptTask:  model.Task{Model: sel.prompter, StartedAt: now},
			Contestants: sel.contestants,
			AnswerTasks: [2]model.Task{
				{Model: sel.contestants[0]},
				{Model: sel.contestants[1]},
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.PutRound(round); err != nil {
			return err
		}

		state.ActiveRoundID = roundID
		state.EnabledModelIDs = modelIDs(actives)
		state.RunsMode = e.cfg.RunsMode
		state.TotalRounds = e.cfg.TotalRounds
		if err := tx.PutState(state); err != nil {
			return err
		}
		created = true
		return nil
	})
	return roundID, created, err
}

func modelIDs(models []model.Model) []string {
	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
	}
	return ids
}

// runPromptPhase drives the prompter call with streaming progress and
// commits the result. Returns the generated prompt text.
func (e *Engine) runPromptPhase(ctx context.Context, gen int64, roundID string, prompter model.Model) (string, error) {
	sink := reasoning.NewSink(e.store, gen, roundID, model.RequestPrompt, model.ProgressAnswerNone, prompter.ID)
	sink.Progress(ctx, 0)
	est := reasoning.NewEstimator(e.cal.Factor(prompter.ID, prompter.ReasoningEffort, model.RequestPrompt))

	started := e.clock.Now().UnixMilli()
	res, err := e.gen.GeneratePrompt(ctx, prompter, func(delta string) {
		est.Add(delta)
		sink.Progress(ctx, est.Estimate())
	})
	finished := e.clock.Now().UnixMilli()
	sink.Finalize(ctx, est.Estimate())

	if err != nil {
		e.recordUsage(ctx, gen, prompter, model.RequestPrompt, nil, started, finished, "runtime")
		return "", err
	}
	e.cal.Observe(prompter.ID, prompter.ReasoningEffort, model.RequestPrompt, res.Metrics.ReasoningTokens, est.Raw())
	e.recordUsage(ctx, gen, prompter, model.RequestPrompt, &res.Metrics, started, finished, "runtime")

	err = e.mutate(ctx, "set_prompt_result", func(tx store.Tx) error {
		_, round, err := e.roundForWrite(tx, gen, roundID)
		if err != nil || round == nil || round.Phase != model.PhasePrompting {
			return err
		}
		round.Prompt = res.Text
		round.PromptTask.FinishedAt = finished
		round.PromptTask.Result = res.Text
		m := res.Metrics
		round.PromptTask.Metrics = &m
		round.UpdatedAt = finished
		return tx.PutRound(round)
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// roundForWrite loads state and round, returning nils when the
// generation drifted or the round is no longer the active one.
func (e *Engine) roundForWrite(tx store.Tx, gen int64, roundID string) (*model.EngineState, *model.Round, error) {
	state, err := tx.State()
	if err != nil {
		return nil, nil, err
	}
	if state == nil || state.Generation != gen || state.ActiveRoundID != roundID {
		return nil, nil, nil
	}
	round, err := tx.GetRound(roundID)
	if err != nil {
		return nil, nil, err
	}
	return state, round, nil
}

// runAnswerPhase fans out both contestant calls in parallel. Returns an
// error naming the failed contestant when either call fails.
func (e *Engine) runAnswerPhase(ctx context.Context, gen int64, roundID, prompt string, contestants [2]model.Model) error {
	now := e.clock.Now().UnixMilli()
	err := e.mutate(ctx, "start_answering", func(tx store.Tx) error {
		_, round, err := e.roundForWrite(tx, gen, roundID)
		if err != nil || round == nil || round.Phase != model.PhasePrompting {
			return err
		}
		round.Phase = model.PhaseAnswering
		for i := range round.AnswerTasks {
			round.AnswerTasks[i].StartedAt = now
		}
		round.UpdatedAt = now
		return tx.PutRound(round)
	})
	if err != nil {
		return fmt.Errorf("falha ao iniciar respostas: %w", err)
	}
	metrics.PhaseTransitions.WithLabelValues(string(model.PhasePrompting), string(model.PhaseAnswering)).Inc()

	var errs [2]error
	g := new(errgroup.Group)
	for i := 0; i < 2; i++ {
		i := i
		m := contestants[i]
		g.Go(func() error {
			sink := reasoning.NewSink(e.store, gen, roundID, model.RequestAnswer, i, m.ID)
			sink.Progress(ctx, 0)
			est := reasoning.NewEstimator(e.cal.Factor(m.ID, m.ReasoningEffort, model.RequestAnswer))

			started := e.clock.Now().UnixMilli()
			res, err := e.gen.GenerateAnswer(ctx, m, prompt, func(delta string) {
				est.Add(delta)
				sink.Progress(ctx, est.Estimate())
			})
			finished := e.clock.Now().UnixMilli()
			sink.Finalize(ctx, est.Estimate())

			if err != nil {
				errs[i] = err
				e.setAnswerResult(ctx, gen, roundID, i, "[no answer]", callErrorMessage(err), nil, finished)
				e.recordUsage(ctx, gen, m, model.RequestAnswer, nil, started, finished, "runtime")
				return nil
			}
			e.cal.Observe(m.ID, m.ReasoningEffort, model.RequestAnswer, res.Metrics.ReasoningTokens, est.Raw())
			e.setAnswerResult(ctx, gen, roundID, i, res.Text, "", &res.Metrics, finished)
			e.recordUsage(ctx, gen, m, model.RequestAnswer, &res.Metrics, started, finished, "runtime")
			return nil
		})
	}
	_ = g.Wait()

	for i := range errs {
		if errs[i] != nil {
			return fmt.Errorf("%s: %s", contestants[i].Name, callErrorMessage(errs[i]))
		}
	}
	return nil
}

// callErrorMessage maps adapter failures to the user-facing string.
func callErrorMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "Tempo esgotado"
	}
	return err.Error()
}

func (e *Engine) setAnswerResult(ctx context.Context, gen int64, roundID string, idx int, result, errMsg string, m *model.LlmCallMetrics, finished int64) {
	err := e.mutate(ctx, "set_answer_result", func(tx store.Tx) error {
		_, round, err := e.roundForWrite(tx, gen, roundID)
		if err != nil || round == nil || round.Phase != model.PhaseAnswering {
			return err
		}
		task := &round.AnswerTasks[idx]
		if task.Terminal() {
			return nil
		}
		task.FinishedAt = finished
		task.Result = result
		task.Error = errMsg
		if m != nil {
			cp := *m
			task.Metrics = &cp
		}
		round.UpdatedAt = finished
		return tx.PutRound(round)
	})
	if err != nil {
		e.logger.Error().Err(err).
			Str("event", "engine.answer_write_failed").
			Str(log.FieldRoundID, roundID).
			Int("answer_index", idx).
			Msg("answer result write failed")
	}
}

// runVotePhase starts voting, fans out model voters, and holds the
// round open until the viewer window elapses.
func (e *Engine) runVotePhase(ctx context.Context, gen int64, roundID string, voters []model.Model) {
	now := e.clock.Now().UnixMilli()

	var prompt, answerA, answerB string
	err := e.mutate(ctx, "start_voting", func(tx store.Tx) error {
		_, round, err := e.roundForWrite(tx, gen, roundID)
		if err != nil || round == nil || round.Phase != model.PhaseAnswering {
			return err
		}
		total, err := tx.ShardTotal()
		if err != nil {
			return err
		}
		window := model.ViewerVoteWindowIdle
		mode := model.VotingIdle
		if total > 0 {
			window = model.ViewerVoteWindowActive
			mode = model.VotingActive
		}

		round.Phase = model.PhaseVoting
		round.Votes = make([]model.Vote, len(voters))
		for i := range voters {
			round.Votes[i] = model.Vote{Voter: voters[i], StartedAt: now}
		}
		round.ViewerVotingEndsAt = now + window.Milliseconds()
		round.ViewerVotingWindowMs = window.Milliseconds()
		round.ViewerVotingMode = mode
		round.UpdatedAt = now

		prompt = round.Prompt
		answerA = round.AnswerTasks[0].Result
		answerB = round.AnswerTasks[1].Result
		return tx.PutRound(round)
	})
	if err != nil {
		e.logger.Error().Err(err).
			Str("event", "engine.start_voting_failed").
			Str(log.FieldRoundID, roundID).
			Msg("start voting failed")
		return
	}
	metrics.PhaseTransitions.WithLabelValues(string(model.PhaseAnswering), string(model.PhaseVoting)).Inc()

	done := make(chan struct{})
	go func() {
		defer close(done)
		g := new(errgroup.Group)
		for i := range voters {
			i := i
			voter := voters[i]
			swapped := e.coin()
			g.Go(func() error {
				sink := reasoning.NewSink(e.store, gen, roundID, model.RequestVote, i, voter.ID)
				est := reasoning.NewEstimator(e.cal.Factor(voter.ID, voter.ReasoningEffort, model.RequestVote))

				// Randomized presentation order defeats position bias;
				// the reply is mapped back to the canonical sides.
				shownA, shownB := answerA, answerB
				if swapped {
					shownA, shownB = answerB, answerA
				}

				started := e.clock.Now().UnixMilli()
				side, res, err := e.gen.GenerateVote(ctx, voter, prompt, shownA, shownB, func(delta string) {
					est.Add(delta)
					sink.Progress(ctx, est.Estimate())
				})
				finished := e.clock.Now().UnixMilli()
				sink.Finalize(ctx, est.Estimate())

				if err != nil {
					e.setModelVote(ctx, gen, roundID, i, "", true, finished)
					e.recordUsage(ctx, gen, voter, model.RequestVote, nil, started, finished, "runtime")
					return nil
				}
				if swapped {
					if side == model.SideA {
						side = model.SideB
					} else {
						side = model.SideA
					}
				}
				e.cal.Observe(voter.ID, voter.ReasoningEffort, model.RequestVote, res.Metrics.ReasoningTokens, est.Raw())
				e.setModelVote(ctx, gen, roundID, i, side, false, finished)
				e.recordUsage(ctx, gen, voter, model.RequestVote, &res.Metrics, started, finished, "runtime")
				return nil
			})
		}
		_ = g.Wait()
	}()

	// Poll until the window elapses or the round left voting. The
	// deadline is re-read every tick: heartbeats may shorten it.
	for {
		nowMs := e.clock.Now().UnixMilli()
		var cur *model.Round
		if err := e.store.View(ctx, func(tx store.Tx) error {
			var err error
			cur, err = tx.GetRound(roundID)
			return err
		}); err != nil || cur == nil || cur.Phase != model.PhaseVoting {
			break
		}
		remaining := time.Duration(cur.ViewerVotingEndsAt-nowMs) * time.Millisecond
		if remaining <= 0 {
			break
		}
		tick := remaining
		if tick > time.Second {
			tick = time.Second
		}
		if tick < 100*time.Millisecond {
			tick = 100 * time.Millisecond
		}
		if e.clock.Sleep(ctx, tick) != nil {
			break
		}
	}

	// Give straggling model votes a short grace, then let recovery
	// terminalize whatever is left.
	graceUp := make(chan struct{})
	go func() {
		_ = e.clock.Sleep(ctx, 300*time.Millisecond)
		close(graceUp)
	}()
	select {
	case <-done:
	case <-graceUp:
		if _, _, err := e.recoverStaleActiveRound(ctx, gen); err != nil {
			e.logger.Error().Err(err).
				Str("event", "engine.vote_grace_recover_failed").
				Str(log.FieldRoundID, roundID).
				Msg("recovery after vote grace failed")
		}
	}
}

func (e *Engine) setModelVote(ctx context.Context, gen int64, roundID string, idx int, side model.Side, failed bool, finished int64) {
	err := e.mutate(ctx, "set_model_vote", func(tx store.Tx) error {
		_, round, err := e.roundForWrite(tx, gen, roundID)
		if err != nil || round == nil || round.Phase != model.PhaseVoting {
			return err
		}
		if idx >= len(round.Votes) || round.Votes[idx].FinishedAt != 0 {
			return nil
		}
		round.Votes[idx].FinishedAt = finished
		round.Votes[idx].VotedForSide = side
		round.Votes[idx].Error = failed
		round.UpdatedAt = finished
		return tx.PutRound(round)
	})
	if err != nil {
		e.logger.Error().Err(err).
			Str("event", "engine.vote_write_failed").
			Str(log.FieldRoundID, roundID).
			Int("vote_index", idx).
			Msg("model vote write failed")
	}
}

// skipRound terminalizes a failed round and detaches it from the state.
func (e *Engine) skipRound(ctx context.Context, gen int64, roundID string, skipType model.SkipType, reason string) {
	now := e.clock.Now().UnixMilli()
	err := e.mutate(ctx, "skip_round", func(tx store.Tx) error {
		state, err := tx.State()
		if err != nil {
			return err
		}
		if state == nil || state.Generation != gen {
			return nil
		}
		round, err := tx.GetRound(roundID)
		if err != nil {
			return err
		}
		if round != nil && round.Phase != model.PhaseDone {
			round.Phase = model.PhaseDone
			round.Skipped = true
			round.SkipType = skipType
			round.SkipReason = reason
			round.CompletedAt = now
			round.UpdatedAt = now
			if err := tx.PutRound(round); err != nil {
				return err
			}
		}
		if state.ActiveRoundID == roundID {
			state.ActiveRoundID = ""
			state.LastCompletedRoundID = roundID
			state.NextRoundNum++
			return tx.PutState(state)
		}
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).
			Str("event", "engine.skip_write_failed").
			Str(log.FieldRoundID, roundID).
			Msg("skip round write failed")
		return
	}
	result := "skipped_prompt"
	if skipType == model.SkipAnswerError {
		result = "skipped_answer"
	}
	metrics.RoundsTotal.WithLabelValues(result).Inc()
	e.logger.Warn().
		Str("event", "engine.round_skipped").
		Str(log.FieldRoundID, roundID).
		Str(log.FieldReason, reason).
		Msg("round skipped")
}

// finalizeRound closes a voting round. The guard lives here, not at the
// call sites: recovery may have finalized the round already.
func (e *Engine) finalizeRound(ctx context.Context, gen int64, roundID string) error {
	now := e.clock.Now().UnixMilli()
	return e.mutate(ctx, "finalize_round", func(tx store.Tx) error {
		state, err := tx.State()
		if err != nil {
			return err
		}
		if state == nil || state.Generation != gen || state.ActiveRoundID != roundID {
			return nil
		}
		round, err := tx.GetRound(roundID)
		if err != nil {
			return err
		}
		if round == nil || round.Phase != model.PhaseVoting {
			return nil
		}
		return finalizeRoundTx(tx, state, round, now)
	})
}

// finalizeRoundTx commits the terminal state of a voting round: model
// vote tally, viewer tally snapshot, scoreboard updates and the ESS
// hand-off to the next round. Shared with stale-round recovery.
func finalizeRoundTx(tx store.Tx, state *model.EngineState, round *model.Round, now int64) error {
	var votesA, votesB int64
	for _, v := range round.Votes {
		if !v.Succeeded() {
			continue
		}
		if v.VotedForSide == model.SideA {
			votesA++
		} else {
			votesB++
		}
	}
	viewersA, viewersB, err := tx.VoteTallies(round.ID)
	if err != nil {
		return err
	}

	nameA := round.Contestants[0].Name
	nameB := round.Contestants[1].Name
	switch {
	case votesA > votesB:
		state.Scores[nameA]++
	case votesB > votesA:
		state.Scores[nameB]++
	}
	state.HumanVoteTotals[nameA] += viewersA
	state.HumanVoteTotals[nameB] += viewersB
	switch {
	case viewersA > viewersB:
		state.HumanScores[nameA]++
	case viewersB > viewersA:
		state.HumanScores[nameB]++
	}

	round.Phase = model.PhaseDone
	round.ScoreA = votesA * 100
	round.ScoreB = votesB * 100
	round.ViewerVotesA = viewersA
	round.ViewerVotesB = viewersB
	round.CompletedAt = now
	round.UpdatedAt = now
	if err := tx.PutRound(round); err != nil {
		return err
	}

	state.ActiveRoundID = ""
	state.LastCompletedRoundID = round.ID
	state.CompletedRounds++
	state.NextRoundNum++
	state.Done = state.RunsMode == "finite" && state.TotalRounds > 0 &&
		state.CompletedRounds >= state.TotalRounds
	if err := tx.PutState(state); err != nil {
		return err
	}

	metrics.RoundsTotal.WithLabelValues("completed").Inc()
	metrics.PhaseTransitions.WithLabelValues(string(model.PhaseVoting), string(model.PhaseDone)).Inc()
	return nil
}

// recordUsage appends one usage sample. Failed calls append with the
// error flag so projections can exclude them.
func (e *Engine) recordUsage(ctx context.Context, gen int64, m model.Model, rt model.RequestType, cm *model.LlmCallMetrics, started, finished int64, origin string) {
	ev := &model.LlmUsageEvent{
		Generation:   gen,
		ModelID:      m.ID,
		MetricsEpoch: m.MetricsEpoch,
		RequestType:  rt,
		Origin:       origin,
		StartedAt:    started,
		FinishedAt:   finished,
	}
	if cm == nil {
		ev.Error = true
		ev.DurationMs = finished - started
		ev.DurationSource = "wall"
	} else {
		ev.CostUSD = cm.CostUSD
		ev.PromptTokens = cm.PromptTokens
		ev.CompletionTokens = cm.CompletionTokens
		ev.ReasoningTokens = cm.ReasoningTokens
		ev.DurationMs = cm.DurationMs
		ev.DurationSource = cm.DurationSource
	}
	if err := e.store.Update(ctx, func(tx store.Tx) error {
		return tx.AppendUsage(ev)
	}); err != nil {
		e.logger.Warn().Err(err).
			Str("event", "engine.usage_write_failed").
			Str(log.FieldModelID, m.ID).
			Msg("usage event dropped")
	}
}
