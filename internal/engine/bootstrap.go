// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/punchline/internal/log"
	"github.com/ManuGH/punchline/internal/model"
	"github.com/ManuGH/punchline/internal/store"
)

// fallback filler when a model cannot produce enough material to vote
// against.
const bootstrapFillerAnswer = "Sem resposta desta vez."

// RunProjectionBootstrap makes sure every active model has at least
// five non-error usage samples of each request type at the current
// metrics epoch, synthesizing calls where history is thin. A run that
// has not finished within 30 minutes is considered abandoned and may
// be taken over.
func (e *Engine) RunProjectionBootstrap(ctx context.Context) error {
	runID := uuid.NewString()
	now := e.clock.Now().UnixMilli()

	var gen int64
	claimed := false
	err := e.mutate(ctx, "bootstrap_claim", func(tx store.Tx) error {
		claimed = false
		state, err := getOrCreateState(tx)
		if err != nil {
			return err
		}
		if state.BootstrapRunID != "" &&
			now-state.BootstrapStartedAt < model.BootstrapStaleAfter.Milliseconds() {
			return nil
		}
		state.BootstrapRunID = runID
		state.BootstrapStartedAt = now
		gen = state.Generation
		if err := tx.PutState(state); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return err
	}
	if !claimed {
		e.logger.Debug().Str("event", "bootstrap.already_running").Msg("bootstrap run in progress")
		return nil
	}

	logger := e.logger.With().Str("bootstrap_run", runID).Logger()
	logger.Info().Str("event", "bootstrap.started").Int64(log.FieldGeneration, gen).Msg("projection bootstrap started")

	concurrency := e.cfg.BootstrapConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 3 {
		concurrency = 3
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, m := range e.catalog.ActiveModels() {
		m := m
		g.Go(func() error {
			return e.bootstrapModel(gctx, gen, runID, m)
		})
	}
	err = g.Wait()

	// Release ownership if we still hold it.
	releaseErr := e.mutate(ctx, "bootstrap_release", func(tx store.Tx) error {
		state, serr := tx.State()
		if serr != nil {
			return serr
		}
		if state == nil || state.BootstrapRunID != runID {
			return nil
		}
		state.BootstrapRunID = ""
		state.BootstrapStartedAt = 0
		return tx.PutState(state)
	})
	if err == nil {
		err = releaseErr
	}
	if err != nil {
		logger.Warn().Err(err).Str("event", "bootstrap.finished_with_errors").Msg("bootstrap finished with errors")
		return err
	}
	logger.Info().Str("event", "bootstrap.finished").Msg("projection bootstrap finished")
	return nil
}

// bootstrapModel synthesizes samples for the request types the model
// can serve: prompts against the model itself, answers against its own
// prompts, votes against pairs of its answers. Ownership is re-checked
// between phases.
func (e *Engine) bootstrapModel(ctx context.Context, gen int64, runID string, m model.Model) error {
	var needPrompt int
	var err error
	if m.PromptCapable() {
		needPrompt, err = e.bootstrapDeficit(ctx, gen, m, model.RequestPrompt)
		if err != nil {
			return err
		}
	}

	var prompts []string
	attempts := 0
	for needPrompt > 0 && attempts < model.BootstrapMaxAttempts {
		attempts++
		started := e.clock.Now().UnixMilli()
		res, err := e.gen.GeneratePrompt(ctx, m, nil)
		finished := e.clock.Now().UnixMilli()
		if err != nil {
			e.recordUsage(ctx, gen, m, model.RequestPrompt, nil, started, finished, "bootstrap")
			continue
		}
		e.recordUsage(ctx, gen, m, model.RequestPrompt, &res.Metrics, started, finished, "bootstrap")
		prompts = append(prompts, res.Text)
		needPrompt--
	}
	if ok, err := e.bootstrapOwned(ctx, gen, runID); err != nil || !ok {
		return err
	}

	var needAnswer int
	if m.AnswerCapable() {
		needAnswer, err = e.bootstrapDeficit(ctx, gen, m, model.RequestAnswer)
		if err != nil {
			return err
		}
	}
	var answers []string
	attempts = 0
	for needAnswer > 0 && attempts < model.BootstrapMaxAttempts {
		attempts++
		prompt := bootstrapPick(prompts, attempts, "Conte uma piada curta sobre tecnologia.")
		started := e.clock.Now().UnixMilli()
		res, err := e.gen.GenerateAnswer(ctx, m, prompt, nil)
		finished := e.clock.Now().UnixMilli()
		if err != nil {
			e.recordUsage(ctx, gen, m, model.RequestAnswer, nil, started, finished, "bootstrap")
			continue
		}
		e.recordUsage(ctx, gen, m, model.RequestAnswer, &res.Metrics, started, finished, "bootstrap")
		answers = append(answers, res.Text)
		needAnswer--
	}
	if ok, err := e.bootstrapOwned(ctx, gen, runID); err != nil || !ok {
		return err
	}

	var needVote int
	if m.VoteCapable() {
		needVote, err = e.bootstrapDeficit(ctx, gen, m, model.RequestVote)
		if err != nil {
			return err
		}
	}
	attempts = 0
	for needVote > 0 && attempts < model.BootstrapMaxAttempts {
		attempts++
		prompt := bootstrapPick(prompts, attempts, "Conte uma piada curta sobre tecnologia.")
		ansA := bootstrapPick(answers, attempts, bootstrapFillerAnswer)
		ansB := bootstrapPick(answers, attempts+1, bootstrapFillerAnswer)
		started := e.clock.Now().UnixMilli()
		_, res, err := e.gen.GenerateVote(ctx, m, prompt, ansA, ansB, nil)
		finished := e.clock.Now().UnixMilli()
		if err != nil {
			e.recordUsage(ctx, gen, m, model.RequestVote, nil, started, finished, "bootstrap")
			continue
		}
		e.recordUsage(ctx, gen, m, model.RequestVote, &res.Metrics, started, finished, "bootstrap")
		needVote--
	}

	if needPrompt > 0 || needAnswer > 0 || needVote > 0 {
		return fmt.Errorf("bootstrap: model %s still short of samples (prompt=%d answer=%d vote=%d)",
			m.ID, needPrompt, needAnswer, needVote)
	}
	return nil
}

// bootstrapDeficit returns how many non-error samples are still missing
// for the model and request type at the current epoch.
func (e *Engine) bootstrapDeficit(ctx context.Context, gen int64, m model.Model, rt model.RequestType) (int, error) {
	var have int64
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		have, err = tx.CountUsage(gen, m.ID, m.MetricsEpoch, rt)
		return err
	})
	if err != nil {
		return 0, err
	}
	need := int64(model.BootstrapMinSamples) - have
	if need < 0 {
		need = 0
	}
	return int(need), nil
}

// bootstrapOwned re-reads the state between phases; a generation bump
// or a takeover means this run must stop writing.
func (e *Engine) bootstrapOwned(ctx context.Context, gen int64, runID string) (bool, error) {
	owned := false
	err := e.store.View(ctx, func(tx store.Tx) error {
		state, err := tx.State()
		if err != nil {
			return err
		}
		owned = state != nil && state.Generation == gen && state.BootstrapRunID == runID
		return nil
	})
	return owned, err
}

func bootstrapPick(pool []string, i int, fallback string) string {
	if len(pool) == 0 {
		return fallback
	}
	return pool[i%len(pool)]
}
