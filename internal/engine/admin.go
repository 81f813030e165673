// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"context"
	"math"
	"time"

	"github.com/ManuGH/punchline/internal/metrics"
	"github.com/ManuGH/punchline/internal/model"
	"github.com/ManuGH/punchline/internal/store"
)

// Pause stops the driver from advancing; the loop keeps ticking and
// resumes the moment the flag clears.
func (e *Engine) Pause(ctx context.Context) error {
	err := e.mutate(ctx, "pause", func(tx store.Tx) error {
		state, err := getOrCreateState(tx)
		if err != nil {
			return err
		}
		if state.IsPaused {
			return nil
		}
		state.IsPaused = true
		return tx.PutState(state)
	})
	if err == nil {
		e.logger.Info().Str("event", "engine.paused").Msg("engine paused")
	}
	return err
}

// Resume clears the paused and done flags and makes sure a driver runs.
func (e *Engine) Resume(ctx context.Context) error {
	err := e.mutate(ctx, "resume", func(tx store.Tx) error {
		state, err := getOrCreateState(tx)
		if err != nil {
			return err
		}
		if !state.IsPaused && !state.Done {
			return nil
		}
		state.IsPaused = false
		state.Done = false
		return tx.PutState(state)
	})
	if err != nil {
		return err
	}
	e.logger.Info().Str("event", "engine.resumed").Msg("engine resumed")
	e.EnsureStarted(ctx)
	return nil
}

// Reset bumps the generation, clears scoreboards and lease, empties the
// presence table synchronously and kicks off the paginated purge of the
// old generation's rows. The engine comes back paused.
func (e *Engine) Reset(ctx context.Context) error {
	var oldGen int64
	err := e.mutate(ctx, "reset", func(tx store.Tx) error {
		state, err := getOrCreateState(tx)
		if err != nil {
			return err
		}
		oldGen = state.Generation
		state.Generation++
		state.IsPaused = true
		state.Done = false
		state.ActiveRoundID = ""
		state.LastCompletedRoundID = ""
		state.CompletedRounds = 0
		state.NextRoundNum = 1
		state.Scores = map[string]int64{}
		state.HumanScores = map[string]int64{}
		state.HumanVoteTotals = map[string]int64{}
		state.RunnerLeaseID = ""
		state.RunnerLeaseUntil = 0
		state.BootstrapRunID = ""
		state.BootstrapStartedAt = 0

		// Presence and shard counts reset synchronously; everything
		// else drains in batches.
		all, err := tx.ExpiredPresence(math.MaxInt64, 0)
		if err != nil {
			return err
		}
		for _, p := range all {
			if err := tx.DeletePresence(p.ViewerID); err != nil {
				return err
			}
		}
		if err := tx.ResetShardCounts(); err != nil {
			return err
		}
		return tx.PutState(state)
	})
	if err != nil {
		return err
	}
	e.logger.Info().
		Str("event", "engine.reset").
		Int64("old_generation", oldGen).
		Msg("generation reset, purge scheduled")

	purgeCtx := ctx
	if e.rootCtx != nil {
		purgeCtx = e.rootCtx
	}
	e.wg.Add(1)
	go e.purgeGeneration(purgeCtx, oldGen)
	return nil
}

// purgeGeneration deletes the old generation's derived rows in batches
// of 500, table by table, until each table is drained.
func (e *Engine) purgeGeneration(ctx context.Context, gen int64) {
	defer e.wg.Done()

	tables := []struct {
		name string
		del  func(tx store.Tx) (int, error)
	}{
		{"rounds", func(tx store.Tx) (int, error) { return tx.DeleteRounds(gen, model.PurgeBatch) }},
		{"viewer_votes", func(tx store.Tx) (int, error) { return tx.DeleteViewerVotes(gen, model.PurgeBatch) }},
		{"vote_tallies", func(tx store.Tx) (int, error) { return tx.DeleteVoteTallies(gen, model.PurgeBatch) }},
		{"usage_events", func(tx store.Tx) (int, error) { return tx.DeleteUsage(gen, model.PurgeBatch) }},
		{"reasoning_progress", func(tx store.Tx) (int, error) { return tx.DeleteProgress(gen, model.PurgeBatch) }},
	}

	for _, tbl := range tables {
		for {
			var n int
			err := e.store.Update(ctx, func(tx store.Tx) error {
				var err error
				n, err = tbl.del(tx)
				return err
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Error().Err(err).
					Str("event", "engine.purge_batch_failed").
					Str("table", tbl.name).
					Msg("purge batch failed, retrying")
				if e.clock.Sleep(ctx, time.Second) != nil {
					return
				}
				continue
			}
			if n > 0 {
				metrics.PurgedRowsTotal.WithLabelValues(tbl.name).Add(float64(n))
			}
			if n < model.PurgeBatch {
				break
			}
			// Yield between full batches so the purge never starves
			// the driver's writes.
			if e.clock.Sleep(ctx, 10*time.Millisecond) != nil {
				return
			}
		}
	}
	e.logger.Info().
		Str("event", "engine.purge_complete").
		Int64("generation", gen).
		Msg("old generation purged")
}
