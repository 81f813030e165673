// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package viewers tracks live viewer presence and viewer votes. Counts
// are sharded by hashed viewer id; per-viewer vote rows make casting
// idempotent with change-of-vote allowed.
package viewers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/punchline/internal/log"
	"github.com/ManuGH/punchline/internal/metrics"
	"github.com/ManuGH/punchline/internal/model"
	"github.com/ManuGH/punchline/internal/store"
)

// VoteStatus is the outcome of a cast attempt.
type VoteStatus string

const (
	VoteAccepted  VoteStatus = "accepted"
	VoteUnchanged VoteStatus = "unchanged"
	VoteUpdated   VoteStatus = "updated"
	VoteInactive  VoteStatus = "inactive"
)

// Service owns presence heartbeats, the reaper and vote casting.
type Service struct {
	store  store.Store
	logger zerolog.Logger
	now    func() time.Time

	// onViewersArrived fires after a presence increment took the total
	// from zero to positive; the engine uses it to shorten the voting
	// window.
	onViewersArrived func(context.Context)
	// onActivity fires on every counted heartbeat; the engine uses it
	// to make sure a driver is running.
	onActivity func(context.Context)
}

func NewService(s store.Store) *Service {
	return &Service{
		store:  s,
		logger: log.WithComponent("viewers"),
		now:    time.Now,
	}
}

// OnViewersArrived registers the zero-to-positive presence hook.
func (s *Service) OnViewersArrived(fn func(context.Context)) { s.onViewersArrived = fn }

// OnActivity registers the any-heartbeat hook.
func (s *Service) OnActivity(fn func(context.Context)) { s.onActivity = fn }

// Heartbeat records a viewer as live for the next 30 seconds. Only the
// live page counts; broadcast captures heartbeat with a different page
// and are ignored.
func (s *Service) Heartbeat(ctx context.Context, viewerID, page string) error {
	if page != "live" || viewerID == "" {
		return nil
	}
	now := s.now().UnixMilli()
	shard := store.ShardFor(viewerID)

	var arrived bool
	err := s.store.Update(ctx, func(tx store.Tx) error {
		prev, err := tx.GetPresence(viewerID)
		if err != nil {
			return err
		}
		counts := prev == nil || prev.ExpiresAt <= now
		if counts {
			before, err := tx.ShardTotal()
			if err != nil {
				return err
			}
			if err := tx.AddShardCount(shard, 1); err != nil {
				return err
			}
			arrived = before == 0
		}
		return tx.PutPresence(&model.ViewerPresence{
			ViewerID:   viewerID,
			ExpiresAt:  now + model.PresenceTTL.Milliseconds(),
			CountShard: shard,
			LastSeenAt: now,
		})
	})
	if err != nil {
		return err
	}

	s.publishViewerGauge(ctx)
	if s.onActivity != nil {
		s.onActivity(ctx)
	}
	if arrived && s.onViewersArrived != nil {
		s.onViewersArrived(ctx)
	}
	return nil
}

// Total returns the current reconciled viewer count.
func (s *Service) Total(ctx context.Context) (int64, error) {
	var total int64
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		total, err = tx.ShardTotal()
		return err
	})
	return total, err
}

func (s *Service) publishViewerGauge(ctx context.Context) {
	if total, err := s.Total(ctx); err == nil {
		metrics.ViewerCount.Set(float64(total))
	}
}

// ReapExpired removes one batch of expired presence rows, decrementing
// their shard counts. Reports whether the batch was full, meaning more
// work is likely waiting.
func (s *Service) ReapExpired(ctx context.Context) (bool, error) {
	return s.reapBatch(ctx, model.ReaperBatch)
}

func (s *Service) reapBatch(ctx context.Context, limit int) (saturated bool, err error) {
	now := s.now().UnixMilli()
	var reaped int
	err = s.store.Update(ctx, func(tx store.Tx) error {
		expired, err := tx.ExpiredPresence(now, limit)
		if err != nil {
			return err
		}
		for _, p := range expired {
			if err := tx.AddShardCount(p.CountShard, -1); err != nil {
				return err
			}
			if err := tx.DeletePresence(p.ViewerID); err != nil {
				return err
			}
		}
		reaped = len(expired)
		return nil
	})
	if err != nil {
		return false, err
	}
	if reaped > 0 {
		metrics.ReapedPresenceTotal.Add(float64(reaped))
		s.publishViewerGauge(ctx)
		s.logger.Debug().
			Str("event", "viewers.reaped").
			Int("count", reaped).
			Msg("expired presence rows reaped")
	}
	return reaped >= limit, nil
}

// RunReaper drains expired presence until the context ends. A full
// batch means a backlog; follow-up passes run immediately with the
// larger batch until caught up, then the reaper sleeps its interval.
func (s *Service) RunReaper(ctx context.Context) {
	t := time.NewTimer(model.ReaperInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		limit := model.ReaperBatch
		for {
			saturated, err := s.reapBatch(ctx, limit)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error().
					Err(err).
					Str("event", "viewers.reap_failed").
					Msg("reaper pass failed")
				break
			}
			if !saturated {
				break
			}
			limit = model.ReaperBatchMax
		}
		t.Reset(model.ReaperInterval)
	}
}

// CastVote records a viewer vote on the active round. Change of vote
// moves the tally between sides within the viewer's shard.
func (s *Service) CastVote(ctx context.Context, viewerID string, side model.Side) (VoteStatus, error) {
	if viewerID == "" || (side != model.SideA && side != model.SideB) {
		metrics.ViewerVotesTotal.WithLabelValues(string(VoteInactive)).Inc()
		return VoteInactive, nil
	}
	now := s.now().UnixMilli()
	shard := store.ShardFor(viewerID)
	status := VoteInactive

	err := s.store.Update(ctx, func(tx store.Tx) error {
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
		if round == nil || round.Phase != model.PhaseVoting ||
			round.ViewerVotingEndsAt == 0 || round.ViewerVotingEndsAt <= now {
			return nil
		}

		prev, err := tx.GetViewerVote(round.ID, viewerID)
		if err != nil {
			return err
		}
		switch {
		case prev == nil:
			if err := tx.AddVoteTally(round.Generation, round.ID, side, shard, 1); err != nil {
				return err
			}
			status = VoteAccepted
		case prev.Side == side:
			status = VoteUnchanged
			return nil
		default:
			if err := tx.AddVoteTally(round.Generation, round.ID, prev.Side, prev.Shard, -1); err != nil {
				return err
			}
			if err := tx.AddVoteTally(round.Generation, round.ID, side, prev.Shard, 1); err != nil {
				return err
			}
			shard = prev.Shard
			status = VoteUpdated
		}
		return tx.PutViewerVote(&model.ViewerVote{
			Generation: round.Generation,
			RoundID:    round.ID,
			ViewerID:   viewerID,
			Side:       side,
			Shard:      shard,
		})
	})
	if err != nil {
		return VoteInactive, err
	}
	metrics.ViewerVotesTotal.WithLabelValues(string(status)).Inc()
	return status, nil
}
