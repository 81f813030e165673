// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package store defines the durable state layer behind the round engine.
//
// All engine mutations execute inside Store.Update; the closure sees a Tx
// with a consistent snapshot and its writes commit atomically. The engine
// state row carries a version column: PutState compares the version the
// caller read against the stored one and fails with ErrConflict when a
// concurrent commit won, which callers treat as "re-read and reconfirm
// the lease".
package store

import (
	"context"
	"errors"

	"github.com/ManuGH/punchline/internal/model"
)

var (
	// ErrConflict is the optimistic-concurrency failure on the state row.
	ErrConflict = errors.New("store: state version conflict")
	// ErrNotFound is returned by writes against missing rows. Reads return
	// (nil, nil) for absent rows instead.
	ErrNotFound = errors.New("store: not found")
	// ErrReadOnly is returned by write methods inside View transactions.
	ErrReadOnly = errors.New("store: read-only transaction")
)

// Tx is the transactional surface visible to a single mutation or query.
type Tx interface {
	// --- Engine state singleton ---
	State() (*model.EngineState, error)
	PutState(s *model.EngineState) error

	// --- Rounds ---
	GetRound(id string) (*model.Round, error)
	PutRound(r *model.Round) error
	// ListRounds returns rounds of a generation ordered by num descending.
	// limit <= 0 means no limit.
	ListRounds(generation int64, limit int) ([]*model.Round, error)
	DeleteRounds(generation int64, limit int) (int, error)

	// --- Viewer presence & sharded count ---
	GetPresence(viewerID string) (*model.ViewerPresence, error)
	PutPresence(p *model.ViewerPresence) error
	DeletePresence(viewerID string) error
	ExpiredPresence(now int64, limit int) ([]*model.ViewerPresence, error)
	// AddShardCount applies a delta to one shard counter, saturating at 0.
	AddShardCount(shard int, delta int64) error
	ShardTotal() (int64, error)
	ResetShardCounts() error

	// --- Viewer votes & tallies ---
	GetViewerVote(roundID, viewerID string) (*model.ViewerVote, error)
	PutViewerVote(v *model.ViewerVote) error
	DeleteViewerVotes(generation int64, limit int) (int, error)
	AddVoteTally(generation int64, roundID string, side model.Side, shard int, delta int64) error
	// VoteTallies sums the shard counters for one round.
	VoteTallies(roundID string) (votesA, votesB int64, err error)
	DeleteVoteTallies(generation int64, limit int) (int, error)

	// --- LLM usage events ---
	AppendUsage(ev *model.LlmUsageEvent) error
	CountUsage(generation int64, modelID string, metricsEpoch int64, rt model.RequestType) (int64, error)
	DeleteUsage(generation int64, limit int) (int, error)

	// --- Live reasoning progress ---
	GetProgress(roundID string, rt model.RequestType, answerIndex int) (*model.LiveReasoningProgress, error)
	PutProgress(p *model.LiveReasoningProgress) error
	DeleteProgress(generation int64, limit int) (int, error)
}

// Store is the engine's durable backend.
type Store interface {
	// View runs fn against a read snapshot. Writes fail with ErrReadOnly.
	View(ctx context.Context, fn func(Tx) error) error
	// Update runs fn inside a write transaction. An error from fn aborts
	// the transaction in the durable backends; the memory backend applies
	// writes eagerly under its lock, so mutations follow a check-then-write
	// discipline.
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// ShardFor maps a viewer id onto one of the count shards.
func ShardFor(viewerID string) int {
	// FNV-1a, same hash the presence and tally writers must agree on.
	var h uint32 = 2166136261
	for i := 0; i < len(viewerID); i++ {
		h ^= uint32(viewerID[i])
		h *= 16777619
	}
	return int(h % model.ViewerShards)
}
