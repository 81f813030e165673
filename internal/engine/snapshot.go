// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"context"

	"github.com/ManuGH/punchline/internal/model"
	"github.com/ManuGH/punchline/internal/store"
)

// Snapshot is the admin status payload.
type Snapshot struct {
	IsPaused          bool     `json:"isPaused"`
	IsRunningRound    bool     `json:"isRunningRound"`
	Done              bool     `json:"done"`
	CompletedInMemory int64    `json:"completedInMemory"`
	PersistedRounds   int      `json:"persistedRounds"`
	ViewerCount       int64    `json:"viewerCount"`
	ActiveModelCount  int      `json:"activeModelCount"`
	CanRunRounds      bool     `json:"canRunRounds"`
	RunBlockedReason  string   `json:"runBlockedReason,omitempty"`
	EnabledModelIDs   []string `json:"enabledModelIds"`
}

// Snapshot builds the admin status view of the engine.
func (e *Engine) Snapshot(ctx context.Context) (*Snapshot, error) {
	actives := e.catalog.ActiveModels()
	snap := &Snapshot{
		ActiveModelCount: len(actives),
		EnabledModelIDs:  modelIDs(actives),
	}

	err := e.store.View(ctx, func(tx store.Tx) error {
		state, err := tx.State()
		if err != nil {
			return err
		}
		if state != nil {
			snap.IsPaused = state.IsPaused
			snap.IsRunningRound = state.ActiveRoundID != ""
			snap.Done = state.Done
			snap.CompletedInMemory = state.CompletedRounds
			rounds, err := tx.ListRounds(state.Generation, 0)
			if err != nil {
				return err
			}
			snap.PersistedRounds = len(rounds)
		}
		total, err := tx.ShardTotal()
		if err != nil {
			return err
		}
		snap.ViewerCount = total
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case len(actives) < model.MinActiveModels:
		snap.RunBlockedReason = "insufficient_active_models"
	default:
		if _, ok := e.selectParticipants(actives); !ok {
			snap.RunBlockedReason = "insufficient_role_coverage"
		}
	}
	snap.CanRunRounds = snap.RunBlockedReason == ""
	return snap, nil
}

// LiveData is the inner payload consumed by the renderer and UI.
type LiveData struct {
	Active          *model.Round     `json:"active"`
	LastCompleted   *model.Round     `json:"lastCompleted"`
	Scores          map[string]int64 `json:"scores"`
	HumanScores     map[string]int64 `json:"humanScores"`
	HumanVoteTotals map[string]int64 `json:"humanVoteTotals"`
	Models          []model.Model    `json:"models"`
	EnabledModelIDs []string         `json:"enabledModelIds"`
	Done            bool             `json:"done"`
	IsPaused        bool             `json:"isPaused"`
	Generation      int64            `json:"generation"`
	CompletedRounds int64            `json:"completedRounds"`
}

// LivePayload is the full live read-path response.
type LivePayload struct {
	Data        LiveData `json:"data"`
	TotalRounds int64    `json:"totalRounds"`
	ViewerCount int64    `json:"viewerCount"`
}

// Live builds the broadcast payload.
func (e *Engine) Live(ctx context.Context) (*LivePayload, error) {
	p := &LivePayload{
		Data: LiveData{
			Scores:          map[string]int64{},
			HumanScores:     map[string]int64{},
			HumanVoteTotals: map[string]int64{},
			Models:          e.catalog.ActiveModels(),
		},
	}
	p.Data.EnabledModelIDs = modelIDs(p.Data.Models)

	err := e.store.View(ctx, func(tx store.Tx) error {
		state, err := tx.State()
		if err != nil {
			return err
		}
		if state == nil {
			return nil
		}
		p.Data.Scores = state.Scores
		p.Data.HumanScores = state.HumanScores
		p.Data.HumanVoteTotals = state.HumanVoteTotals
		p.Data.Done = state.Done
		p.Data.IsPaused = state.IsPaused
		p.Data.Generation = state.Generation
		p.Data.CompletedRounds = state.CompletedRounds
		p.TotalRounds = state.TotalRounds

		if state.ActiveRoundID != "" {
			if p.Data.Active, err = tx.GetRound(state.ActiveRoundID); err != nil {
				return err
			}
		}
		if state.LastCompletedRoundID != "" {
			if p.Data.LastCompleted, err = tx.GetRound(state.LastCompletedRoundID); err != nil {
				return err
			}
		}
		total, err := tx.ShardTotal()
		if err != nil {
			return err
		}
		p.ViewerCount = total
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Export is the full admin dump.
type Export struct {
	State  *model.EngineState `json:"state"`
	Rounds []*model.Round     `json:"rounds"`
	Models []model.Model      `json:"models"`
}

// Export dumps the current generation for offline inspection.
func (e *Engine) Export(ctx context.Context) (*Export, error) {
	out := &Export{Models: e.catalog.Models()}
	err := e.store.View(ctx, func(tx store.Tx) error {
		state, err := tx.State()
		if err != nil {
			return err
		}
		out.State = state
		if state == nil {
			return nil
		}
		out.Rounds, err = tx.ListRounds(state.Generation, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
