// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package reasoning

import (
	"context"
	"time"

	"github.com/ManuGH/punchline/internal/log"
	"github.com/ManuGH/punchline/internal/model"
	"github.com/ManuGH/punchline/internal/store"
)

// Sink writes live reasoning progress for one call into the store,
// coalescing writes so a chatty stream produces at most one upsert per
// second. Finalize always writes and locks the displayed value.
type Sink struct {
	store store.Store
	now   func() time.Time

	generation  int64
	roundID     string
	requestType model.RequestType
	answerIndex int
	modelID     string

	lastWrite time.Time
	lastValue int64
}

// NewSink returns a sink for one live call. answerIndex distinguishes
// parallel calls within a round: contestants use their answer index,
// voters their voter index, prompt calls pass model.ProgressAnswerNone.
func NewSink(s store.Store, generation int64, roundID string, rt model.RequestType, answerIndex int, modelID string) *Sink {
	return &Sink{
		store:       s,
		now:         time.Now,
		generation:  generation,
		roundID:     roundID,
		requestType: rt,
		answerIndex: answerIndex,
		modelID:     modelID,
	}
}

// Progress records the current estimate. Writes are rate-limited to
// one per second; intermediate values are dropped, not queued.
func (s *Sink) Progress(ctx context.Context, estimatedTokens int64) {
	now := s.now()
	if !s.lastWrite.IsZero() && now.Sub(s.lastWrite) < time.Second {
		return
	}
	s.write(ctx, estimatedTokens, false)
	s.lastWrite = now
}

// Finalize writes the last estimate with the finalized flag set. Used
// on both success and error paths to lock the displayed count.
func (s *Sink) Finalize(ctx context.Context, estimatedTokens int64) {
	s.write(ctx, estimatedTokens, true)
}

func (s *Sink) write(ctx context.Context, tokens int64, finalized bool) {
	if tokens < 0 {
		tokens = 0
	}
	s.lastValue = tokens
	err := s.store.Update(ctx, func(tx store.Tx) error {
		return tx.PutProgress(&model.LiveReasoningProgress{
			Generation:               s.generation,
			RoundID:                  s.roundID,
			RequestType:              s.requestType,
			AnswerIndex:              s.answerIndex,
			ModelID:                  s.modelID,
			EstimatedReasoningTokens: tokens,
			Finalized:                finalized,
			UpdatedAt:                s.now().UnixMilli(),
		})
	})
	if err != nil {
		// Progress is cosmetic; losing an upsert must not fail the call.
		logger := log.WithComponent("reasoning")
		logger.Warn().
			Err(err).
			Str("event", "reasoning.progress_write_failed").
			Str(log.FieldRoundID, s.roundID).
			Str(log.FieldModelID, s.modelID).
			Msg("dropping reasoning progress upsert")
	}
}
