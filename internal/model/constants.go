// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import "time"

// Engine timing constants. Stale thresholds are derived from the adapter
// budget: attempts*timeout + backoff sum + grace.
const (
	RunnerLeaseDuration = 60 * time.Second
	LeaseRenewInterval  = 20 * time.Second

	ModelAttempts    = 3
	ModelCallTimeout = 60 * time.Second

	SkippedRoundDelay = 10 * time.Second
	PostRoundDelay    = 5 * time.Second

	ViewerVoteWindowActive = 30 * time.Second
	ViewerVoteWindowIdle   = 120 * time.Second

	PresenceTTL    = 30 * time.Second
	ReaperInterval = 5 * time.Second
	ReaperBatch    = 500
	ReaperBatchMax = 1000

	PurgeBatch   = 500
	ViewerShards = 64

	StaleGrace      = 15 * time.Second
	MinActiveModels = 3

	BootstrapMinSamples  = 5
	BootstrapMaxAttempts = 30
	BootstrapStaleAfter  = 30 * time.Minute
)

// ModelRetryBackoff is the between-attempt sleep schedule inside the adapter.
var ModelRetryBackoff = []time.Duration{1 * time.Second, 2 * time.Second}

// PromptStaleAfter is the stale threshold for the prompting phase.
func PromptStaleAfter() time.Duration {
	total := time.Duration(ModelAttempts) * ModelCallTimeout
	for _, b := range ModelRetryBackoff {
		total += b
	}
	return total + StaleGrace
}

// AnswerStaleAfter is the stale threshold for the answering phase.
// Answer calls run as a single attempt, so only one timeout applies.
func AnswerStaleAfter() time.Duration {
	return ModelCallTimeout + StaleGrace
}

// VoteStaleAfter is the stale threshold for the voting phase.
func VoteStaleAfter() time.Duration {
	return PromptStaleAfter()
}
