// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics defines the Prometheus instruments shared across the
// engine and the HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoundsTotal counts finished rounds by result: completed, skipped_prompt,
	// skipped_answer, recovered.
	RoundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "punchline_rounds_total",
			Help: "Total rounds finished by result",
		},
		[]string{"result"},
	)

	// PhaseTransitions counts observed round phase transitions.
	PhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "punchline_phase_transitions_total",
			Help: "Round phase transitions",
		},
		[]string{"phase_from", "phase_to"},
	)

	// LeaseLostTotal counts runner lease losses observed during renewal.
	LeaseLostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "punchline_lease_lost_total",
			Help: "Total runner leases lost during heartbeat",
		},
	)

	// LlmCallsTotal counts adapter calls by request type and result.
	LlmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "punchline_llm_calls_total",
			Help: "Total LLM adapter calls",
		},
		[]string{"request_type", "result"},
	)

	// LlmCallSeconds observes wall-clock adapter call durations.
	LlmCallSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "punchline_llm_call_seconds",
			Help:    "LLM adapter call duration",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"request_type"},
	)

	// ViewerCount gauges the current reconciled viewer total.
	ViewerCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "punchline_viewers",
			Help: "Current live viewer count (sum of shards)",
		},
	)

	// ViewerVotesTotal counts cast-vote outcomes: accepted, updated,
	// unchanged, inactive.
	ViewerVotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "punchline_viewer_votes_total",
			Help: "Viewer vote casts by status",
		},
		[]string{"status"},
	)

	// PurgedRowsTotal counts rows removed by generation-reset purges.
	PurgedRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "punchline_purged_rows_total",
			Help: "Rows purged after generation reset",
		},
		[]string{"table"},
	)

	// ReapedPresenceTotal counts presence rows removed by the reaper.
	ReapedPresenceTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "punchline_reaped_presence_total",
			Help: "Expired viewer presence rows reaped",
		},
	)

	// StoreConflictsTotal counts optimistic-concurrency failures by mutation.
	StoreConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "punchline_store_conflicts_total",
			Help: "Optimistic concurrency conflicts",
		},
		[]string{"mutation"},
	)
)
