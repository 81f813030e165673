// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package model defines the persisted tournament entities and their enums.
// All timestamps are wall-clock milliseconds since the Unix epoch.
package model

// Phase is the lifecycle state of a round. Phases only move forward.
type Phase string

const (
	PhasePrompting Phase = "prompting"
	PhaseAnswering Phase = "answering"
	PhaseVoting    Phase = "voting"
	PhaseDone      Phase = "done"
)

// Side identifies one of the two contestant answers.
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// SkipType classifies why a round was terminated without a result.
type SkipType string

const (
	SkipPromptError SkipType = "prompt_error"
	SkipAnswerError SkipType = "answer_error"
)

// RequestType labels the three kinds of LLM calls a round makes.
type RequestType string

const (
	RequestPrompt RequestType = "prompt"
	RequestAnswer RequestType = "answer"
	RequestVote   RequestType = "vote"
)

// ReasoningEffort mirrors the provider-side effort knob.
type ReasoningEffort string

const (
	EffortXHigh   ReasoningEffort = "xhigh"
	EffortHigh    ReasoningEffort = "high"
	EffortMedium  ReasoningEffort = "medium"
	EffortLow     ReasoningEffort = "low"
	EffortMinimal ReasoningEffort = "minimal"
	EffortNone    ReasoningEffort = "none"
)

// VotingMode records which viewer-vote window size was applied.
type VotingMode string

const (
	VotingActive VotingMode = "active"
	VotingIdle   VotingMode = "idle"
)

// Model is a catalog entry for an LLM contestant.
type Model struct {
	ID              string          `json:"id" yaml:"id"`
	Name            string          `json:"name" yaml:"name"`
	Color           string          `json:"color" yaml:"color"`
	LogoID          string          `json:"logoId" yaml:"logoId"`
	ReasoningEffort ReasoningEffort `json:"reasoningEffort,omitempty" yaml:"reasoningEffort,omitempty"`
	// MetricsEpoch is bumped whenever ID or ReasoningEffort changes so that
	// historical usage samples are invalidated.
	MetricsEpoch int64 `json:"metricsEpoch" yaml:"metricsEpoch"`
	Enabled      bool  `json:"enabled" yaml:"enabled"`
	ArchivedAt   int64 `json:"archivedAt,omitempty" yaml:"archivedAt,omitempty"`

	// Role capability flags; nil means capable.
	CanPrompt *bool `json:"canPrompt,omitempty" yaml:"canPrompt,omitempty"`
	CanAnswer *bool `json:"canAnswer,omitempty" yaml:"canAnswer,omitempty"`
	CanVote   *bool `json:"canVote,omitempty" yaml:"canVote,omitempty"`
}

// Active reports whether the model participates in rounds.
func (m Model) Active() bool { return m.Enabled && m.ArchivedAt == 0 }

// PromptCapable reports whether the model may be selected as prompter.
func (m Model) PromptCapable() bool { return m.CanPrompt == nil || *m.CanPrompt }

// AnswerCapable reports whether the model may be selected as contestant.
func (m Model) AnswerCapable() bool { return m.CanAnswer == nil || *m.CanAnswer }

// VoteCapable reports whether the model may be selected as voter.
func (m Model) VoteCapable() bool { return m.CanVote == nil || *m.CanVote }

// LlmCallMetrics captures provider-reported accounting for one call.
type LlmCallMetrics struct {
	CostUSD          float64 `json:"costUsd"`
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	ReasoningTokens  int64   `json:"reasoningTokens"`
	// DurationMs prefers provider latency, then generation time, then the
	// local wall clock; DurationSource says which one won.
	DurationMs       int64  `json:"durationMs"`
	DurationSource   string `json:"durationSource"`
	ProviderLatencyMs int64 `json:"providerLatencyMs,omitempty"`
	GenerationTimeMs  int64 `json:"generationTimeMs,omitempty"`
}

// Task is one LLM call embedded in a round (prompt or answer).
// Exactly one of Result or Error conveys the outcome once FinishedAt is set.
type Task struct {
	Model      Model           `json:"model"`
	StartedAt  int64           `json:"startedAt"`
	FinishedAt int64           `json:"finishedAt,omitempty"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Metrics    *LlmCallMetrics `json:"metrics,omitempty"`
}

// Terminal reports whether the task has finished (successfully or not).
func (t Task) Terminal() bool { return t.FinishedAt != 0 }

// Succeeded reports whether the task finished without an error.
func (t Task) Succeeded() bool { return t.FinishedAt != 0 && t.Error == "" }

// Vote is a single model vote embedded in a round.
type Vote struct {
	Voter        Model `json:"voter"`
	StartedAt    int64 `json:"startedAt"`
	FinishedAt   int64 `json:"finishedAt,omitempty"`
	VotedForSide Side  `json:"votedForSide,omitempty"`
	Error        bool  `json:"error,omitempty"`
}

// Succeeded reports whether the vote finished with a side and no error.
func (v Vote) Succeeded() bool { return v.FinishedAt != 0 && !v.Error && v.VotedForSide != "" }

// Round is one prompt → two answers → N votes cycle.
type Round struct {
	ID         string `json:"id"`
	Generation int64  `json:"generation"`
	Num        int64  `json:"num"`
	Phase      Phase  `json:"phase"`

	Prompter   Model  `json:"prompter"`
	PromptTask Task   `json:"promptTask"`
	Prompt     string `json:"prompt,omitempty"`

	Contestants [2]Model `json:"contestants"`
	AnswerTasks [2]Task  `json:"answerTasks"`

	Votes []Vote `json:"votes"`

	Skipped    bool     `json:"skipped,omitempty"`
	SkipReason string   `json:"skipReason,omitempty"`
	SkipType   SkipType `json:"skipType,omitempty"`

	ScoreA       int64 `json:"scoreA,omitempty"`
	ScoreB       int64 `json:"scoreB,omitempty"`
	ViewerVotesA int64 `json:"viewerVotesA,omitempty"`
	ViewerVotesB int64 `json:"viewerVotesB,omitempty"`

	ViewerVotingEndsAt   int64      `json:"viewerVotingEndsAt,omitempty"`
	ViewerVotingWindowMs int64      `json:"viewerVotingWindowMs,omitempty"`
	ViewerVotingMode     VotingMode `json:"viewerVotingMode,omitempty"`

	CreatedAt   int64 `json:"createdAt"`
	UpdatedAt   int64 `json:"updatedAt"`
	CompletedAt int64 `json:"completedAt,omitempty"`
}

// EngineState is the singleton durable record driving the tournament.
type EngineState struct {
	// Version is the optimistic-concurrency column; every committed write
	// increments it and writes with a stale version fail with ErrConflict.
	Version int64 `json:"version"`

	Generation int64 `json:"generation"`
	IsPaused   bool  `json:"isPaused"`
	Done       bool  `json:"done"`

	NextRoundNum         int64  `json:"nextRoundNum"`
	ActiveRoundID        string `json:"activeRoundId,omitempty"`
	LastCompletedRoundID string `json:"lastCompletedRoundId,omitempty"`
	CompletedRounds      int64  `json:"completedRounds"`

	Scores          map[string]int64 `json:"scores"`
	HumanScores     map[string]int64 `json:"humanScores"`
	HumanVoteTotals map[string]int64 `json:"humanVoteTotals"`

	EnabledModelIDs []string `json:"enabledModelIds"`

	RunnerLeaseID    string `json:"runnerLeaseId,omitempty"`
	RunnerLeaseUntil int64  `json:"runnerLeaseUntil,omitempty"`

	BootstrapRunID     string `json:"bootstrapRunId,omitempty"`
	BootstrapStartedAt int64  `json:"bootstrapStartedAt,omitempty"`

	// RunsMode "finite" enables Done once CompletedRounds reaches TotalRounds.
	RunsMode    string `json:"runsMode,omitempty"`
	TotalRounds int64  `json:"totalRounds,omitempty"`
}

// NewEngineState returns the lazily-created singleton defaults.
func NewEngineState() *EngineState {
	return &EngineState{
		Generation:      1,
		NextRoundNum:    1,
		Scores:          map[string]int64{},
		HumanScores:     map[string]int64{},
		HumanVoteTotals: map[string]int64{},
	}
}

// LeaseHeld reports whether the given lease id currently owns the runner
// lease at time now.
func (s *EngineState) LeaseHeld(leaseID string, now int64) bool {
	return s.RunnerLeaseID != "" && s.RunnerLeaseID == leaseID && s.RunnerLeaseUntil > now
}

// LeaseVacant reports whether no valid lease exists at time now.
func (s *EngineState) LeaseVacant(now int64) bool {
	return s.RunnerLeaseID == "" || s.RunnerLeaseUntil <= now
}

// ViewerPresence is one live viewer row; it exists iff the viewer counts.
type ViewerPresence struct {
	ViewerID   string `json:"viewerId"`
	ExpiresAt  int64  `json:"expiresAt"`
	CountShard int    `json:"countShard"`
	LastSeenAt int64  `json:"lastSeenAt"`
}

// ViewerVote is the per-viewer idempotence row; last writer wins.
type ViewerVote struct {
	Generation int64  `json:"generation"`
	RoundID    string `json:"roundId"`
	ViewerID   string `json:"viewerId"`
	Side       Side   `json:"side"`
	Shard      int    `json:"shard"`
}

// LlmUsageEvent is the append-only usage sample row.
type LlmUsageEvent struct {
	Generation   int64       `json:"generation"`
	ModelID      string      `json:"modelId"`
	MetricsEpoch int64       `json:"metricsEpoch"`
	RequestType  RequestType `json:"requestType"`
	Origin       string      `json:"origin"` // "runtime" or "bootstrap"

	StartedAt  int64 `json:"startedAt"`
	FinishedAt int64 `json:"finishedAt"`

	CostUSD          float64 `json:"costUsd"`
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	ReasoningTokens  int64   `json:"reasoningTokens"`
	DurationMs       int64   `json:"durationMs"`
	DurationSource   string  `json:"durationSource"`
	Error            bool    `json:"error,omitempty"`
}

// ProgressAnswerNone is the AnswerIndex for prompt-phase progress rows.
const ProgressAnswerNone = -1

// LiveReasoningProgress is the streaming reasoning-token estimate row,
// keyed by (RoundID, RequestType, AnswerIndex).
type LiveReasoningProgress struct {
	Generation  int64       `json:"generation"`
	RoundID     string      `json:"roundId"`
	RequestType RequestType `json:"requestType"`
	AnswerIndex int         `json:"answerIndex"` // ProgressAnswerNone for prompts
	ModelID     string      `json:"modelId"`

	EstimatedReasoningTokens int64 `json:"estimatedReasoningTokens"`
	Finalized                bool  `json:"finalized"`
	UpdatedAt                int64 `json:"updatedAt"`
}

// ViewerTarget is an external chat/stream page whose viewer count is polled.
type ViewerTarget struct {
	ID       string `json:"id" yaml:"id"`
	Provider string `json:"provider" yaml:"provider"`
	URL      string `json:"url" yaml:"url"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`
}
