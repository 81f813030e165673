// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package llm wraps the model provider behind a small adapter: attempt
// a call within a deadline, report success with text and metrics or an
// error, and emit streaming reasoning deltas along the way.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/punchline/internal/log"
	"github.com/ManuGH/punchline/internal/metrics"
	"github.com/ManuGH/punchline/internal/model"
)

// ProgressFunc receives streamed reasoning-text deltas during a call.
type ProgressFunc func(delta string)

// CallRequest is one provider call.
type CallRequest struct {
	Model     model.Model
	System    string
	User      string
	MaxTokens int
}

// CallResult is the outcome of a successful provider call.
type CallResult struct {
	Text    string
	Metrics model.LlmCallMetrics
}

// Caller is the transport under the adapter; OpenRouterClient is the
// production implementation.
type Caller interface {
	Call(ctx context.Context, req CallRequest, onReasoning ProgressFunc) (*CallResult, error)
}

// ErrValidation marks a response that came back but was unusable. It
// consumes an attempt like any other failure.
var ErrValidation = errors.New("llm: response failed validation")

const (
	minPromptLen = 10
	minAnswerLen = 3

	promptMaxTokens = 1024
	answerMaxTokens = 1024
	voteMaxTokens   = 512
)

// Adapter drives retries, per-attempt timeouts and response validation
// on top of a Caller.
type Adapter struct {
	caller Caller
	logger zerolog.Logger

	// test seams
	attemptTimeout time.Duration
	backoff        []time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewAdapter wraps a Caller with the round-engine retry policy.
func NewAdapter(caller Caller) *Adapter {
	return &Adapter{
		caller:         caller,
		logger:         log.WithComponent("llm"),
		attemptTimeout: model.ModelCallTimeout,
		backoff:        model.ModelRetryBackoff,
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GeneratePrompt asks the prompter model for a new challenge. Up to
// three attempts; responses under 10 characters are rejected.
func (a *Adapter) GeneratePrompt(ctx context.Context, m model.Model, onReasoning ProgressFunc) (*CallResult, error) {
	req := CallRequest{
		Model:     m,
		System:    promptSystem,
		User:      promptUser,
		MaxTokens: promptMaxTokens,
	}
	return a.callWithRetry(ctx, model.RequestPrompt, model.ModelAttempts, req, onReasoning, func(text string) error {
		if len(strings.TrimSpace(text)) < minPromptLen {
			return fmt.Errorf("%w: prompt too short", ErrValidation)
		}
		return nil
	})
}

// GenerateAnswer asks a contestant for its answer. Single attempt: the
// answering phase has no retry budget.
func (a *Adapter) GenerateAnswer(ctx context.Context, m model.Model, prompt string, onReasoning ProgressFunc) (*CallResult, error) {
	req := CallRequest{
		Model:     m,
		System:    answerSystem,
		User:      answerUser(prompt),
		MaxTokens: answerMaxTokens,
	}
	return a.callWithRetry(ctx, model.RequestAnswer, 1, req, onReasoning, func(text string) error {
		if len(strings.TrimSpace(text)) < minAnswerLen {
			return fmt.Errorf("%w: answer too short", ErrValidation)
		}
		return nil
	})
}

// GenerateVote asks a voter to pick a side. Up to three attempts; the
// response must start with "A" or "B".
func (a *Adapter) GenerateVote(ctx context.Context, m model.Model, prompt, answerA, answerB string, onReasoning ProgressFunc) (model.Side, *CallResult, error) {
	req := CallRequest{
		Model:     m,
		System:    voteSystem,
		User:      voteUser(prompt, answerA, answerB),
		MaxTokens: voteMaxTokens,
	}
	res, err := a.callWithRetry(ctx, model.RequestVote, model.ModelAttempts, req, onReasoning, func(text string) error {
		if _, ok := parseVote(text); !ok {
			return fmt.Errorf("%w: vote must start with A or B", ErrValidation)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	side, _ := parseVote(res.Text)
	return side, res, nil
}

func parseVote(text string) (model.Side, bool) {
	t := strings.TrimSpace(text)
	if t == "" {
		return "", false
	}
	switch strings.ToUpper(t[:1]) {
	case "A":
		return model.SideA, true
	case "B":
		return model.SideB, true
	}
	return "", false
}

func (a *Adapter) callWithRetry(ctx context.Context, rt model.RequestType, attempts int, req CallRequest, onReasoning ProgressFunc, validate func(string) error) (*CallResult, error) {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := a.backoff[backoffIndex(attempt-1, len(a.backoff))]
			if err := a.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		res, err := a.attempt(ctx, rt, req, onReasoning, validate)
		if err == nil {
			return res, nil
		}
		lastErr = err
		a.logger.Warn().
			Err(err).
			Str("event", "llm.attempt_failed").
			Str(log.FieldModelID, req.Model.ID).
			Str("request_type", string(rt)).
			Int("attempt", attempt+1).
			Msg("model call attempt failed")
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("llm: %s call failed after %d attempts: %w", rt, attempts, lastErr)
}

func backoffIndex(attempt, n int) int {
	if attempt >= n {
		return n - 1
	}
	return attempt
}

func (a *Adapter) attempt(ctx context.Context, rt model.RequestType, req CallRequest, onReasoning ProgressFunc, validate func(string) error) (*CallResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.attemptTimeout)
	defer cancel()

	started := time.Now()
	res, err := a.caller.Call(ctx, req, onReasoning)
	elapsed := time.Since(started)
	metrics.LlmCallSeconds.WithLabelValues(string(rt)).Observe(elapsed.Seconds())

	if err == nil {
		if verr := validate(res.Text); verr != nil {
			err = verr
		}
	}
	if err != nil {
		metrics.LlmCallsTotal.WithLabelValues(string(rt), "error").Inc()
		return nil, err
	}
	metrics.LlmCallsTotal.WithLabelValues(string(rt), "ok").Inc()

	if res.Metrics.DurationMs == 0 {
		res.Metrics.DurationMs = elapsed.Milliseconds()
		res.Metrics.DurationSource = "wall"
	}
	return res, nil
}
