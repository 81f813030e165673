// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ManuGH/punchline/internal/log"
	"github.com/ManuGH/punchline/internal/model"
)

const (
	defaultBaseURL  = "https://openrouter.ai/api/v1"
	maxResponseBody = 10 * 1024 * 1024
)

// OpenRouterConfig configures the streaming client.
type OpenRouterConfig struct {
	APIKey   string
	BaseURL  string
	SiteURL  string
	SiteName string
	// RequestsPerSecond bounds outbound calls across all models.
	RequestsPerSecond float64
}

// OpenRouterClient is the production Caller. One request per call,
// streaming enabled, reasoning deltas forwarded as they arrive.
type OpenRouterClient struct {
	apiKey     string
	baseURL    string
	siteURL    string
	siteName   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// NewOpenRouterClient builds a client; the per-attempt deadline comes
// from the caller's context, so the http.Client carries no timeout.
func NewOpenRouterClient(cfg OpenRouterConfig) *OpenRouterClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	return &OpenRouterClient{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		siteURL:    cfg.SiteURL,
		siteName:   cfg.SiteName,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     log.WithComponent("openrouter"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	Reasoning     *reasoningOpts `json:"reasoning,omitempty"`
	Usage         *usageOpts     `json:"usage,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type reasoningOpts struct {
	Effort string `json:"effort,omitempty"`
}

type usageOpts struct {
	Include bool `json:"include"`
}

type chatChunk struct {
	Choices []struct {
		Delta *struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *chunkUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type chunkUsage struct {
	PromptTokens            int64   `json:"prompt_tokens"`
	CompletionTokens        int64   `json:"completion_tokens"`
	Cost                    float64 `json:"cost"`
	CompletionTokensDetails *struct {
		ReasoningTokens int64 `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
	Latency        int64 `json:"latency"`
	GenerationTime int64 `json:"generation_time"`
}

// Call performs one streaming chat completion. Reasoning deltas are
// forwarded through onReasoning; the final content is returned whole.
func (c *OpenRouterClient) Call(ctx context.Context, req CallRequest, onReasoning ProgressFunc) (*CallResult, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("openrouter: API key not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body := chatRequest{
		Model: req.Model.ID,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		Usage:         &usageOpts{Include: true},
	}
	if req.Model.ReasoningEffort != "" && req.Model.ReasoningEffort != model.EffortNone {
		body.Reasoning = &reasoningOpts{Effort: string(req.Model.ReasoningEffort)}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openrouter: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openrouter: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.siteURL != "" {
		httpReq.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		httpReq.Header.Set("X-Title", c.siteName)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openrouter: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return nil, fmt.Errorf("openrouter: status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	var content strings.Builder
	var usage *chunkUsage

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return nil, fmt.Errorf("openrouter: API error: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil {
			d := chunk.Choices[0].Delta
			if d.Reasoning != "" && onReasoning != nil {
				onReasoning(d.Reasoning)
			}
			content.WriteString(d.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("openrouter: stream error: %w", err)
	}

	text := strings.TrimSpace(content.String())
	if text == "" {
		return nil, fmt.Errorf("openrouter: empty completion")
	}

	res := &CallResult{Text: text}
	res.Metrics = metricsFromUsage(usage, time.Since(started))
	c.logger.Debug().
		Str("event", "openrouter.call_done").
		Str(log.FieldModelID, req.Model.ID).
		Int64("duration_ms", res.Metrics.DurationMs).
		Int64("reasoning_tokens", res.Metrics.ReasoningTokens).
		Msg("streaming call completed")
	return res, nil
}

// metricsFromUsage prefers provider latency, then generation time, then
// the local wall clock.
func metricsFromUsage(u *chunkUsage, wall time.Duration) model.LlmCallMetrics {
	m := model.LlmCallMetrics{
		DurationMs:     wall.Milliseconds(),
		DurationSource: "wall",
	}
	if u == nil {
		return m
	}
	m.CostUSD = u.Cost
	m.PromptTokens = u.PromptTokens
	m.CompletionTokens = u.CompletionTokens
	if u.CompletionTokensDetails != nil {
		m.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	m.ProviderLatencyMs = u.Latency
	m.GenerationTimeMs = u.GenerationTime
	switch {
	case u.Latency > 0:
		m.DurationMs = u.Latency
		m.DurationSource = "provider_latency"
	case u.GenerationTime > 0:
		m.DurationMs = u.GenerationTime
		m.DurationSource = "generation_time"
	}
	return m
}
