// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/punchline/internal/log"
	"github.com/ManuGH/punchline/internal/model"
)

const pollRequestTimeout = 5 * time.Second

// Poller fetches external viewer counts on an interval and fires
// onViewers when any enabled target reports an audience.
type Poller struct {
	targets   *Targets
	client    *http.Client
	interval  time.Duration
	onViewers func(ctx context.Context)
	logger    zerolog.Logger
}

// NewPoller wires a poller. onViewers runs at most once per tick.
func NewPoller(targets *Targets, interval time.Duration, onViewers func(ctx context.Context)) *Poller {
	return &Poller{
		targets:   targets,
		client:    &http.Client{Timeout: pollRequestTimeout},
		interval:  interval,
		onViewers: onViewers,
		logger:    log.WithComponent("platform"),
	}
}

// Run polls until ctx ends.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if total := p.PollOnce(ctx); total > 0 && p.onViewers != nil {
				p.onViewers(ctx)
			}
		}
	}
}

// PollOnce queries every enabled target and returns the summed count.
// Unreachable targets count as zero.
func (p *Poller) PollOnce(ctx context.Context) int64 {
	var total int64
	for _, target := range p.targets.Enabled() {
		count, err := p.fetchCount(ctx, target)
		if err != nil {
			p.logger.Warn().Err(err).
				Str("event", "platform.poll_failed").
				Str("target", target.ID).
				Msg("viewer target poll failed")
			continue
		}
		total += count
	}
	return total
}

func (p *Poller) fetchCount(ctx context.Context, target model.ViewerTarget) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, pollRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("platform: %s returned status %d", target.Provider, resp.StatusCode)
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("platform: decode %s response: %w", target.Provider, err)
	}
	// Providers disagree on the field name; probe the known spellings.
	for _, key := range []string{"viewerCount", "viewer_count", "viewers", "count"} {
		raw, ok := body[key]
		if !ok {
			continue
		}
		var n int64
		if err := json.Unmarshal(raw, &n); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("platform: no viewer count field in %s response", target.Provider)
}
