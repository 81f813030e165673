// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	fossabotValidateTimeout  = 5 * time.Second
	fossabotValidateCacheTTL = 60 * time.Second
)

// handleFossabotVote is the chat-bridge entry point. Fossabot calls it
// as a custom API: the reply body is echoed verbatim into chat, so it
// stays short and human-readable.
func (s *Server) handleFossabotVote(w http.ResponseWriter, r *http.Request) {
	writePlain := func(msg string) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(msg))
	}

	userLogin := r.Header.Get("x-fossabot-message-userlogin")
	channel := r.Header.Get("x-fossabot-channellogin")
	if userLogin == "" || channel == "" {
		http.Error(w, "missing fossabot headers", http.StatusBadRequest)
		return
	}
	if ok, err := s.validateFossabot(r.Context(), r.Header.Get("x-fossabot-validateurl")); err != nil {
		s.internalError(w, err, "api.fossabot_validate_failed")
		return
	} else if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	side, ok := parseSide(r.URL.Query().Get("vote"))
	if !ok {
		writePlain("Use !voto 1 ou !voto 2.")
		return
	}

	viewerID := "fossabot:" + channel + ":" + userLogin
	status, err := s.viewers.CastVote(r.Context(), viewerID, side)
	if err != nil {
		s.internalError(w, err, "api.fossabot_vote_failed")
		return
	}
	writePlain("@" + userLogin + " " + voteStatusMessage(status))
}

// validateFossabot confirms the request really originated from Fossabot
// by fetching its per-request validate URL. Verdicts are cached in redis
// briefly; a nil redis client skips the cache, an empty URL fails.
func (s *Server) validateFossabot(ctx context.Context, validateURL string) (bool, error) {
	if validateURL == "" {
		return false, nil
	}
	u, err := url.Parse(validateURL)
	if err != nil || u.Scheme != s.fossaScheme || u.Host != s.fossaHost {
		return false, nil
	}

	cacheKey := "fossabot:validate:" + validateURL
	if s.redis != nil {
		if verdict, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
			return verdict == "ok", nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, fossabotValidateTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("fossabot validate: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	valid := resp.StatusCode == http.StatusOK
	if s.redis != nil {
		verdict := "bad"
		if valid {
			verdict = "ok"
		}
		if err := s.redis.Set(ctx, cacheKey, verdict, fossabotValidateCacheTTL).Err(); err != nil {
			s.logger.Warn().Err(err).Str("event", "api.fossabot_cache_failed").Msg("validate cache write failed")
		}
	}
	return valid, nil
}
