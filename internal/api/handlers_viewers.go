// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"net/http"

	"github.com/ManuGH/punchline/internal/model"
	"github.com/ManuGH/punchline/internal/viewers"
)

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	payload, err := s.engine.Live(r.Context())
	if err != nil {
		s.internalError(w, err, "api.live_failed")
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ViewerID string `json:"viewerId"`
		Page     string `json:"page"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ViewerID == "" {
		s.badRequest(w, "viewerId required")
		return
	}
	if err := s.viewers.Heartbeat(r.Context(), body.ViewerID, body.Page); err != nil {
		s.internalError(w, err, "api.heartbeat_failed")
		return
	}
	total, err := s.viewers.Total(r.Context())
	if err != nil {
		s.internalError(w, err, "api.heartbeat_failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"viewerCount": total})
}

func (s *Server) handleViewerVote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ViewerID string `json:"viewerId"`
		Side     string `json:"side"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ViewerID == "" {
		s.badRequest(w, "viewerId required")
		return
	}
	side, ok := parseSide(body.Side)
	if !ok {
		s.badRequest(w, "side must be A or B")
		return
	}
	status, err := s.viewers.CastVote(r.Context(), body.ViewerID, side)
	if err != nil {
		s.internalError(w, err, "api.vote_failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": string(status)})
}

func parseSide(raw string) (model.Side, bool) {
	switch raw {
	case "A", "a", "1":
		return model.SideA, true
	case "B", "b", "2":
		return model.SideB, true
	}
	return "", false
}

// voteStatusMessage maps a cast outcome to the chat-facing reply.
func voteStatusMessage(status viewers.VoteStatus) string {
	switch status {
	case viewers.VoteAccepted:
		return "Voto registrado!"
	case viewers.VoteUpdated:
		return "Voto atualizado!"
	case viewers.VoteUnchanged:
		return "Você já votou nessa resposta."
	default:
		return "A votação não está aberta agora."
	}
}
