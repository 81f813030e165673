// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/punchline/internal/catalog"
	"github.com/ManuGH/punchline/internal/engine"
	"github.com/ManuGH/punchline/internal/model"
)

// adminResponse is the common admin payload: the engine snapshot plus
// whatever the endpoint acted on.
type adminResponse struct {
	*engine.Snapshot
	Action  string               `json:"action,omitempty"`
	Models  []model.Model        `json:"models,omitempty"`
	Targets []model.ViewerTarget `json:"targets,omitempty"`
}

func (s *Server) snapshotResponse(w http.ResponseWriter, r *http.Request, action string) {
	snap, err := s.engine.Snapshot(r.Context())
	if err != nil {
		s.internalError(w, err, "api.snapshot_failed")
		return
	}
	s.writeJSON(w, http.StatusOK, adminResponse{Snapshot: snap, Action: action})
}

func (s *Server) handleAdminStatus(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.snapshotResponse(w, r, action)
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Pause(r.Context()); err != nil {
		s.internalError(w, err, "api.pause_failed")
		return
	}
	s.snapshotResponse(w, r, "Paused")
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Resume(r.Context()); err != nil {
		s.internalError(w, err, "api.resume_failed")
		return
	}
	s.snapshotResponse(w, r, "Resumed")
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reset(r.Context()); err != nil {
		s.internalError(w, err, "api.reset_failed")
		return
	}
	s.snapshotResponse(w, r, "Reset")
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	export, err := s.engine.Export(r.Context())
	if err != nil {
		s.internalError(w, err, "api.export_failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition",
		`attachment; filename="punchline-export-`+time.Now().UTC().Format("20060102-150405")+`.json"`)
	if err := json.NewEncoder(w).Encode(export); err != nil {
		s.logger.Error().Err(err).Str("event", "api.export_encode_failed").Msg("export encode failed")
	}
}

// --- Model catalog CRUD ---

func (s *Server) modelsResponse(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context())
	if err != nil {
		s.internalError(w, err, "api.snapshot_failed")
		return
	}
	s.writeJSON(w, http.StatusOK, adminResponse{Snapshot: snap, Models: s.catalog.Models()})
}

func (s *Server) handleModelsList(w http.ResponseWriter, r *http.Request) {
	s.modelsResponse(w, r)
}

func (s *Server) handleModelAdd(w http.ResponseWriter, r *http.Request) {
	var m model.Model
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		s.badRequest(w, "invalid model payload")
		return
	}
	if err := s.catalog.Add(m); err != nil {
		if errors.Is(err, catalog.ErrModelExists) {
			s.badRequest(w, err.Error())
			return
		}
		s.internalError(w, err, "api.model_add_failed")
		return
	}
	s.modelsResponse(w, r)
}

func (s *Server) handleModelUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var m model.Model
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		s.badRequest(w, "invalid model payload")
		return
	}
	if err := s.catalog.Update(id, m); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	s.modelsResponse(w, r)
}

func (s *Server) handleModelArchive(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Archive(chi.URLParam(r, "id"), time.Now()); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	s.modelsResponse(w, r)
}

func (s *Server) handleModelEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, "invalid payload")
		return
	}
	if err := s.catalog.SetEnabled(chi.URLParam(r, "id"), body.Enabled); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	s.modelsResponse(w, r)
}

// --- Viewer target CRUD ---

func (s *Server) targetsResponse(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusOK, adminResponse{Targets: s.targets.List()})
}

func (s *Server) handleTargetsList(w http.ResponseWriter, _ *http.Request) {
	s.targetsResponse(w)
}

func (s *Server) handleTargetAdd(w http.ResponseWriter, r *http.Request) {
	var target model.ViewerTarget
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		s.badRequest(w, "invalid target payload")
		return
	}
	if err := s.targets.Add(target); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	s.targetsResponse(w)
}

func (s *Server) handleTargetUpdate(w http.ResponseWriter, r *http.Request) {
	var target model.ViewerTarget
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		s.badRequest(w, "invalid target payload")
		return
	}
	target.ID = chi.URLParam(r, "id")
	if err := s.targets.Update(target); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	s.targetsResponse(w)
}

func (s *Server) handleTargetDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.targets.Remove(chi.URLParam(r, "id")); err != nil {
		s.internalError(w, err, "api.target_delete_failed")
		return
	}
	s.targetsResponse(w)
}
