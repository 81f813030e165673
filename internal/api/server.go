// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api exposes the daemon's HTTP surface: the admin panel
// endpoints, the viewer heartbeat/vote endpoints, the Fossabot chat
// bridge and the live read path.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ManuGH/punchline/internal/catalog"
	"github.com/ManuGH/punchline/internal/engine"
	"github.com/ManuGH/punchline/internal/log"
	"github.com/ManuGH/punchline/internal/platform"
	"github.com/ManuGH/punchline/internal/viewers"
)

// Server wires the HTTP handlers to the engine and its services.
type Server struct {
	engine   *engine.Engine
	viewers  *viewers.Service
	catalog  *catalog.Catalog
	targets  *platform.Targets
	passcode string
	origins  []string
	// redis caches Fossabot validate-URL verdicts; nil disables caching.
	redis      *redis.Client
	httpClient *http.Client
	// Validate URLs must point at the real Fossabot API.
	fossaScheme string
	fossaHost   string
	logger      zerolog.Logger
}

// Options carries the server dependencies.
type Options struct {
	Engine         *engine.Engine
	Viewers        *viewers.Service
	Catalog        *catalog.Catalog
	Targets        *platform.Targets
	AdminPasscode  string
	AllowedOrigins []string
	Redis          *redis.Client
}

// NewServer builds the HTTP server around the engine.
func NewServer(opts Options) *Server {
	return &Server{
		engine:      opts.Engine,
		viewers:     opts.Viewers,
		catalog:     opts.Catalog,
		targets:     opts.Targets,
		passcode:    opts.AdminPasscode,
		origins:     opts.AllowedOrigins,
		redis:       opts.Redis,
		httpClient:  &http.Client{Timeout: fossabotValidateTimeout},
		fossaScheme: "https",
		fossaHost:   "api.fossabot.com",
		logger:      log.WithComponent("api"),
	}
}

// Handler returns the full routed handler, traced via otelhttp.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.cors)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/api/live", s.handleLive)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(120, time.Minute))
		r.Post("/api/viewers/heartbeat", s.handleHeartbeat)
		r.Post("/api/viewers/vote", s.handleViewerVote)
		r.Get("/fossabot/vote", s.handleFossabotVote)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Post("/login", s.handleAdminStatus(""))
		r.Get("/status", s.handleAdminStatus(""))
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/reset", s.handleReset)
		r.Get("/export", s.handleExport)
		r.Get("/models", s.handleModelsList)
		r.Post("/models", s.handleModelAdd)
		r.Post("/models/{id}", s.handleModelUpdate)
		r.Post("/models/{id}/archive", s.handleModelArchive)
		r.Post("/models/{id}/enabled", s.handleModelEnabled)
		r.Get("/viewer-targets", s.handleTargetsList)
		r.Post("/viewer-targets", s.handleTargetAdd)
		r.Post("/viewer-targets/{id}", s.handleTargetUpdate)
		r.Post("/viewer-targets/{id}/delete", s.handleTargetDelete)
	})

	return otelhttp.NewHandler(r, "punchline-api")
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Str("event", "api.encode_failed").Msg("response encode failed")
	}
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	http.Error(w, msg, http.StatusBadRequest)
}

func (s *Server) internalError(w http.ResponseWriter, err error, event string) {
	s.logger.Error().Err(err).Str("event", event).Msg("request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}
