// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// The punchline daemon: an LLM comedy tournament. One process hosts the
// round engine, the viewer aggregates, the admin/viewer HTTP surface and
// the platform pollers.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ManuGH/punchline/internal/api"
	"github.com/ManuGH/punchline/internal/catalog"
	"github.com/ManuGH/punchline/internal/config"
	"github.com/ManuGH/punchline/internal/engine"
	"github.com/ManuGH/punchline/internal/llm"
	"github.com/ManuGH/punchline/internal/log"
	"github.com/ManuGH/punchline/internal/platform"
	"github.com/ManuGH/punchline/internal/store"
	"github.com/ManuGH/punchline/internal/telemetry"
	"github.com/ManuGH/punchline/internal/viewers"
)

func main() {
	if err := run(); err != nil {
		logger := log.Base()
		logger.Fatal().Err(err).Str("event", "daemon.fatal").Msg("daemon exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "punchline"})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "punchline",
		ServiceVersion: os.Getenv("VERSION"),
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Str("event", "daemon.telemetry_shutdown_failed").Msg("telemetry shutdown failed")
		}
	}()

	st, err := store.Open(cfg.StoreBackend, cfg.StorePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Str("event", "daemon.store_close_failed").Msg("store close failed")
		}
	}()

	cat, err := catalog.Load(cfg.ModelsPath)
	if err != nil {
		return err
	}
	if err := cat.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Str("event", "daemon.catalog_watch_failed").Msg("catalog hot reload unavailable")
	}
	defer cat.Stop()

	client := llm.NewOpenRouterClient(llm.OpenRouterConfig{
		APIKey:   cfg.OpenRouterAPIKey,
		BaseURL:  cfg.OpenRouterBaseURL,
		SiteURL:  "https://punchline.example",
		SiteName: "punchline",
	})
	adapter := llm.NewAdapter(client)

	eng := engine.New(st, cat, adapter, engine.Config{
		RunsMode:             cfg.RunsMode,
		TotalRounds:          cfg.TotalRounds,
		BootstrapConcurrency: cfg.BootstrapConcurrency,
	})
	eng.Start(ctx)
	defer eng.Stop()

	vs := viewers.NewService(st)
	vs.OnActivity(eng.EnsureStarted)
	vs.OnViewersArrived(eng.MaybeShortenVotingWindow)
	go vs.RunReaper(ctx)

	targets, err := platform.LoadTargets(cfg.TargetsPath)
	if err != nil {
		return err
	}
	poller := platform.NewPoller(targets, cfg.PlatformPollInterval, eng.MaybeShortenVotingWindow)
	go poller.Run(ctx)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn().Err(err).Str("event", "daemon.redis_close_failed").Msg("redis close failed")
			}
		}()
	}

	// Make sure cost projections have samples, then get a driver going.
	go func() {
		if err := eng.RunProjectionBootstrap(ctx); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Str("event", "daemon.bootstrap_failed").Msg("projection bootstrap incomplete")
		}
	}()
	eng.EnsureStarted(ctx)

	srv := api.NewServer(api.Options{
		Engine:         eng,
		Viewers:        vs,
		Catalog:        cat,
		Targets:        targets,
		AdminPasscode:  cfg.AdminPasscode,
		AllowedOrigins: cfg.AllowedOrigins,
		Redis:          rdb,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("event", "daemon.listening").Str("addr", cfg.ListenAddr).Msg("api listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info().Str("event", "daemon.metrics_listening").Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Str("event", "daemon.shutdown").Msg("shutting down")
	case err := <-errCh:
		stop()
		logger.Error().Err(err).Str("event", "daemon.listen_failed").Msg("listener failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Str("event", "daemon.http_shutdown_failed").Msg("http shutdown failed")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Str("event", "daemon.metrics_shutdown_failed").Msg("metrics shutdown failed")
	}
	return nil
}
