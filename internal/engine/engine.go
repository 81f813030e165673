// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package engine drives the comedy tournament: a lease-protected
// single-writer loop advancing rounds through prompting, answering,
// voting and finalization, plus recovery, reset and bootstrap paths.
package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/punchline/internal/catalog"
	"github.com/ManuGH/punchline/internal/llm"
	"github.com/ManuGH/punchline/internal/log"
	"github.com/ManuGH/punchline/internal/metrics"
	"github.com/ManuGH/punchline/internal/model"
	"github.com/ManuGH/punchline/internal/reasoning"
	"github.com/ManuGH/punchline/internal/store"
)

// Generator is the slice of the LLM adapter the engine consumes.
type Generator interface {
	GeneratePrompt(ctx context.Context, m model.Model, onReasoning llm.ProgressFunc) (*llm.CallResult, error)
	GenerateAnswer(ctx context.Context, m model.Model, prompt string, onReasoning llm.ProgressFunc) (*llm.CallResult, error)
	GenerateVote(ctx context.Context, m model.Model, prompt, answerA, answerB string, onReasoning llm.ProgressFunc) (model.Side, *llm.CallResult, error)
}

// Config carries tournament-level settings.
type Config struct {
	// RunsMode "finite" ends the tournament after TotalRounds.
	RunsMode    string
	TotalRounds int64
	// BootstrapConcurrency is clamped to [1,3].
	BootstrapConcurrency int
}

const mutationRetries = 3

// Engine owns the driver goroutine and every engine-critical mutation.
type Engine struct {
	store   store.Store
	catalog *catalog.Catalog
	gen     Generator
	cal     *reasoning.Calibrator
	clock   Clock
	cfg     Config
	logger  zerolog.Logger

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	rnd     *rand.Rand
}

// New wires an engine. Start must be called before EnsureStarted.
func New(s store.Store, cat *catalog.Catalog, gen Generator, cfg Config) *Engine {
	return &Engine{
		store:   s,
		catalog: cat,
		gen:     gen,
		cal:     reasoning.NewCalibrator(),
		clock:   realClock{},
		cfg:     cfg,
		logger:  log.WithComponent("engine"),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start binds the engine's background work to ctx.
func (e *Engine) Start(ctx context.Context) {
	e.rootCtx, e.cancel = context.WithCancel(ctx)
}

// Stop cancels background work and waits for the driver to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// EnsureStarted acquires a lease and launches a driver if none is
// running. Called from viewer heartbeats, admin resume and daemon
// startup; cheap when a driver already holds the lease.
func (e *Engine) EnsureStarted(ctx context.Context) {
	e.mu.Lock()
	if e.running || e.rootCtx == nil || e.rootCtx.Err() != nil {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	leaseID, ok, err := e.acquireLeaseIfVacant(ctx)
	if err != nil {
		e.logger.Error().Err(err).Str("event", "engine.lease_acquire_failed").Msg("lease acquisition failed")
		return
	}
	if !ok {
		return
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.drive(e.rootCtx, leaseID)
}

// drive runs the loop until the lease is lost, the tournament is done
// or the context ends. A heartbeat goroutine renews the lease during
// long suspensions.
func (e *Engine) drive(ctx context.Context, leaseID string) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := e.logger.With().Str(log.FieldLeaseID, leaseID).Logger()
	logger.Info().Str("event", "engine.driver_started").Msg("round driver started")

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		t := time.NewTicker(model.LeaseRenewInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				held, err := e.renewLease(ctx, leaseID)
				if err != nil && ctx.Err() == nil {
					logger.Warn().Err(err).Str("event", "engine.lease_renew_error").Msg("lease renewal errored")
					continue
				}
				if !held {
					logger.Warn().Str("event", "engine.lease_lost").Msg("runner lease lost, stopping driver")
					cancel()
					return
				}
			}
		}
	}()

	for {
		delay, cont := e.runOnce(ctx, leaseID)
		if !cont {
			break
		}
		if err := e.clock.Sleep(ctx, delay); err != nil {
			break
		}
	}

	cancel()
	<-hbDone
	logger.Info().Str("event", "engine.driver_stopped").Msg("round driver stopped")
}

// mutate runs a transactional mutation with bounded retries on
// optimistic-concurrency conflicts.
func (e *Engine) mutate(ctx context.Context, name string, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 0; attempt < mutationRetries; attempt++ {
		err = e.store.Update(ctx, fn)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		metrics.StoreConflictsTotal.WithLabelValues(name).Inc()
	}
	return err
}

func (e *Engine) shuffleModels(models []model.Model) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rnd.Shuffle(len(models), func(i, j int) {
		models[i], models[j] = models[j], models[i]
	})
}

func (e *Engine) coin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rnd.Intn(2) == 1
}
