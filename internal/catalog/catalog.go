// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package catalog manages the model roster backed by a JSON file on
// disk. Writes are atomic (temp file + fsync + rename) and an optional
// fsnotify watcher picks up out-of-band edits.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/ManuGH/punchline/internal/log"
	"github.com/ManuGH/punchline/internal/model"
)

var (
	ErrModelExists   = errors.New("catalog: model id already exists")
	ErrModelNotFound = errors.New("catalog: model not found")
)

// Catalog holds the in-memory roster with thread-safe access and
// persists every mutation before it becomes visible.
type Catalog struct {
	mu     sync.RWMutex
	models []model.Model
	path   string
	logger zerolog.Logger

	watcher *fsnotify.Watcher

	listenerMu sync.RWMutex
	listeners  []chan<- struct{}
}

// Load reads the catalog file, seeding a default roster when the file
// does not exist yet.
func Load(path string) (*Catalog, error) {
	c := &Catalog{
		path:   path,
		logger: log.WithComponent("catalog"),
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		c.models = defaultModels()
		if err := c.persistLocked(); err != nil {
			return nil, fmt.Errorf("seed catalog: %w", err)
		}
		c.logger.Info().
			Str("event", "catalog.seeded").
			Int("models", len(c.models)).
			Str("path", path).
			Msg("wrote default model catalog")
	case err != nil:
		return nil, fmt.Errorf("read catalog: %w", err)
	default:
		if err := json.Unmarshal(data, &c.models); err != nil {
			return nil, fmt.Errorf("parse catalog: %w", err)
		}
	}
	if err := validate(c.models); err != nil {
		return nil, err
	}
	return c, nil
}

// Models returns a copy of the full roster, archived entries included.
func (c *Catalog) Models() []model.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Model, len(c.models))
	for i := range c.models {
		out[i] = c.models[i].Clone()
	}
	return out
}

// ActiveModels returns enabled, non-archived models.
func (c *Catalog) ActiveModels() []model.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []model.Model
	for i := range c.models {
		if c.models[i].Active() {
			out = append(out, c.models[i].Clone())
		}
	}
	return out
}

// Get returns the model with the given id, archived or not.
func (c *Catalog) Get(id string) (model.Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.models {
		if c.models[i].ID == id {
			return c.models[i].Clone(), true
		}
	}
	return model.Model{}, false
}

// Add appends a new model to the roster.
func (c *Catalog) Add(m model.Model) error {
	if m.ID == "" || m.Name == "" {
		return errors.New("catalog: model id and name are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.models {
		if c.models[i].ID == m.ID {
			return ErrModelExists
		}
	}
	c.models = append(c.models, m)
	if err := c.persistLocked(); err != nil {
		c.models = c.models[:len(c.models)-1]
		return err
	}
	c.logger.Info().
		Str("event", "catalog.model_added").
		Str(log.FieldModelID, m.ID).
		Msg("model added")
	c.notify()
	return nil
}

// Update replaces the stored model with the same index position. A
// change of id or reasoning effort bumps metricsEpoch so projection
// samples recorded under the old identity are not reused.
func (c *Catalog) Update(id string, m model.Model) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := -1
	for i := range c.models {
		if c.models[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrModelNotFound
	}
	if m.ID != id {
		for i := range c.models {
			if i != idx && c.models[i].ID == m.ID {
				return ErrModelExists
			}
		}
	}
	prev := c.models[idx]
	m.MetricsEpoch = prev.MetricsEpoch
	if m.ID != prev.ID || m.ReasoningEffort != prev.ReasoningEffort {
		m.MetricsEpoch++
	}
	c.models[idx] = m
	if err := c.persistLocked(); err != nil {
		c.models[idx] = prev
		return err
	}
	c.logger.Info().
		Str("event", "catalog.model_updated").
		Str(log.FieldModelID, m.ID).
		Int64("metrics_epoch", m.MetricsEpoch).
		Msg("model updated")
	c.notify()
	return nil
}

// Archive soft-deletes a model. Archived models keep their history but
// are excluded from selection.
func (c *Catalog) Archive(id string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.models {
		if c.models[i].ID != id {
			continue
		}
		if c.models[i].ArchivedAt != 0 {
			return nil
		}
		prev := c.models[i]
		c.models[i].ArchivedAt = now.UnixMilli()
		if err := c.persistLocked(); err != nil {
			c.models[i] = prev
			return err
		}
		c.logger.Info().
			Str("event", "catalog.model_archived").
			Str(log.FieldModelID, id).
			Msg("model archived")
		c.notify()
		return nil
	}
	return ErrModelNotFound
}

// SetEnabled toggles a model without touching its metrics epoch.
func (c *Catalog) SetEnabled(id string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.models {
		if c.models[i].ID != id {
			continue
		}
		if c.models[i].Enabled == enabled {
			return nil
		}
		c.models[i].Enabled = enabled
		if err := c.persistLocked(); err != nil {
			c.models[i].Enabled = !enabled
			return err
		}
		c.notify()
		return nil
	}
	return ErrModelNotFound
}

// persistLocked writes the roster atomically. Caller holds c.mu.
func (c *Catalog) persistLocked() error {
	pending, err := renameio.NewPendingFile(c.path)
	if err != nil {
		return fmt.Errorf("create pending catalog file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			c.logger.Debug().Err(err).Msg("cleanup pending catalog file")
		}
	}()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c.models); err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace catalog file: %w", err)
	}
	return nil
}

// StartWatcher watches the catalog file for external edits and reloads
// it. Our own atomic writes also trigger events; reloading what we just
// wrote is harmless.
func (c *Catalog) StartWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	c.watcher = watcher
	if err := watcher.Add(c.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch catalog file: %w", err)
	}
	c.logger.Info().
		Str("event", "catalog.watcher_started").
		Str("path", c.path).
		Msg("watching catalog file")
	go c.watchLoop(ctx)
	return nil
}

func (c *Catalog) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	const debounceDuration = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Str("event", "catalog.watcher_stopped").Msg("catalog watcher stopped")
			_ = c.watcher.Close()
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDuration, func() {
					if err := c.reload(); err != nil {
						c.logger.Error().
							Err(err).
							Str("event", "catalog.reload_failed").
							Msg("catalog reload failed")
					}
				})
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error().
				Err(err).
				Str("event", "catalog.watcher_error").
				Msg("catalog watcher error")
		}
	}
}

// reload reads the file and swaps the roster if it validates; a broken
// file keeps the previous roster.
func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	var models []model.Model
	if err := json.Unmarshal(data, &models); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}
	if err := validate(models); err != nil {
		return err
	}
	c.mu.Lock()
	c.models = models
	c.mu.Unlock()
	c.logger.Info().
		Str("event", "catalog.reload_success").
		Int("models", len(models)).
		Msg("catalog reloaded")
	c.notify()
	return nil
}

// Stop closes the watcher if one is running.
func (c *Catalog) Stop() {
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
}

// RegisterListener registers a channel that receives a tick whenever
// the roster changes. Sends are non-blocking.
func (c *Catalog) RegisterListener(ch chan<- struct{}) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.listeners = append(c.listeners, ch)
}

func (c *Catalog) notify() {
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	for _, ch := range c.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func validate(models []model.Model) error {
	seen := make(map[string]struct{}, len(models))
	for i := range models {
		m := &models[i]
		if m.ID == "" {
			return errors.New("catalog: model with empty id")
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("catalog: duplicate model id %q", m.ID)
		}
		seen[m.ID] = struct{}{}
		switch m.ReasoningEffort {
		case "", model.EffortNone, model.EffortMinimal, model.EffortLow,
			model.EffortMedium, model.EffortHigh, model.EffortXHigh:
		default:
			return fmt.Errorf("catalog: model %q has invalid reasoning effort %q", m.ID, m.ReasoningEffort)
		}
	}
	return nil
}

func defaultModels() []model.Model {
	return []model.Model{
		{ID: "openai/gpt-5.1", Name: "GPT-5.1", Color: "#10a37f", LogoID: "openai", ReasoningEffort: model.EffortMedium, Enabled: true},
		{ID: "anthropic/claude-sonnet-4.5", Name: "Claude Sonnet 4.5", Color: "#d97757", LogoID: "anthropic", ReasoningEffort: model.EffortMedium, Enabled: true},
		{ID: "google/gemini-2.5-pro", Name: "Gemini 2.5 Pro", Color: "#4285f4", LogoID: "google", ReasoningEffort: model.EffortMedium, Enabled: true},
		{ID: "x-ai/grok-4", Name: "Grok 4", Color: "#1d9bf0", LogoID: "xai", ReasoningEffort: model.EffortMedium, Enabled: true},
		{ID: "deepseek/deepseek-r1", Name: "DeepSeek R1", Color: "#556bf2", LogoID: "deepseek", ReasoningEffort: model.EffortMedium, Enabled: true},
	}
}
