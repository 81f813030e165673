// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package platform tracks external chat/stream pages ("viewer targets")
// and polls their viewer counts so the engine can react to an audience
// it cannot see directly.
package platform

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ManuGH/punchline/internal/log"
	"github.com/ManuGH/punchline/internal/model"
)

// ErrTargetExists is returned when adding a target with a taken id.
var ErrTargetExists = errors.New("platform: target id already exists")

// Targets is the YAML-persisted registry of viewer targets.
type Targets struct {
	mu      sync.RWMutex
	path    string
	targets []model.ViewerTarget
	logger  zerolog.Logger
}

// LoadTargets reads the registry from path. A missing file yields an
// empty registry; the file appears on the first write.
func LoadTargets(path string) (*Targets, error) {
	t := &Targets{
		path:   path,
		logger: log.WithComponent("platform"),
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("platform: read %s: %w", path, err)
	}
	var targets []model.ViewerTarget
	if err := yaml.Unmarshal(data, &targets); err != nil {
		return nil, fmt.Errorf("platform: parse %s: %w", path, err)
	}
	t.targets = targets
	return t, nil
}

// List returns the targets sorted by id.
func (t *Targets) List() []model.ViewerTarget {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.ViewerTarget, len(t.targets))
	copy(out, t.targets)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Enabled returns only the enabled targets.
func (t *Targets) Enabled() []model.ViewerTarget {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []model.ViewerTarget
	for _, target := range t.targets {
		if target.Enabled {
			out = append(out, target)
		}
	}
	return out
}

// Add inserts a new target and persists the registry.
func (t *Targets) Add(target model.ViewerTarget) error {
	if target.ID == "" || target.URL == "" {
		return errors.New("platform: target needs id and url")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.targets {
		if existing.ID == target.ID {
			return ErrTargetExists
		}
	}
	t.targets = append(t.targets, target)
	if err := t.persistLocked(); err != nil {
		t.targets = t.targets[:len(t.targets)-1]
		return err
	}
	return nil
}

// Update replaces the target with the same id.
func (t *Targets) Update(target model.ViewerTarget) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.targets {
		if existing.ID == target.ID {
			prev := t.targets[i]
			t.targets[i] = target
			if err := t.persistLocked(); err != nil {
				t.targets[i] = prev
				return err
			}
			return nil
		}
	}
	return fmt.Errorf("platform: target %s not found", target.ID)
}

// Remove deletes a target by id; unknown ids are a no-op.
func (t *Targets) Remove(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.targets {
		if existing.ID == id {
			prev := t.targets
			t.targets = append(append([]model.ViewerTarget{}, t.targets[:i]...), t.targets[i+1:]...)
			if err := t.persistLocked(); err != nil {
				t.targets = prev
				return err
			}
			return nil
		}
	}
	return nil
}

func (t *Targets) persistLocked() error {
	data, err := yaml.Marshal(t.targets)
	if err != nil {
		return err
	}
	pf, err := renameio.NewPendingFile(t.path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("platform: prepare %s: %w", t.path, err)
	}
	defer pf.Cleanup() //nolint:errcheck
	if _, err := pf.Write(data); err != nil {
		return fmt.Errorf("platform: write %s: %w", t.path, err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("platform: replace %s: %w", t.path, err)
	}
	return nil
}
