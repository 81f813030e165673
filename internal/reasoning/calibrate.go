// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package reasoning

import (
	"sync"

	"github.com/ManuGH/punchline/internal/model"
)

const (
	factorInit = 0.92
	factorMin  = 0.45
	factorMax  = 1.45

	// EMA weight: heavier while the sample base is small.
	alphaEarly   = 0.2
	alphaSettled = 0.1
	earlySamples = 4
)

type calKey struct {
	modelID  string
	effort   model.ReasoningEffort
	callType model.RequestType
}

type calEntry struct {
	factor  float64
	samples int
}

// Calibrator maintains per-(model, effort, callType) multiplicative
// factors, updated from the ratio of provider-reported reasoning
// tokens to our raw estimate. Process-local; a cold start recalibrates
// after a handful of samples.
type Calibrator struct {
	mu      sync.Mutex
	entries map[calKey]*calEntry
}

func NewCalibrator() *Calibrator {
	return &Calibrator{entries: make(map[calKey]*calEntry)}
}

// Factor returns the current factor for the key.
func (c *Calibrator) Factor(modelID string, effort model.ReasoningEffort, callType model.RequestType) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[calKey{modelID, effort, callType}]; ok {
		return e.factor
	}
	return factorInit
}

// Observe feeds one completed call back into the factor. Calls with no
// raw estimate or no reported reasoning tokens are skipped.
func (c *Calibrator) Observe(modelID string, effort model.ReasoningEffort, callType model.RequestType, actualTokens int64, rawEstimate float64) {
	if rawEstimate <= 0 || actualTokens <= 0 {
		return
	}
	ratio := float64(actualTokens) / rawEstimate

	c.mu.Lock()
	defer c.mu.Unlock()
	k := calKey{modelID, effort, callType}
	e, ok := c.entries[k]
	if !ok {
		e = &calEntry{factor: factorInit}
		c.entries[k] = e
	}
	alpha := alphaSettled
	if e.samples < earlySamples {
		alpha = alphaEarly
	}
	e.factor = clamp(e.factor*(1-alpha)+ratio*alpha, factorMin, factorMax)
	e.samples++
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
