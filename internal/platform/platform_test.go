// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package platform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/punchline/internal/model"
)

func targetsFixture(t *testing.T) *Targets {
	t.Helper()
	reg, err := LoadTargets(filepath.Join(t.TempDir(), "targets.yaml"))
	require.NoError(t, err)
	return reg
}

func TestTargetsCRUDPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	reg, err := LoadTargets(path)
	require.NoError(t, err)

	require.NoError(t, reg.Add(model.ViewerTarget{
		ID: "twitch-main", Provider: "fossabot", URL: "https://example.test/count", Enabled: true,
	}))
	require.ErrorIs(t, reg.Add(model.ViewerTarget{
		ID: "twitch-main", Provider: "fossabot", URL: "https://other.test",
	}), ErrTargetExists)

	require.NoError(t, reg.Update(model.ViewerTarget{
		ID: "twitch-main", Provider: "fossabot", URL: "https://example.test/count", Enabled: false,
	}))
	require.Empty(t, reg.Enabled())

	// A fresh load sees the persisted state.
	reloaded, err := LoadTargets(path)
	require.NoError(t, err)
	require.Len(t, reloaded.List(), 1)
	require.False(t, reloaded.List()[0].Enabled)

	require.NoError(t, reg.Remove("twitch-main"))
	require.NoError(t, reg.Remove("twitch-main"))
	reloaded, err = LoadTargets(path)
	require.NoError(t, err)
	require.Empty(t, reloaded.List())
}

func TestTargetsRejectBlankIDs(t *testing.T) {
	reg := targetsFixture(t)
	require.Error(t, reg.Add(model.ViewerTarget{URL: "https://x.test"}))
	require.Error(t, reg.Add(model.ViewerTarget{ID: "x"}))
	require.Error(t, reg.Update(model.ViewerTarget{ID: "missing", URL: "https://x.test"}))
}

func TestPollOnceSumsEnabledTargets(t *testing.T) {
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"viewerCount": 12}`))
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"viewers": 3}`))
	}))
	defer srvB.Close()

	reg := targetsFixture(t)
	require.NoError(t, reg.Add(model.ViewerTarget{ID: "a", Provider: "fossabot", URL: srvA.URL, Enabled: true}))
	require.NoError(t, reg.Add(model.ViewerTarget{ID: "b", Provider: "custom", URL: srvB.URL, Enabled: true}))
	require.NoError(t, reg.Add(model.ViewerTarget{ID: "c", Provider: "custom", URL: srvA.URL, Enabled: false}))

	p := NewPoller(reg, time.Minute, nil)
	require.Equal(t, int64(15), p.PollOnce(context.Background()))
}

func TestPollOnceToleratesBrokenTargets(t *testing.T) {
	srvErr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srvErr.Close()
	srvOK := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"count": 4}`))
	}))
	defer srvOK.Close()

	reg := targetsFixture(t)
	require.NoError(t, reg.Add(model.ViewerTarget{ID: "bad", Provider: "x", URL: srvErr.URL, Enabled: true}))
	require.NoError(t, reg.Add(model.ViewerTarget{ID: "good", Provider: "x", URL: srvOK.URL, Enabled: true}))

	p := NewPoller(reg, time.Minute, nil)
	require.Equal(t, int64(4), p.PollOnce(context.Background()))
}

func TestPollOnceRejectsUnknownShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"audience": "lots"}`))
	}))
	defer srv.Close()

	reg := targetsFixture(t)
	require.NoError(t, reg.Add(model.ViewerTarget{ID: "odd", Provider: "x", URL: srv.URL, Enabled: true}))

	p := NewPoller(reg, time.Minute, nil)
	require.Zero(t, p.PollOnce(context.Background()))
}
