// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, "memory", cfg.StoreBackend)
	require.Equal(t, "infinite", cfg.RunsMode)
	require.Equal(t, 15*time.Second, cfg.PlatformPollInterval)
	require.Equal(t, 2, cfg.BootstrapConcurrency)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "punchline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"listenAddr: \":7000\"\nstoreBackend: sqlite\nstorePath: /tmp/x.db\nrunsMode: finite\ntotalRounds: 10\n",
	), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LISTEN_ADDR", ":7100")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":7100", cfg.ListenAddr)
	require.Equal(t, "sqlite", cfg.StoreBackend)
	require.Equal(t, int64(10), cfg.TotalRounds)
}

func TestValidateRejectsBadBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "cassandra")
	_, err := Load()
	require.Error(t, err)
}

func TestValidateRequiresStorePath(t *testing.T) {
	t.Setenv("STORE_BACKEND", "badger")
	_, err := Load()
	require.Error(t, err)
}

func TestValidateFiniteNeedsTotalRounds(t *testing.T) {
	t.Setenv("RUNS_MODE", "finite")
	_, err := Load()
	require.Error(t, err)
}

func TestAllowedOriginsSplitAndTrimmed(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestPollIntervalFromMilliseconds(t *testing.T) {
	t.Setenv("PLATFORM_VIEWER_POLL_INTERVAL_MS", "30000")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.PlatformPollInterval)
}

func TestParseHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("SOME_INT", "not-a-number")
	require.Equal(t, 7, ParseInt("SOME_INT", 7))
	t.Setenv("SOME_BOOL", "maybe")
	require.True(t, ParseBool("SOME_BOOL", true))
	t.Setenv("SOME_DUR", "eleven")
	require.Equal(t, time.Minute, ParseDuration("SOME_DUR", time.Minute))
}
