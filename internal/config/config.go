// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads the daemon configuration: defaults, then an
// optional YAML file, then environment variables. Env always wins.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	ListenAddr  string `yaml:"listenAddr"`
	MetricsAddr string `yaml:"metricsAddr"`

	AdminPasscode  string   `yaml:"adminPasscode"`
	AllowedOrigins []string `yaml:"allowedOrigins"`

	OpenRouterAPIKey  string `yaml:"openRouterApiKey"`
	OpenRouterBaseURL string `yaml:"openRouterBaseUrl"`

	StoreBackend string `yaml:"storeBackend"`
	StorePath    string `yaml:"storePath"`

	ModelsPath  string `yaml:"modelsPath"`
	TargetsPath string `yaml:"targetsPath"`

	PlatformPollInterval time.Duration `yaml:"platformPollInterval"`
	BootstrapConcurrency int           `yaml:"bootstrapConcurrency"`

	RunsMode    string `yaml:"runsMode"`
	TotalRounds int64  `yaml:"totalRounds"`

	RedisAddr string `yaml:"redisAddr"`

	LogLevel string `yaml:"logLevel"`

	Telemetry Telemetry `yaml:"telemetry"`
}

// Telemetry configures the OTLP trace exporter.
type Telemetry struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporterType"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	Environment  string  `yaml:"environment"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:           ":8080",
		MetricsAddr:          ":9090",
		OpenRouterBaseURL:    "https://openrouter.ai/api/v1",
		StoreBackend:         "memory",
		ModelsPath:           "data/models.json",
		TargetsPath:          "data/viewer-targets.yaml",
		PlatformPollInterval: 15 * time.Second,
		BootstrapConcurrency: 2,
		RunsMode:             "infinite",
		LogLevel:             "info",
		Telemetry: Telemetry{
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 0.1,
			Environment:  "development",
		},
	}
}

// Load builds the configuration. The optional file named by CONFIG_FILE
// is read first; individual environment variables override its values.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.ListenAddr = ParseString("LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = ParseString("METRICS_ADDR", cfg.MetricsAddr)
	cfg.AdminPasscode = ParseString("ADMIN_PASSCODE", cfg.AdminPasscode)
	if origins := ParseString("ALLOWED_ORIGINS", strings.Join(cfg.AllowedOrigins, ",")); origins != "" {
		cfg.AllowedOrigins = splitOrigins(origins)
	}
	cfg.OpenRouterAPIKey = ParseString("OPENROUTER_API_KEY", cfg.OpenRouterAPIKey)
	cfg.OpenRouterBaseURL = ParseString("OPENROUTER_BASE_URL", cfg.OpenRouterBaseURL)
	cfg.StoreBackend = ParseString("STORE_BACKEND", cfg.StoreBackend)
	cfg.StorePath = ParseString("STORE_PATH", cfg.StorePath)
	cfg.ModelsPath = ParseString("MODELS_PATH", cfg.ModelsPath)
	cfg.TargetsPath = ParseString("VIEWER_TARGETS_PATH", cfg.TargetsPath)
	pollMs := ParseInt("PLATFORM_VIEWER_POLL_INTERVAL_MS", int(cfg.PlatformPollInterval.Milliseconds()))
	cfg.PlatformPollInterval = time.Duration(pollMs) * time.Millisecond
	cfg.BootstrapConcurrency = ParseInt("PROJECTION_BOOTSTRAP_MODEL_CONCURRENCY", cfg.BootstrapConcurrency)
	cfg.RunsMode = ParseString("RUNS_MODE", cfg.RunsMode)
	cfg.TotalRounds = int64(ParseInt("TOTAL_ROUNDS", int(cfg.TotalRounds)))
	cfg.RedisAddr = ParseString("REDIS_ADDR", cfg.RedisAddr)
	cfg.LogLevel = ParseString("LOG_LEVEL", cfg.LogLevel)

	cfg.Telemetry.Enabled = ParseBool("OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.ExporterType = ParseString("OTEL_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = ParseString("OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = ParseFloat("OTEL_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
	cfg.Telemetry.Environment = ParseString("ENVIRONMENT", cfg.Telemetry.Environment)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case "", "memory", "sqlite", "badger":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.StoreBackend)
	}
	if c.StoreBackend == "sqlite" || c.StoreBackend == "badger" {
		if c.StorePath == "" {
			return fmt.Errorf("config: STORE_PATH required for backend %q", c.StoreBackend)
		}
	}
	switch c.RunsMode {
	case "infinite", "finite":
	default:
		return fmt.Errorf("config: unknown runs mode %q", c.RunsMode)
	}
	if c.RunsMode == "finite" && c.TotalRounds <= 0 {
		return fmt.Errorf("config: finite runs mode needs TOTAL_ROUNDS > 0")
	}
	if c.PlatformPollInterval < time.Second {
		return fmt.Errorf("config: platform poll interval below 1s")
	}
	return nil
}

func splitOrigins(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
