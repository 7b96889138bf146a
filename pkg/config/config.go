// Package config loads server configuration from an optional YAML file
// and environment variables. Environment variables win.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Port            string        `yaml:"port"`
	LogLevel        string        `yaml:"log_level"`
	LogDir          string        `yaml:"log_dir"`
	ShardDSN        string        `yaml:"shard_dsn"` // empty keeps shards in memory
	PerEngineMinFee int64         `yaml:"per_engine_min_fee"`
	CommitmentTTL   time.Duration `yaml:"commitment_ttl"`
	MaxInputBytes   int           `yaml:"max_input_bytes"`
	MaxLayers       int           `yaml:"max_layers"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	SigningKeyHex   string        `yaml:"signing_key"`
	PoolSeedHex     string        `yaml:"pool_seed"`
	Telemetry       Telemetry     `yaml:"telemetry"`
}

// Telemetry configures OpenTelemetry export.
type Telemetry struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	Insecure   bool    `yaml:"insecure"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:            "8080",
		LogLevel:        "INFO",
		LogDir:          "data/logs",
		PerEngineMinFee: 1000,
		CommitmentTTL:   24 * time.Hour,
		MaxInputBytes:   1024,
		MaxLayers:       12,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
		Telemetry:       Telemetry{SampleRate: 1.0},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// TCCFLOW_CONFIG (if set), then environment overrides.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("TCCFLOW_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("TCCFLOW_LOG_DIR", &c.LogDir)
	str("TCCFLOW_SHARD_DSN", &c.ShardDSN)
	str("TCCFLOW_SIGNING_KEY", &c.SigningKeyHex)
	str("TCCFLOW_POOL_SEED", &c.PoolSeedHex)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)

	var errs []string
	parse := func(key string, fn func(string) error) {
		if v := os.Getenv(key); v != "" {
			if err := fn(v); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			}
		}
	}
	parse("TCCFLOW_PER_ENGINE_MIN_FEE", func(v string) (err error) {
		c.PerEngineMinFee, err = strconv.ParseInt(v, 10, 64)
		return err
	})
	parse("TCCFLOW_COMMITMENT_TTL", func(v string) (err error) {
		c.CommitmentTTL, err = time.ParseDuration(v)
		return err
	})
	parse("TCCFLOW_MAX_INPUT_BYTES", func(v string) (err error) {
		c.MaxInputBytes, err = strconv.Atoi(v)
		return err
	})
	parse("TCCFLOW_MAX_LAYERS", func(v string) (err error) {
		c.MaxLayers, err = strconv.Atoi(v)
		return err
	})
	parse("TCCFLOW_RATE_LIMIT_RPS", func(v string) (err error) {
		c.RateLimitRPS, err = strconv.ParseFloat(v, 64)
		return err
	})
	parse("TCCFLOW_RATE_LIMIT_BURST", func(v string) (err error) {
		c.RateLimitBurst, err = strconv.Atoi(v)
		return err
	})
	parse("TCCFLOW_TELEMETRY", func(v string) (err error) {
		c.Telemetry.Enabled, err = strconv.ParseBool(v)
		return err
	})
	parse("TCCFLOW_TELEMETRY_INSECURE", func(v string) (err error) {
		c.Telemetry.Insecure, err = strconv.ParseBool(v)
		return err
	})
	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Port == "" {
		problems = append(problems, "port is required")
	}
	if c.LogDir == "" {
		problems = append(problems, "log_dir is required")
	}
	if c.PerEngineMinFee <= 0 {
		problems = append(problems, "per_engine_min_fee must be positive")
	}
	if c.CommitmentTTL <= 0 {
		problems = append(problems, "commitment_ttl must be positive")
	}
	if c.MaxInputBytes <= 0 {
		problems = append(problems, "max_input_bytes must be positive")
	}
	if c.MaxLayers <= 0 {
		problems = append(problems, "max_layers must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		problems = append(problems, "rate limits must be positive")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		problems = append(problems, "telemetry.sample_rate must be within [0, 1]")
	}
	if _, ok := parseLevel(c.LogLevel); !ok {
		problems = append(problems, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO", "":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}
