package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tccflow/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TCCFLOW_CONFIG", "PORT", "LOG_LEVEL", "TCCFLOW_LOG_DIR", "TCCFLOW_SHARD_DSN",
		"TCCFLOW_SIGNING_KEY", "TCCFLOW_POOL_SEED", "TCCFLOW_PER_ENGINE_MIN_FEE",
		"TCCFLOW_COMMITMENT_TTL", "TCCFLOW_MAX_INPUT_BYTES", "TCCFLOW_MAX_LAYERS",
		"TCCFLOW_RATE_LIMIT_RPS", "TCCFLOW_RATE_LIMIT_BURST", "TCCFLOW_TELEMETRY",
		"TCCFLOW_TELEMETRY_INSECURE", "OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(k, "")
	}
}

// TestLoad_Defaults verifies the server boots with no configuration.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "data/logs", cfg.LogDir)
	assert.Empty(t, cfg.ShardDSN)
	assert.Equal(t, int64(1000), cfg.PerEngineMinFee)
	assert.Equal(t, 24*time.Hour, cfg.CommitmentTTL)
	assert.Equal(t, 1024, cfg.MaxInputBytes)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("TCCFLOW_COMMITMENT_TTL", "90m")
	t.Setenv("TCCFLOW_PER_ENGINE_MIN_FEE", "250")
	t.Setenv("TCCFLOW_TELEMETRY", "true")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, 90*time.Minute, cfg.CommitmentTTL)
	assert.Equal(t, int64(250), cfg.PerEngineMinFee)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "tccflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "7000"
log_dir: /var/lib/tccflow
shard_dsn: /var/lib/tccflow/shards.db
max_layers: 4
telemetry:
  enabled: true
  endpoint: collector:4317
  sample_rate: 0.5
`), 0o600))
	t.Setenv("TCCFLOW_CONFIG", path)
	t.Setenv("PORT", "7001")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "7001", cfg.Port, "env beats file")
	assert.Equal(t, "/var/lib/tccflow", cfg.LogDir)
	assert.Equal(t, "/var/lib/tccflow/shards.db", cfg.ShardDSN)
	assert.Equal(t, 4, cfg.MaxLayers)
	assert.Equal(t, "collector:4317", cfg.Telemetry.Endpoint)
	assert.Equal(t, 0.5, cfg.Telemetry.SampleRate)
}

func TestLoad_FileErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("TCCFLOW_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := config.Load()
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("unknown_field: 1\n"), 0o600))
	t.Setenv("TCCFLOW_CONFIG", path)
	_, err = config.Load()
	require.Error(t, err)
}

func TestLoad_InvalidEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("TCCFLOW_MAX_LAYERS", "many")
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TCCFLOW_MAX_LAYERS")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*config.Config){
		"zero fee":      func(c *config.Config) { c.PerEngineMinFee = 0 },
		"negative ttl":  func(c *config.Config) { c.CommitmentTTL = -time.Second },
		"no layers":     func(c *config.Config) { c.MaxLayers = 0 },
		"no burst":      func(c *config.Config) { c.RateLimitBurst = 0 },
		"bad level":     func(c *config.Config) { c.LogLevel = "LOUD" },
		"bad sampling":  func(c *config.Config) { c.Telemetry.SampleRate = 2 },
		"empty log dir": func(c *config.Config) { c.LogDir = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, config.Default().Validate())
}
