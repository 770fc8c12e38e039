package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 2.5, cfg.Residual.K)
	assert.Equal(t, "sector", cfg.Residual.Partition)
	assert.Equal(t, 0.02, cfg.Outlier.Contamination)
	assert.Equal(t, 100, cfg.Outlier.Trees)
	assert.Equal(t, uint64(42), cfg.Outlier.Seed)
	assert.Equal(t, 3*time.Hour, cfg.Events.GapTolerance)
	assert.Equal(t, "and", cfg.Fusion.Policy)
	assert.Equal(t, []int{32, 16}, cfg.Baseline.Train.Hidden)
	assert.Equal(t, "COP", cfg.Impact.Currency)
	assert.Equal(t, 800.0, cfg.Impact.CostPerKWh)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := writeFile(t, `
log_level: debug
baseline:
  eval_start: "2025-01-01"
  features:
    lags: true
residual:
  k: 3
  partition: site
events:
  gap_tolerance: 2h
kafka:
  enabled: true
  brokers: ["kafka-1:9092", "kafka-2:9092"]
`)
	t.Setenv("GHOST_RESIDUAL__K", "2")
	t.Setenv("GHOST_LOG_FORMAT", "console")
	t.Setenv("GHOST_OUTLIER__SAMPLE_SIZE", "128")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, 2.0, cfg.Residual.K, "env wins over file")
	assert.Equal(t, "site", cfg.Residual.Partition)
	assert.Equal(t, 128, cfg.Outlier.SampleSize)
	assert.Equal(t, 2*time.Hour, cfg.Events.GapTolerance)
	assert.True(t, cfg.Baseline.Features.Lags)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)

	start, err := cfg.Baseline.EvalStartTime()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), start)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"non-positive k", func(c *Config) { c.Residual.K = 0 }},
		{"unknown partition", func(c *Config) { c.Residual.Partition = "floor" }},
		{"contamination too high", func(c *Config) { c.Outlier.Contamination = 0.6 }},
		{"unknown fusion", func(c *Config) { c.Fusion.Policy = "xor" }},
		{"n-of-m without n", func(c *Config) { c.Fusion.Policy = "n-of-m" }},
		{"bad eval start", func(c *Config) { c.Baseline.EvalStart = "01/02/2025" }},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Brokers = nil }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad currency", func(c *Config) { c.Impact.Currency = "PESOS" }},
		{"negative retained runs", func(c *Config) { c.Data.RetainRuns = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestEvalStartTime(t *testing.T) {
	b := BaselineConfig{}
	ts, err := b.EvalStartTime()
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	b.EvalStart = "2025-01-01T06:00:00-05:00"
	ts, err = b.EvalStartTime()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC), ts)
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "ghostenergy.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "data/processed/dataset_clean.csv", cfg.Data.Input)
	assert.Equal(t, "2025-01-01", cfg.Baseline.EvalStart)
	assert.Equal(t, 20, cfg.Data.RetainRuns)
	assert.Equal(t, "results/forests", cfg.Outlier.ModelDir)
	assert.True(t, cfg.Baseline.Features.Categories)
	assert.Equal(t, 3*time.Hour, cfg.Events.GapTolerance)
	assert.Equal(t, 5*time.Minute, cfg.Redis.TTL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "Spanish (Colombia)", cfg.Explain.Language)
}
