package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, uint(3), cfg.Settlement.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Settlement.RetryInitial)
	assert.Equal(t, 24*time.Hour, cfg.Rollup.Window)
	assert.Equal(t, RollupSourceLedger, cfg.Rollup.Source)
	assert.Equal(t, int64(1_000), cfg.Curve.DefaultBasePrice)
	assert.Equal(t, "curve", cfg.NATS.SubjectPrefix)
	assert.True(t, cfg.Postgres.Migrate)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CURVE_HTTP_ADDR", ":1234")
	t.Setenv("CURVE_SETTLEMENT_RETRY_MAX", "1s")
	t.Setenv("CURVE_STORAGE_DRIVER", "postgres")
	t.Setenv("CURVE_POSTGRES_DSN", "postgres://localhost/curve")
	t.Setenv("CURVE_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":1234", cfg.HTTP.Addr)
	assert.Equal(t, time.Second, cfg.Settlement.RetryMax)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "postgres://localhost/curve", cfg.Postgres.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "curve.yaml")
	content := `
http:
  addr: ":7000"
rollup:
  interval: 30s
  source: clickhouse
clickhouse:
  dsn: clickhouse://localhost:9000/curve
curve:
  default_base_price: 5000
  default_slope: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CURVE_CURVE_DEFAULT_SLOPE", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, 30*time.Second, cfg.Rollup.Interval)
	assert.Equal(t, RollupSourceClickhouse, cfg.Rollup.Source)
	assert.Equal(t, int64(5_000), cfg.Curve.DefaultBasePrice)
	assert.Equal(t, int64(7), cfg.Curve.DefaultSlope, "environment wins over file")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }},
		{"clickhouse rollup without dsn", func(c *Config) { c.Rollup.Source = RollupSourceClickhouse }},
		{"zero interval", func(c *Config) { c.Rollup.Interval = 0 }},
		{"zero attempts", func(c *Config) { c.Settlement.MaxAttempts = 0 }},
		{"inverted retry bounds", func(c *Config) { c.Settlement.RetryMax = time.Millisecond }},
		{"zero base price", func(c *Config) { c.Curve.DefaultBasePrice = 0 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base().Validate())
}
