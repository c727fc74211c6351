// Package config loads service configuration from an optional file and
// CURVE_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides: http.addr is CURVE_HTTP_ADDR.
const EnvPrefix = "CURVE"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Rollup sources.
const (
	RollupSourceLedger     = "ledger"
	RollupSourceClickhouse = "clickhouse"
)

// Config is the complete service configuration.
type Config struct {
	ProgramID  string           `mapstructure:"program_id"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Clickhouse ClickhouseConfig `mapstructure:"clickhouse"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Events     EventsConfig     `mapstructure:"events"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Rollup     RollupConfig     `mapstructure:"rollup"`
	Curve      CurveConfig      `mapstructure:"curve"`
	Log        LogConfig        `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the metrics listener
}

type StorageConfig struct {
	// memory | postgres. memory serializes every transaction and loses state
	// on restart; production deployments run postgres.
	Driver string `mapstructure:"driver"`
}

type PostgresConfig struct {
	DSN         string `mapstructure:"dsn"`
	Migrate     bool   `mapstructure:"migrate"`
	LockTimeout string `mapstructure:"lock_timeout"`
}

type ClickhouseConfig struct {
	DSN string `mapstructure:"dsn"` // empty disables the trade mirror
}

type NATSConfig struct {
	URL           string `mapstructure:"url"` // empty disables NATS publishing
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type EventsConfig struct {
	BufferSize       int           `mapstructure:"buffer_size"`
	MirrorBatchSize  int           `mapstructure:"mirror_batch_size"`
	MirrorFlush      time.Duration `mapstructure:"mirror_flush_interval"`
	MirrorMaxTries   uint          `mapstructure:"mirror_max_tries"`
	MirrorBufferSize int           `mapstructure:"mirror_buffer_size"`
}

type SettlementConfig struct {
	MaxAttempts  uint          `mapstructure:"max_attempts"`
	RetryInitial time.Duration `mapstructure:"retry_initial"`
	RetryMax     time.Duration `mapstructure:"retry_max"`
}

type RollupConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Window   time.Duration `mapstructure:"window"`
	Source   string        `mapstructure:"source"` // ledger | clickhouse
}

type CurveConfig struct {
	DefaultBasePrice int64 `mapstructure:"default_base_price"`
	DefaultSlope     int64 `mapstructure:"default_slope"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Format      string `mapstructure:"format"` // json | console
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("program_id", "")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("storage.driver", DriverMemory) // development default
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.migrate", true)
	v.SetDefault("postgres.lock_timeout", "5s")
	v.SetDefault("clickhouse.dsn", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "curve")

	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.mirror_batch_size", 500)
	v.SetDefault("events.mirror_flush_interval", 2*time.Second)
	v.SetDefault("events.mirror_max_tries", 5)
	v.SetDefault("events.mirror_buffer_size", 10_000)

	v.SetDefault("settlement.max_attempts", 3)
	v.SetDefault("settlement.retry_initial", 10*time.Millisecond)
	v.SetDefault("settlement.retry_max", 200*time.Millisecond)

	v.SetDefault("rollup.interval", time.Minute)
	v.SetDefault("rollup.window", 24*time.Hour)
	v.SetDefault("rollup.source", RollupSourceLedger)

	v.SetDefault("curve.default_base_price", 1_000)
	v.SetDefault("curve.default_slope", 1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.format", "json")
}

// Load reads configuration. path may be empty, in which case an optional
// curve-market.{yaml,json,toml,env} in the working directory is used.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("curve-market")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.HTTP.Addr != "", "http.addr is required")
	check(c.Storage.Driver == DriverMemory || c.Storage.Driver == DriverPostgres,
		"storage.driver must be %q or %q, got %q", DriverMemory, DriverPostgres, c.Storage.Driver)
	check(c.Storage.Driver != DriverPostgres || c.Postgres.DSN != "",
		"postgres.dsn is required when storage.driver is %q", DriverPostgres)
	check(c.Rollup.Source == RollupSourceLedger || c.Rollup.Source == RollupSourceClickhouse,
		"rollup.source must be %q or %q, got %q", RollupSourceLedger, RollupSourceClickhouse, c.Rollup.Source)
	check(c.Rollup.Source != RollupSourceClickhouse || c.Clickhouse.DSN != "",
		"clickhouse.dsn is required when rollup.source is %q", RollupSourceClickhouse)
	check(c.Rollup.Interval > 0, "rollup.interval must be positive")
	check(c.Rollup.Window > 0, "rollup.window must be positive")
	check(c.Events.BufferSize > 0, "events.buffer_size must be positive")
	check(c.Settlement.MaxAttempts > 0, "settlement.max_attempts must be positive")
	check(c.Settlement.RetryInitial > 0 && c.Settlement.RetryMax >= c.Settlement.RetryInitial,
		"settlement.retry_initial must be positive and not above settlement.retry_max")
	check(c.Curve.DefaultBasePrice > 0, "curve.default_base_price must be positive")
	check(c.Curve.DefaultSlope >= 0, "curve.default_slope must not be negative")
	check(c.Log.Format == "json" || c.Log.Format == "console", "log.format must be json or console")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
