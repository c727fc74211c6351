// Package logging builds the root zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"curve-market/internal/config"
)

// New builds a logger from cfg. Development mode switches to the
// development preset (console output, stack traces on warnings).
func New(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	if cfg.Format != "" {
		zc.Encoding = cfg.Format
	}
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
