package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"curve-market/internal/config"
)

func TestNew(t *testing.T) {
	logger, err := New(config.LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = New(config.LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.ErrorLevel))
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}
