package app

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	for _, level := range []zapcore.Level{
		zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel,
	} {
		t.Run(level.String(), func(t *testing.T) {
			logger, err := NewLogger(testEnv{level: level})
			require.NoError(t, err)
			require.True(t, logger.Core().Enabled(level))
			require.False(t, logger.Core().Enabled(level-1))
		})
	}
}

func TestMuxLogger(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	logger := NewMuxLogger(zap.New(core))

	t.Run("unhandled serve error", func(t *testing.T) {
		logger.LogUnhandledServeError(errors.New("test serve error"))

		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		require.Equal(t, "unhandled server error", entries[0].Message)
		require.Equal(t, "h2mux", entries[0].LoggerName)
		require.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	})

	t.Run("recovered panic", func(t *testing.T) {
		logger.LogRecoveredPanic("boom")

		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		require.Equal(t, "recovered from handler panic", entries[0].Message)
		require.Equal(t, "boom", entries[0].ContextMap()["panic"])
	})
}
