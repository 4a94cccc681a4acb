package app

import (
	"github.com/advdv/h2mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a zap logger configured from the environment.
// H2MUX_LOG_LEVEL controls the level (debug, info, warn, error).
func NewLogger(env Environment) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(env.logLevel())
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logs, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return logs.With(zap.String("service", env.serviceName())), nil
}

type zapLogger struct{ *zap.Logger }

func (l zapLogger) LogUnhandledServeError(err error) {
	l.Logger.Error("unhandled server error", zap.Error(err))
}

func (l zapLogger) LogRecoveredPanic(v any) {
	l.Logger.Error("recovered from handler panic", zap.Any("panic", v))
}

// NewMuxLogger adapts l to the logger the mux reports handler failures to.
func NewMuxLogger(l *zap.Logger) h2mux.Logger {
	return zapLogger{l.Named("h2mux")}
}
