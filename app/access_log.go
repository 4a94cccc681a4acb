package app

import (
	"context"
	"net/http"
	"time"

	"github.com/advdv/h2mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// withAccessLog logs one line per request. Server errors are logged at error level, requests to
// quietPaths only at debug level.
func withAccessLog(logs *zap.Logger, quietPaths ...string) h2mux.Middleware {
	logs = logs.Named("access")

	return func(next h2mux.Handler) h2mux.Handler {
		return h2mux.HandlerFunc(func(ctx context.Context, w *h2mux.Response, r *h2mux.Request) error {
			start := time.Now()
			err := next.ServeH2(ctx, w, r)
			status, aborted := responseStatus(ctx, w, err)

			level := zapcore.InfoLevel
			switch {
			case status >= http.StatusInternalServerError:
				level = zapcore.ErrorLevel
			case aborted:
				level = zapcore.WarnLevel
			}

			for _, p := range quietPaths {
				if p == r.Path && level < zapcore.ErrorLevel {
					level = zapcore.DebugLevel
				}
			}

			if ce := logs.Check(level, "request served"); ce != nil {
				fields := append([]zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.Path),
					zap.Int("status", status),
					zap.Bool("aborted", aborted),
					zap.Duration("duration", time.Since(start)),
				}, traceFields(ctx)...)

				if err != nil && !aborted {
					fields = append(fields, zap.Error(err))
				}

				ce.Write(fields...)
			}

			return err
		})
	}
}
