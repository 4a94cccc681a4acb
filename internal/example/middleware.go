// Package example implements example middleware in an outside package.
package example

import (
	"context"

	"github.com/advdv/h2mux"
	"go.uber.org/zap"
)

// ctxKey type scopes middlware values.
type ctxKey string

// Middleware provides an example for middleware that adds a logger to the context.
func Middleware(logs *zap.Logger) h2mux.Middleware {
	return func(n h2mux.Handler) h2mux.Handler {
		return h2mux.HandlerFunc(func(c context.Context, w *h2mux.Response, r *h2mux.Request) error {
			logs := logs.With(zap.String("method", r.Method), zap.String("path", r.Path))
			c = context.WithValue(c, ctxKey("zap"), logs)

			return n.ServeH2(c, w, r)
		})
	}
}

// Log returns the logger stored by [Middleware], or a no-op logger.
func Log(ctx context.Context) *zap.Logger {
	logs, ok := ctx.Value(ctxKey("zap")).(*zap.Logger)
	if !ok {
		return zap.NewNop()
	}

	return logs
}
