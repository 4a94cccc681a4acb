package app

import (
	"context"

	"github.com/advdv/h2mux"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const ctxKeyRequestDep ctxKey = iota

// requestDep holds request-scoped dependencies available via context.
// App-scoped dependencies (env, mux, client) are accessed via Runtime instead.
type requestDep struct {
	logger *zap.Logger
}

// withRequestDep injects dependencies into the request context.
func withRequestDep(d *requestDep) h2mux.Middleware {
	return func(next h2mux.Handler) h2mux.Handler {
		return h2mux.HandlerFunc(func(ctx context.Context, w *h2mux.Response, r *h2mux.Request) error {
			return next.ServeH2(context.WithValue(ctx, ctxKeyRequestDep, d), w, r)
		})
	}
}

// WithLogger returns a copy of ctx that [Log] reads logger from. The server does this for every
// request; handlers called directly, as in tests, need it too.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKeyRequestDep, &requestDep{logger: logger})
}

func requestDepFromContext(ctx context.Context) *requestDep {
	d, ok := ctx.Value(ctxKeyRequestDep).(*requestDep)
	if !ok {
		panic("app: requestDep not found in context; is the middleware configured?")
	}

	return d
}

// Log returns a trace-correlated zap logger from the context.
func Log(ctx context.Context) *zap.Logger {
	d := requestDepFromContext(ctx)
	return d.logger.With(traceFields(ctx)...)
}

// Span returns the current trace span from the context.
func Span(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// traceFields extracts trace_id and span_id from the context for log correlation.
func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}

	sc := span.SpanContext()

	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}
