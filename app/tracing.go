package app

import (
	"context"
	"net/http"
	"time"

	"github.com/advdv/h2mux"
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/fx"
)

const tracingInitTimeout = 5 * time.Second

const tracerName = "github.com/advdv/h2mux/app"

// NewTracerProvider creates and configures the OpenTelemetry TracerProvider.
// Supported exporters via H2MUX_OTEL_EXPORTER: "stdout" (default) and "none".
// Shutdown is handled automatically via fx.Lifecycle.
func NewTracerProvider(lc fx.Lifecycle, env Environment) (trace.TracerProvider, error) {
	if env.otelExporter() == "none" {
		return noop.NewTracerProvider(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), tracingInitTimeout)
	defer cancel()

	exporter, err := newExporter(ctx, env.otelExporter())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(newResource(env.serviceName())),
	)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})

	return tp, nil
}

// NewPropagator creates the W3C TraceContext + Baggage composite propagator.
func NewPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

// newExporter creates a span exporter based on the exporter type.
func newExporter(_ context.Context, exporterType string) (sdktrace.SpanExporter, error) {
	switch exporterType {
	case "stdout", "":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, errors.Newf("unsupported H2MUX_OTEL_EXPORTER: %q (supported: stdout, none)", exporterType)
	}
}

func newResource(serviceName string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)
}

// withTracing starts a server span for every request. The parent is taken from the request headers
// with prop. Requests to excludePaths are not traced.
func withTracing(tp trace.TracerProvider, prop propagation.TextMapPropagator, excludePaths ...string) h2mux.Middleware {
	tracer := tp.Tracer(tracerName)
	excluded := lo.SliceToMap(excludePaths, func(p string) (string, struct{}) { return p, struct{}{} })

	return func(next h2mux.Handler) h2mux.Handler {
		return h2mux.HandlerFunc(func(ctx context.Context, w *h2mux.Response, r *h2mux.Request) error {
			if _, ok := excluded[r.Path]; ok {
				return next.ServeH2(ctx, w, r)
			}

			ctx = prop.Extract(ctx, propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.Path),
					semconv.URLScheme(r.Scheme),
					semconv.ServerAddress(r.Authority),
				))
			defer span.End()

			err := next.ServeH2(ctx, w, r)

			status, aborted := responseStatus(ctx, w, err)
			switch {
			case aborted:
				span.SetStatus(codes.Error, "stream reset by peer")
			case status >= http.StatusInternalServerError:
				span.SetAttributes(semconv.HTTPResponseStatusCode(status))
				span.SetStatus(codes.Error, "")
			default:
				span.SetAttributes(semconv.HTTPResponseStatusCode(status))
			}

			if err != nil && !aborted {
				span.RecordError(err)
			}

			return err
		})
	}
}

// responseStatus predicts the status the mux sends for a handler result. It reports true when
// the stream was reset and nothing is sent.
func responseStatus(ctx context.Context, w *h2mux.Response, err error) (int, bool) {
	switch {
	case err == nil:
		return w.Status(), false
	case h2mux.IsAborted(ctx, err):
		return 0, true
	case h2mux.CodeOf(err) != h2mux.CodeUnknown:
		return int(h2mux.CodeOf(err)), false
	default:
		return http.StatusInternalServerError, false
	}
}
