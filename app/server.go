package app

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"

	"github.com/advdv/h2mux"
	"github.com/advdv/h2mux/h2server"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ServerConfig holds optional configuration for the HTTP/2 server.
type ServerConfig struct {
	HealthHandler h2mux.HandlerFunc
}

// ServerParams holds the dependencies for creating the server.
type ServerParams struct {
	fx.In

	Env        Environment
	Mux        *h2mux.ServeMux
	Logger     *zap.Logger
	TracerProv trace.TracerProvider
	Propagator propagation.TextMapPropagator
	TLSConfig  *tls.Config
}

// NewServer creates an HTTP/2 server with all middleware and the health route configured.
func NewServer(params ServerParams, cfg ServerConfig) *h2server.Server {
	healthPath := params.Env.healthPath()

	// tracing goes first so the access log can correlate with the span.
	params.Mux.Use(withTracing(params.TracerProv, params.Propagator, healthPath))
	params.Mux.Use(withRequestDep(&requestDep{logger: params.Logger}))
	params.Mux.Use(withAccessLog(params.Logger, healthPath))
	params.Mux.Use(withRequestDeadline(params.Env.requestTimeout()))

	health := cfg.HealthHandler
	if health == nil {
		health = defaultHealthHandler
	}

	params.Mux.HandleFunc("GET "+healthPath, health)

	return &h2server.Server{
		Handler:   params.Mux,
		TLSConfig: params.TLSConfig,
		Logger:    params.Logger.Named("h2server"),
		Options: h2server.Options{
			MaxConcurrentStreams: params.Env.maxConcurrentStreams(),
			ReadBufferSize:       params.Env.readBufferSize(),
			WriteTimeout:         params.Env.writeTimeout(),
		},
	}
}

// startServerHook registers lifecycle hooks for the server. Routes are frozen once the app starts.
func startServerHook(
	lc fx.Lifecycle, server *h2server.Server, mux *h2mux.ServeMux, env Environment, logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			mux.Freeze()

			var listen net.ListenConfig
			ln, err := listen.Listen(ctx, "tcp", env.addr())
			if err != nil {
				return errors.Wrapf(err, "failed to listen on %s", env.addr())
			}

			logger.Info("starting server",
				zap.String("addr", ln.Addr().String()),
				zap.Bool("tls", server.TLSConfig != nil))

			go func() {
				if err := server.Serve(ln); err != nil && !errors.Is(err, h2server.ErrServerClosed) {
					logger.Error("server error", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping server")
			return server.Shutdown(ctx)
		},
	})
}

func defaultHealthHandler(_ context.Context, w *h2mux.Response, _ *h2mux.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}
