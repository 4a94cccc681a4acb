package app

import (
	"context"

	"github.com/advdv/h2mux/client"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewReactor provides the client reactor. It runs from app start until app stop.
func NewReactor(lc fx.Lifecycle, logger *zap.Logger) *client.Reactor {
	r := client.New(logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)

				if err := r.Run(ctx); err != nil {
					logger.Error("reactor failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()

			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})

	return r
}

// NewClient provides a client on the app's reactor.
func NewClient(r *client.Reactor, env Environment) *client.Client {
	c := client.NewClient(r)
	c.Timeout = env.clientTimeout()
	c.ConnectTimeout = env.clientConnectTimeout()

	return c
}
