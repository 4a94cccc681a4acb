package app

import (
	"context"
	"testing"

	"github.com/advdv/h2mux"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	mw := withAccessLog(zap.New(core), "/healthz")

	serve := func(ctx context.Context, path string, h h2mux.HandlerFunc) {
		r := h2mux.NewRequest()
		r.Method = "GET"
		r.SetTarget(path)

		_ = h2mux.Wrap(h, mw).ServeH2(ctx, h2mux.NewResponse(), r)
	}

	for _, tt := range []struct {
		name      string
		path      string
		handler   h2mux.HandlerFunc
		canceled  bool
		wantLevel zapcore.Level
		wantCode  int64
		wantErr   bool
		aborted   bool
	}{
		{
			name: "ok",
			path: "/items",
			handler: func(context.Context, *h2mux.Response, *h2mux.Request) error {
				return nil
			},
			wantLevel: zapcore.InfoLevel,
			wantCode:  200,
		},
		{
			name: "client error",
			path: "/items/9",
			handler: func(context.Context, *h2mux.Response, *h2mux.Request) error {
				return h2mux.Errorf(h2mux.CodeNotFound, "no such item")
			},
			wantLevel: zapcore.InfoLevel,
			wantCode:  404,
			wantErr:   true,
		},
		{
			name: "server error",
			path: "/items",
			handler: func(context.Context, *h2mux.Response, *h2mux.Request) error {
				return errors.New("database unreachable")
			},
			wantLevel: zapcore.ErrorLevel,
			wantCode:  500,
			wantErr:   true,
		},
		{
			name: "aborted by peer",
			path: "/items",
			handler: func(ctx context.Context, _ *h2mux.Response, _ *h2mux.Request) error {
				return ctx.Err()
			},
			canceled:  true,
			wantLevel: zapcore.WarnLevel,
			aborted:   true,
		},
		{
			name: "quiet path",
			path: "/healthz",
			handler: func(context.Context, *h2mux.Response, *h2mux.Request) error {
				return nil
			},
			wantLevel: zapcore.DebugLevel,
			wantCode:  200,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if tt.canceled {
				cancel()
			}

			serve(ctx, tt.path, tt.handler)

			entries := logs.TakeAll()
			require.Len(t, entries, 1)
			require.Equal(t, "access", entries[0].LoggerName)
			require.Equal(t, "request served", entries[0].Message)
			require.Equal(t, tt.wantLevel, entries[0].Level)

			fields := entries[0].ContextMap()
			require.Equal(t, tt.wantCode, fields["status"])
			require.Equal(t, tt.aborted, fields["aborted"])
			require.Equal(t, tt.path, fields["path"])

			_, hasErr := fields["error"]
			require.Equal(t, tt.wantErr, hasErr)
		})
	}
}
