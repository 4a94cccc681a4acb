package h2mux_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/advdv/h2mux"
	"github.com/stretchr/testify/require"
)

func apiHandler() h2mux.HandlerFunc {
	return func(_ context.Context, w *h2mux.Response, r *h2mux.Request) error {
		fmt.Fprintf(w, "path:%s", r.Path)
		return nil
	}
}

func TestMountSubPath(t *testing.T) {
	mux := h2mux.NewServeMux()
	mux.MountFunc("GET /api", apiHandler())

	for path, want := range map[string]string{
		"/api/users":        "path:/users",
		"/api":              "path:/",
		"/api/":             "path:/",
		"/api/v1/users/123": "path:/v1/users/123",
	} {
		resp, res := serve(t.Context(), mux, http.MethodGet, path)
		require.Equal(t, h2mux.Handled, res.Outcome, path)
		require.Equal(t, want, string(resp.Bytes()), path)
	}
}

func TestMountMiddlewareSeesOriginalPath(t *testing.T) {
	mux := h2mux.NewServeMux()
	mux.Use(func(next h2mux.Handler) h2mux.Handler {
		return h2mux.HandlerFunc(func(ctx context.Context, w *h2mux.Response, r *h2mux.Request) error {
			return next.ServeH2(context.WithValue(ctx, ctxKey("mw_path"), r.Path), w, r)
		})
	})

	mux.MountFunc("GET /api", func(ctx context.Context, w *h2mux.Response, r *h2mux.Request) error {
		fmt.Fprintf(w, "mw:%s,handler:%s", ctx.Value(ctxKey("mw_path")), r.Path)
		return nil
	})

	resp, _ := serve(t.Context(), mux, http.MethodGet, "/api/users")
	require.Equal(t, "mw:/api/users,handler:/users", string(resp.Bytes()))
}

func TestMountKeepsParams(t *testing.T) {
	mux := h2mux.NewServeMux()
	mux.MountFunc("GET /tenants/:tenant", func(_ context.Context, w *h2mux.Response, r *h2mux.Request) error {
		fmt.Fprintf(w, "%s %s %v", r.PathValue("tenant"), r.Path, len(r.Params()))
		return nil
	})

	resp, _ := serve(t.Context(), mux, http.MethodGet, "/tenants/acme/files/a.txt")
	require.Equal(t, "acme /files/a.txt 1", string(resp.Bytes()))
}

func TestMountMalformed(t *testing.T) {
	mux := h2mux.NewServeMux()
	require.Panics(t, func() { mux.MountFunc("/api", apiHandler()) })
}
