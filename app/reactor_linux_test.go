//go:build linux

package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/advdv/h2mux"
	"github.com/advdv/h2mux/app"
	"github.com/advdv/h2mux/app/apptest"
	"github.com/carlmjohnson/requests"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
)

type ProxyEnv struct {
	app.BaseEnvironment
	UpstreamURL string `env:"UPSTREAM_URL,required"`
}

type proxy struct {
	rt *app.Runtime[ProxyEnv]
}

func (p *proxy) Get(ctx context.Context, w *h2mux.Response, r *h2mux.Request) error {
	resp, err := p.rt.Client().Do(ctx, http.MethodGet, p.rt.Env().UpstreamURL+"/"+r.PathValue("name"), nil, nil)
	if err != nil {
		return h2mux.NewError(h2mux.CodeBadGateway, err)
	}

	w.WriteHeader(resp.Status)
	_, err = w.Write(resp.Body)

	return err
}

func TestAppClientReachesUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("upstream" + r.URL.Path))
	}))
	defer upstream.Close()

	apptest.SetBaseEnv(t, "127.0.0.1:18444")
	t.Setenv("UPSTREAM_URL", upstream.URL)

	a := apptest.New[ProxyEnv](t,
		func(m *h2mux.ServeMux, p *proxy) {
			m.HandleFunc("GET /proxy/:name", p.Get)
		},
		app.WithFx(fx.Provide(func(rt *app.Runtime[ProxyEnv]) *proxy { return &proxy{rt: rt} })),
	)

	a.RequireStart()
	t.Cleanup(a.RequireStop)

	tr := h2cTransport()
	defer tr.CloseIdleConnections()

	var out string
	require.NoError(t, requests.URL("http://127.0.0.1:18444").Path("/proxy/items").Transport(tr).
		ToString(&out).Fetch(t.Context()))
	require.Equal(t, "upstream/items", out)
}
