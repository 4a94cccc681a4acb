package app

import (
	"context"

	"github.com/advdv/h2mux"
	"github.com/advdv/h2mux/client"
	"github.com/cockroachdb/errors"
)

// Runtime provides access to app-scoped dependencies.
// Inject this into handler constructors via fx instead of pulling from context.
//
// Example:
//
//	type Handlers struct {
//	    rt *app.Runtime[Env]
//	}
//
//	func NewHandlers(rt *app.Runtime[Env]) *Handlers {
//	    return &Handlers{rt: rt}
//	}
//
//	func (h *Handlers) GetItem(ctx context.Context, w *h2mux.Response, r *h2mux.Request) error {
//	    url, _ := h.rt.Reverse("get-item", r.PathValue("id"))
//	    resp, err := h.rt.Client().Do(ctx, "GET", h.rt.Env().UpstreamURL+url, nil, nil)
//	    // ...
//	}
type Runtime[E Environment] struct {
	env          E
	mux          *h2mux.ServeMux
	client       *client.Client
	secretReader SecretReader
}

// RuntimeParams holds optional dependencies for Runtime.
type RuntimeParams struct {
	Client       *client.Client
	SecretReader SecretReader
}

// NewRuntime creates a new Runtime with the given dependencies.
func NewRuntime[E Environment](env E, mux *h2mux.ServeMux, params RuntimeParams) *Runtime[E] {
	return &Runtime[E]{
		env:          env,
		mux:          mux,
		client:       params.Client,
		secretReader: params.SecretReader,
	}
}

// Env returns the environment configuration.
func (r *Runtime[E]) Env() E {
	return r.env
}

// Reverse returns the URL for a named route with the given parameters.
// The route must have been registered with a name using Handle/HandleFunc.
func (r *Runtime[E]) Reverse(name string, params ...string) (string, error) {
	return r.mux.Reverse(name, params...)
}

// Client returns the client that performs transfers on the app's reactor.
func (r *Runtime[E]) Client() *client.Client {
	return r.client
}

// Secret retrieves a secret value from AWS Secrets Manager. It is only available when
// H2MUX_TLS_SECRET_ID is configured, which makes the app load AWS credentials.
//
// If jsonPath is provided, the secret is parsed as JSON and the path is extracted
// using gjson syntax (e.g., "database.password", "api.keys.0").
func (r *Runtime[E]) Secret(ctx context.Context, secretID string, jsonPath ...string) (string, error) {
	if r.secretReader == nil {
		return "", errors.New("app: secret reader not configured; set H2MUX_TLS_SECRET_ID")
	}

	return secretFromReader(ctx, r.secretReader, secretID, jsonPath...)
}
