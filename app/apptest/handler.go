package apptest

import (
	"testing"

	"github.com/advdv/h2mux"
	"github.com/advdv/h2mux/app"
	"go.uber.org/zap/zaptest"
)

// CallHandler invokes handler the way the server would after routing and returns the buffered
// response. [app.Log] works inside the handler and writes to the test log. A handler error fails
// the test.
func CallHandler(t testing.TB, handler h2mux.HandlerFunc, r *h2mux.Request) *h2mux.Response {
	t.Helper()

	w := h2mux.NewResponse()
	ctx := app.WithLogger(t.Context(), zaptest.NewLogger(t))

	if err := handler(ctx, w, r); err != nil {
		t.Fatalf("apptest: handler returned error: %v", err)
	}

	return w
}
