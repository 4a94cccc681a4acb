package app_test

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/advdv/h2mux"
	"github.com/advdv/h2mux/app"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ItemEnv defines the environment variables for the application.
type ItemEnv struct {
	app.BaseEnvironment
	InventoryURL string `env:"INVENTORY_URL,required"`
}

// ItemHandlers contains the handlers for item operations.
type ItemHandlers struct {
	rt *app.Runtime[ItemEnv]
}

func NewItemHandlers(rt *app.Runtime[ItemEnv]) *ItemHandlers {
	return &ItemHandlers{rt: rt}
}

// GetItem returns a single item by ID.
// Demonstrates: Span for adding trace events, Runtime.Reverse for URL generation.
func (h *ItemHandlers) GetItem(ctx context.Context, w *h2mux.Response, r *h2mux.Request) error {
	id := r.PathValue("id")

	app.Span(ctx).AddEvent("fetching item")
	selfURL, _ := h.rt.Reverse("get-item", id)

	w.Header().Set("Content-Type", "application/json")

	return json.NewEncoder(w).Encode(map[string]any{
		"id":   id,
		"self": selfURL,
	})
}

// GetStock asks the inventory service for the stock of an item.
// Demonstrates: Runtime.Client for outgoing requests, Log for trace-correlated logging.
func (h *ItemHandlers) GetStock(ctx context.Context, w *h2mux.Response, r *h2mux.Request) error {
	url := h.rt.Env().InventoryURL + "/stock/" + r.PathValue("id")
	app.Log(ctx).Info("asking inventory", zap.String("url", url))

	resp, err := h.rt.Client().Do(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return h2mux.NewError(h2mux.CodeBadGateway, err)
	}

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.Status)
	_, err = w.Write(resp.Body)

	return err
}

// Example demonstrates a complete application. Handler dependencies are injected via fx.
func Example() {
	app.NewApp[ItemEnv](
		func(m *h2mux.ServeMux, h *ItemHandlers) {
			m.HandleFunc("GET /items/:id", h.GetItem, "get-item")
			m.HandleFunc("GET /items/:id/stock", h.GetStock)
		},
		app.WithFx(fx.Provide(NewItemHandlers)),
	).Run()
}
