// Package app wires an h2mux service together: environment parsing, structured logging,
// OpenTelemetry tracing, TLS material, the HTTP/2 server and the client reactor, all with
// graceful shutdown. A complete application can be created in a single call:
//
//	app.NewApp[Env](func(m *h2mux.ServeMux, h *Handlers) {
//	    m.HandleFunc("GET /items/:id", h.GetItem, "get-item")
//	},
//	    app.WithFx(fx.Provide(NewHandlers)),
//	).Run()
//
// # Environment Configuration
//
// Define your environment by embedding [BaseEnvironment]:
//
//	type Env struct {
//	    app.BaseEnvironment
//	    UpstreamURL string `env:"UPSTREAM_URL,required"`
//	}
//
// BaseEnvironment provides the following environment variables:
//
//	| Variable                      | Required | Default  | Description                                   |
//	|-------------------------------|----------|----------|-----------------------------------------------|
//	| H2MUX_SERVICE_NAME            | Yes      | -        | Service name for logging and tracing          |
//	| H2MUX_ADDR                    | No       | :8443    | Address the server listens on                 |
//	| H2MUX_HEALTH_PATH             | No       | /healthz | Health check route, not traced                |
//	| H2MUX_LOG_LEVEL               | No       | info     | Log level (debug, info, warn, error)          |
//	| H2MUX_OTEL_EXPORTER           | No       | stdout   | Trace exporter: "stdout" or "none"            |
//	| H2MUX_TLS_CERT_FILE           | No       | -        | PEM certificate, requires H2MUX_TLS_KEY_FILE  |
//	| H2MUX_TLS_KEY_FILE            | No       | -        | PEM private key                               |
//	| H2MUX_TLS_SECRET_ID           | No       | -        | Secrets Manager JSON secret with cert and key |
//	| H2MUX_MAX_CONCURRENT_STREAMS  | No       | 100      | Streams per connection                        |
//	| H2MUX_READ_BUFFER_SIZE        | No       | 8192     | Connection read buffer                        |
//	| H2MUX_WRITE_TIMEOUT           | No       | 30s      | Bound on every connection write               |
//	| H2MUX_CLIENT_TIMEOUT          | No       | 30s      | Bound on every client transfer                |
//	| H2MUX_CLIENT_CONNECT_TIMEOUT  | No       | 10s      | Bound on name lookup and connecting           |
//	| H2MUX_REQUEST_TIMEOUT         | No       | 0s       | Handler deadline, answered with 503; 0 is off |
//
// Without TLS material the server expects HTTP/2 with prior knowledge (h2c).
//
// # Runtime
//
// [Runtime] provides access to app-scoped dependencies and should be injected into
// handler constructors via fx:
//   - [Runtime.Env] returns the typed environment configuration
//   - [Runtime.Reverse] generates URLs for named routes
//   - [Runtime.Client] performs outgoing requests on the app's reactor
//   - [Runtime.Secret] retrieves secrets from AWS Secrets Manager
//
// # Request context
//
// Every handler runs inside a server span. [Log] returns a logger that carries the trace and
// span ids and [Span] the span itself:
//
//	func (h *Handlers) GetItem(ctx context.Context, w *h2mux.Response, r *h2mux.Request) error {
//	    app.Log(ctx).Info("getting item", zap.String("id", r.PathValue("id")))
//	    app.Span(ctx).AddEvent("item-lookup")
//	    // ...
//	}
//
// Each request is also logged once by the access log, server errors at error level.
// [RequestRemainingTime] reports how much of the H2MUX_REQUEST_TIMEOUT budget is left.
package app
