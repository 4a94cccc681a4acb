package apptest

import (
	"testing"
)

// Env provides a chainable builder for setting [app.BaseEnvironment] env vars
// via t.Setenv. Create one with [SetBaseEnv].
type Env struct {
	t testing.TB
}

// SetBaseEnv sets all [app.BaseEnvironment] env vars to sensible test defaults.
// The address is required because each test must use a unique port to avoid collisions.
//
// Defaults:
//   - H2MUX_SERVICE_NAME: "test"
//   - H2MUX_HEALTH_PATH: "/healthz"
//   - H2MUX_LOG_LEVEL: "debug"
//   - H2MUX_OTEL_EXPORTER: "none"
//
// Use the returned [Env] to override individual values:
//
//	apptest.SetBaseEnv(t, "127.0.0.1:18085").ServiceName("orders").HealthPath("/ready")
func SetBaseEnv(t testing.TB, addr string) *Env {
	t.Helper()
	t.Setenv("H2MUX_ADDR", addr)
	t.Setenv("H2MUX_SERVICE_NAME", "test")
	t.Setenv("H2MUX_HEALTH_PATH", "/healthz")
	t.Setenv("H2MUX_LOG_LEVEL", "debug")
	t.Setenv("H2MUX_OTEL_EXPORTER", "none")
	t.Setenv("H2MUX_TLS_CERT_FILE", "")
	t.Setenv("H2MUX_TLS_KEY_FILE", "")
	t.Setenv("H2MUX_TLS_SECRET_ID", "")
	t.Setenv("H2MUX_REQUEST_TIMEOUT", "0s")

	return &Env{t: t}
}

// ServiceName overrides H2MUX_SERVICE_NAME.
func (e *Env) ServiceName(name string) *Env {
	e.t.Helper()
	e.t.Setenv("H2MUX_SERVICE_NAME", name)

	return e
}

// HealthPath overrides H2MUX_HEALTH_PATH.
func (e *Env) HealthPath(path string) *Env {
	e.t.Helper()
	e.t.Setenv("H2MUX_HEALTH_PATH", path)

	return e
}

// OtelExporter overrides H2MUX_OTEL_EXPORTER.
func (e *Env) OtelExporter(exporter string) *Env {
	e.t.Helper()
	e.t.Setenv("H2MUX_OTEL_EXPORTER", exporter)

	return e
}

// TLSFiles sets H2MUX_TLS_CERT_FILE and H2MUX_TLS_KEY_FILE.
func (e *Env) TLSFiles(certFile, keyFile string) *Env {
	e.t.Helper()
	e.t.Setenv("H2MUX_TLS_CERT_FILE", certFile)
	e.t.Setenv("H2MUX_TLS_KEY_FILE", keyFile)

	return e
}

// MaxConcurrentStreams overrides H2MUX_MAX_CONCURRENT_STREAMS.
func (e *Env) MaxConcurrentStreams(n string) *Env {
	e.t.Helper()
	e.t.Setenv("H2MUX_MAX_CONCURRENT_STREAMS", n)

	return e
}

// RequestTimeout overrides H2MUX_REQUEST_TIMEOUT.
func (e *Env) RequestTimeout(d string) *Env {
	e.t.Helper()
	e.t.Setenv("H2MUX_REQUEST_TIMEOUT", d)

	return e
}
