package h2mux

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/advdv/h2mux/bodystream"
	"github.com/advdv/h2mux/internal/trie"
	"github.com/cockroachdb/errors"
)

// Outcome classifies how a request was dispatched.
type Outcome int

const (
	// Handled means the handler returned without error.
	Handled Outcome = iota
	// NotFound means no route matched the path.
	NotFound
	// MethodNotAllowed means the path matched but no handler is registered for the method.
	MethodNotAllowed
	// StatusError means the handler returned an [*Error].
	StatusError
	// InternalError means the handler failed or panicked with anything else.
	InternalError
	// Aborted means the peer reset the stream. No response must be written.
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Handled:
		return "handled"
	case NotFound:
		return "not_found"
	case MethodNotAllowed:
		return "method_not_allowed"
	case StatusError:
		return "status_error"
	case InternalError:
		return "internal_error"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Result is returned by [ServeMux.Serve]. Err is the error the handler returned, if any.
type Result struct {
	Outcome Outcome
	Err     error
}

// ServeMux routes HTTP/2 requests to handlers by method and path.
type ServeMux struct {
	logs        Logger
	reverser    *Reverser
	root        *trie.Node[*MethodTable]
	frozen      atomic.Bool
	middlewares struct {
		captured bool
		buffered []Middleware
	}
}

// NewServeMux creates a new ServeMux with default settings.
func NewServeMux() *ServeMux {
	return NewServeMuxWith(NewStdLogger(log.Default()), NewReverser())
}

// NewServeMuxWith creates a ServeMux with custom settings.
func NewServeMuxWith(logger Logger, reverser *Reverser) *ServeMux {
	return &ServeMux{
		logs:     logger,
		reverser: reverser,
		root:     trie.New[*MethodTable](),
	}
}

// Reverse returns the url based on the name and parameter values.
func (m *ServeMux) Reverse(name string, vals ...string) (string, error) {
	return m.reverser.Reverse(name, vals...)
}

// Use allows providing of middleware.
func (m *ServeMux) Use(mw ...Middleware) {
	m.ensureNoUseAfterHandle()
	m.middlewares.buffered = append(m.middlewares.buffered, mw...)
}

// HandleFunc handles the request given the pattern using a function.
func (m *ServeMux) HandleFunc(pattern string, handler HandlerFunc, name ...string) {
	m.Handle(pattern, handler, name...)
}

// Handle registers handler for a pattern of the form "METHOD /path". Path segments starting with ":"
// are named parameters, a final segment starting with "*" matches the rest of the path. Malformed
// patterns panic.
func (m *ServeMux) Handle(pattern string, handler Handler, name ...string) {
	if m.frozen.Load() {
		panic("h2mux: cannot call Handle() after the mux is frozen")
	}

	method, path, ok := strings.Cut(pattern, " ")
	path = strings.TrimSpace(path)
	if !ok || method == "" || path == "" {
		panic("h2mux: pattern " + pattern + " is not of the form 'METHOD /path'")
	}

	m.middlewares.captured = true

	if len(name) > 0 {
		path = m.reverser.Named(name[0], path)
	}

	table, err := m.root.Insert(path, NewMethodTable)
	if err != nil {
		panic("h2mux: " + err.Error())
	}

	table.Set(method, Wrap(handler, m.middlewares.buffered...))
}

// Freeze makes the routing table read-only. Serve may be called concurrently after Freeze.
func (m *ServeMux) Freeze() { m.frozen.Store(true) }

// String renders the routing trie.
func (m *ServeMux) String() string { return m.root.String() }

// Serve dispatches r and leaves the response to send in w. Unless the outcome is [Aborted] w holds a
// complete response afterwards.
func (m *ServeMux) Serve(ctx context.Context, w *Response, r *Request) (res Result) {
	table, params, ok := m.root.Find(r.Path)
	if !ok {
		w.Reset()
		w.WriteHeader(http.StatusNotFound)

		return Result{Outcome: NotFound}
	}

	handler, ok := table.Lookup(r.Method)
	if !ok {
		w.Reset()
		w.Header().Set("Allow", table.Allow())
		w.WriteHeader(http.StatusMethodNotAllowed)

		return Result{Outcome: MethodNotAllowed}
	}

	r.SetParams(params)

	defer func() {
		if v := recover(); v != nil {
			m.logs.LogRecoveredPanic(v)
			w.Reset()
			w.WriteHeader(http.StatusInternalServerError)

			res = Result{Outcome: InternalError, Err: errors.Newf("panic: %v", v)}
		}
	}()

	return m.finish(ctx, w, handler.ServeH2(ctx, w, r))
}

func (m *ServeMux) finish(ctx context.Context, w *Response, err error) Result {
	switch {
	case err == nil:
		return Result{Outcome: Handled}
	case IsAborted(ctx, err):
		w.Reset()
		return Result{Outcome: Aborted, Err: err}
	}

	if statusErr, ok := asError(err); ok {
		w.Reset()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(int(statusErr.Code()))
		w.WriteString(statusErr.Message())

		return Result{Outcome: StatusError, Err: err}
	}

	m.logs.LogUnhandledServeError(err)
	w.Reset()
	w.WriteHeader(http.StatusInternalServerError)

	return Result{Outcome: InternalError, Err: err}
}

// IsAborted reports whether err is the result of the peer resetting the stream that ctx belongs to.
func IsAborted(ctx context.Context, err error) bool {
	if errors.Is(err, bodystream.ErrAborted) {
		return true
	}

	return ctx.Err() != nil && errors.Is(err, context.Canceled)
}

func (m *ServeMux) ensureNoUseAfterHandle() {
	if m.middlewares.captured {
		panic("h2mux: cannot call Use() after calling Handle")
	}
}
