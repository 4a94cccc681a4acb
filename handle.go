package h2mux

import (
	"context"
)

// Handler serves one HTTP/2 request. Returning an error hands the response over to the mux: an [*Error]
// turns into a response with its status and message, anything else into a bare 500.
type Handler interface {
	ServeH2(ctx context.Context, w *Response, r *Request) error
}

// HandlerFunc allow casting a function to imple [Handler].
type HandlerFunc func(ctx context.Context, w *Response, r *Request) error

// ServeH2 implements the [Handler] interface.
func (f HandlerFunc) ServeH2(ctx context.Context, w *Response, r *Request) error {
	return f(ctx, w, r)
}
