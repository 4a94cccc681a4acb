package h2mux

import (
	"context"
	"strings"
)

const mountRest = "mountrest"

// Mount mounts a Handler on a sub-path pattern. The mounted handler receives
// requests with the mount prefix stripped from the path.
func (m *ServeMux) Mount(pattern string, handler Handler) {
	method, prefix, ok := strings.Cut(pattern, " ")
	if !ok || !strings.HasPrefix(prefix, "/") {
		panic("h2mux: mount pattern " + pattern + " is not of the form 'METHOD /prefix'")
	}

	prefix = strings.TrimSuffix(prefix, "/")
	stripped := stripPrefix(handler)

	if prefix == "" {
		m.Handle(method+" /", stripped)
	} else {
		m.Handle(method+" "+prefix, stripped)
	}

	m.Handle(method+" "+prefix+"/*"+mountRest, stripped)
}

// MountFunc mounts a HandlerFunc on a sub-path pattern. The mounted handler receives
// requests with the mount prefix stripped from the path.
func (m *ServeMux) MountFunc(pattern string, handler HandlerFunc) {
	m.Mount(pattern, handler)
}

func stripPrefix(handler Handler) Handler {
	return HandlerFunc(func(ctx context.Context, w *Response, r *Request) error {
		r2 := new(Request)
		*r2 = *r
		r2.Path = "/" + r.PathValue(mountRest)

		params := make(map[string]string, len(r.params))
		for k, v := range r.params {
			if k != mountRest {
				params[k] = v
			}
		}

		r2.params = params

		return handler.ServeH2(ctx, w, r2)
	})
}
