// Package h2mux provides the handler API of an HTTP/2 server: error-returning handlers, buffered
// responses and a routing trie that resolves paths to per-method handler tables.
//
// # Overview
//
// A minimal example:
//
//	mux := h2mux.NewServeMux()
//	mux.HandleFunc("GET /items/:id", func(ctx context.Context, w *h2mux.Response, r *h2mux.Request) error {
//	    id, err := r.ParamInt("id")
//	    if err != nil {
//	        return err // a 400, ParamInt returns an *Error
//	    }
//	    item, err := db.GetItem(ctx, id)
//	    if err != nil {
//	        return h2mux.NewError(h2mux.CodeNotFound, err)
//	    }
//	    return json.NewEncoder(w).Encode(item)
//	}, "get-item")
//
// The mux is served by the h2server package, which runs every request stream in its own goroutine.
//
// # Patterns
//
// Patterns have the form "METHOD /path". A segment starting with ":" is a named parameter that
// matches a single path segment, a final segment starting with "*" matches the remainder of the path
// including slashes:
//
//	mux.HandleFunc("GET /users/:id/files/*path", serveFile)
//
// Static segments win over parameters, parameters over catch-alls. A trailing "/" is ignored. Two
// patterns that name a parameter differently at the same position collide, and [ServeMux.Handle]
// panics: routing tables are built once at startup and a broken one should never be served.
//
// # Dispatch
//
// [ServeMux.Serve] returns a [Result] that tells the caller what happened:
//
//   - no route for the path: 404
//   - a route but no handler for the method: 405 with an Allow header listing the registered methods
//   - the handler returned an [*Error]: its code as status, [Error.Message] as the body
//   - the handler returned any other error, or panicked: a bare 500, the error goes to the [Logger]
//   - the peer reset the stream: [Aborted], and nothing is written
//
// # Responses
//
// The [Response] is buffered until the handler returns, so middleware can [Response.Reset] it and
// write something else instead. Large bodies should be served from a file with [Response.SendFile],
// the server then streams the file within the HTTP/2 flow control window.
//
// # Request bodies
//
// Request bodies are not buffered by the server. [Request.ReadChunk] hands out one DATA frame
// payload at a time and the connection stops delivering body bytes until the handler asks for more.
package h2mux
