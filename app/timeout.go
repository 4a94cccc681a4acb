package app

import (
	"context"
	"time"

	"github.com/advdv/h2mux"
	"github.com/cockroachdb/errors"
)

// withRequestDeadline bounds every handler by timeout. A handler that fails because the deadline
// passed is answered with 503. A zero timeout leaves the context unchanged.
func withRequestDeadline(timeout time.Duration) h2mux.Middleware {
	return func(next h2mux.Handler) h2mux.Handler {
		if timeout <= 0 {
			return next
		}

		return h2mux.HandlerFunc(func(ctx context.Context, w *h2mux.Response, r *h2mux.Request) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			err := next.ServeH2(ctx, w, r)
			if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return h2mux.NewError(h2mux.CodeServiceUnavailable, errors.Wrap(err, "request deadline exceeded"))
			}

			return err
		})
	}
}

// RequestRemainingTime returns the duration until the request context deadline.
// Returns 0 if no deadline is set or if the deadline has passed.
func RequestRemainingTime(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}

	return max(time.Until(deadline), 0)
}
