package middleware

import (
	"context"
	"time"

	"github.com/bxdio/workerbridge/wberrors"
)

// TimeoutMiddleware bounds a call to the given duration, independent of
// whatever deadline (if any) the caller's ctx already carries.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) *Result {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *Result, 1)
			go func() {
				done <- next(ctx, call)
			}()

			select {
			case result := <-done:
				return result
			case <-ctx.Done():
				return &Result{Err: wberrors.CallTimedOut.New("%s timed out after %s", call.Procedure, timeout)}
			}
		}
	}
}
