package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/bxdio/workerbridge/wberrors"
)

// RateLimitMiddleware throttles calls to r per second with the given burst,
// using a token bucket.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) *Result {
			if !limiter.Allow() {
				return &Result{Err: wberrors.RateLimited.New("rate limit exceeded for %s", call.Procedure)}
			}
			return next(ctx, call)
		}
	}
}
