package middleware

import (
	"context"
	"time"

	"github.com/joomcode/errorx"
	"go.uber.org/zap"

	"github.com/bxdio/workerbridge/wberrors"
)

// RetryMiddleware retries a call with exponential backoff when it fails
// with a timeout or a closed transport — both are plausibly transient
// (a worker came back up, a slow call just needed more time). Any other
// error is assumed permanent and returned immediately.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) *Result {
			result := next(ctx, call)
			for i := 0; i < maxRetries; i++ {
				if result.Err == nil {
					return result
				}
				if !retryable(result.Err) {
					return result
				}
				logger.Warn("retrying call",
					zap.String("procedure", call.Procedure),
					zap.Int("attempt", i+1),
					zap.Error(result.Err))
				time.Sleep(baseDelay * time.Duration(1<<i))
				result = next(ctx, call)
			}
			return result
		}
	}
}

func retryable(err error) bool {
	return errorx.IsOfType(err, wberrors.CallTimedOut) || errorx.IsOfType(err, wberrors.TransportClosed)
}
