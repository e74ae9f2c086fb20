package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs the procedure name and duration of every call,
// plus the error if the call failed.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) *Result {
			start := time.Now()
			result := next(ctx, call)
			duration := time.Since(start)
			if result.Err != nil {
				logger.Error("call failed",
					zap.String("procedure", call.Procedure),
					zap.Duration("duration", duration),
					zap.Error(result.Err))
			} else {
				logger.Debug("call completed",
					zap.String("procedure", call.Procedure),
					zap.Duration("duration", duration))
			}
			return result
		}
	}
}
