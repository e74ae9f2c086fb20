package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/joomcode/errorx"
	"go.uber.org/zap"

	"github.com/bxdio/workerbridge/wberrors"
)

func echoHandler(ctx context.Context, call *Call) *Result {
	return &Result{Value: "ok"}
}

func slowHandler(ctx context.Context, call *Call) *Result {
	time.Sleep(200 * time.Millisecond)
	return &Result{Value: "ok"}
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(zap.NewNop())(echoHandler)

	result := handler(context.Background(), &Call{Procedure: "add"})

	if result == nil {
		t.Fatal("expect non-nil result")
	}
	if result.Value != "ok" {
		t.Fatalf("expect value 'ok', got '%v'", result.Value)
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeoutMiddleware(500 * time.Millisecond)(echoHandler)

	result := handler(context.Background(), &Call{Procedure: "add"})

	if result.Err != nil {
		t.Fatalf("expect no error, got '%s'", result.Err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeoutMiddleware(50 * time.Millisecond)(slowHandler)

	result := handler(context.Background(), &Call{Procedure: "add"})

	if result.Err == nil {
		t.Fatal("expect timeout error")
	}
	if !errorx.IsOfType(result.Err, wberrors.CallTimedOut) {
		t.Fatalf("expect CallTimedOut, got '%s'", result.Err)
	}
}

func TestRateLimit(t *testing.T) {
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	call := &Call{Procedure: "add"}

	for i := 0; i < 2; i++ {
		result := handler(context.Background(), call)
		if result.Err != nil {
			t.Fatalf("request %d should pass, got error: %s", i, result.Err)
		}
	}

	result := handler(context.Background(), call)
	if result.Err == nil {
		t.Fatal("expect request 3 to be rate limited")
	}
	if !errorx.IsOfType(result.Err, wberrors.RateLimited) {
		t.Fatalf("expect RateLimited, got '%s'", result.Err)
	}
}

func TestChain(t *testing.T) {
	chained := Chain(LoggingMiddleware(zap.NewNop()), TimeoutMiddleware(500*time.Millisecond))
	handler := chained(echoHandler)

	result := handler(context.Background(), &Call{Procedure: "add"})

	if result == nil {
		t.Fatal("expect non-nil result")
	}
	if result.Err != nil {
		t.Fatalf("expect no error, got '%s'", result.Err)
	}
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	attempts := 0
	flaky := func(ctx context.Context, call *Call) *Result {
		attempts++
		if attempts < 2 {
			return &Result{Err: wberrors.CallTimedOut.New("transient")}
		}
		return &Result{Value: "ok"}
	}

	handler := RetryMiddleware(3, time.Millisecond, zap.NewNop())(flaky)
	result := handler(context.Background(), &Call{Procedure: "add"})

	if result.Err != nil {
		t.Fatalf("expect eventual success, got '%s'", result.Err)
	}
	if attempts != 2 {
		t.Fatalf("expect 2 attempts, got %d", attempts)
	}
}

func TestRetryGivesUpOnPermanentFailure(t *testing.T) {
	attempts := 0
	alwaysFails := func(ctx context.Context, call *Call) *Result {
		attempts++
		return &Result{Err: wberrors.UnknownProcedure.New("permanent")}
	}

	handler := RetryMiddleware(3, time.Millisecond, zap.NewNop())(alwaysFails)
	result := handler(context.Background(), &Call{Procedure: "add"})

	if result.Err == nil {
		t.Fatal("expect permanent failure to surface")
	}
	if attempts != 1 {
		t.Fatalf("expect no retries for a non-retryable error, got %d attempts", attempts)
	}
}
