package callback

import (
	"context"
	"testing"

	"github.com/bxdio/workerbridge/marshal"
)

func TestRegisterThenCallbackRoundTrip(t *testing.T) {
	r := NewRegistry()
	cb := marshal.CallableFunc(func(ctx context.Context, args []any) (any, error) { return "ok", nil })

	token, err := r.Register(1, cb)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	got, ok := r.Callback(1, token)
	if !ok {
		t.Fatal("expected callback to be found")
	}
	result, err := got.Invoke(context.Background(), nil)
	if err != nil || result != "ok" {
		t.Errorf("unexpected invoke result: %v, %v", result, err)
	}

	if _, ok := r.Callback(2, token); ok {
		t.Error("callback should not be visible under a different request id")
	}
}

func TestProxyMemoizesIdentity(t *testing.T) {
	r := NewRegistry()
	builds := 0
	build := func() marshal.Callable {
		builds++
		f := marshal.CallableFunc(func(ctx context.Context, args []any) (any, error) { return nil, nil })
		return &f
	}

	p1 := r.Proxy(5, "tok", build)
	p2 := r.Proxy(5, "tok", build)

	if builds != 1 {
		t.Errorf("build should run exactly once, ran %d times", builds)
	}
	if p1 != p2 {
		t.Error("expected identical proxy for the same (requestID, token)")
	}

	p3 := r.Proxy(6, "tok", build)
	if builds != 2 {
		t.Errorf("a different request id should mint a new proxy, builds=%d", builds)
	}
	if p3 == p1 {
		t.Error("proxies for different request ids must not be identity-equal")
	}
}

func TestClearRemovesOnlyMatchingRequestID(t *testing.T) {
	r := NewRegistry()
	cb := marshal.CallableFunc(func(ctx context.Context, args []any) (any, error) { return nil, nil })

	tok1, _ := r.Register(1, cb)
	tok2, _ := r.Register(2, cb)
	r.Proxy(1, "px", func() marshal.Callable { return cb })
	r.Proxy(2, "px", func() marshal.Callable { return cb })

	r.Clear(1)

	if _, ok := r.Callback(1, tok1); ok {
		t.Error("expected request 1's callback to be cleared")
	}
	if _, ok := r.Callback(2, tok2); !ok {
		t.Error("request 2's callback should survive clearing request 1")
	}

	builds := 0
	build := func() marshal.Callable { builds++; return cb }
	r.Proxy(1, "px", build)
	if builds != 1 {
		t.Error("request 1's proxy should have been evicted by Clear")
	}
	r.Proxy(2, "px", build)
	if builds != 1 {
		t.Error("request 2's proxy should have survived Clear(1)")
	}
}
