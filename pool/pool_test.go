package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joomcode/errorx"

	"github.com/bxdio/workerbridge/dispatcher"
	"github.com/bxdio/workerbridge/marshal"
	"github.com/bxdio/workerbridge/message"
	"github.com/bxdio/workerbridge/middleware"
	"github.com/bxdio/workerbridge/transport"
	"github.com/bxdio/workerbridge/wberrors"
)

// addBuilder returns a Builder whose workers expose a single "add"
// procedure, grounded on the same in-process transport.Pipe every other
// package's tests use in place of a real worker process.
func addBuilder() Builder {
	return func(ctx context.Context) (transport.Endpoint, error) {
		mainEP, workerEP := transport.Pipe()
		wd := dispatcher.New(workerEP, nil)
		wd.SetProcedures(func(name string) (dispatcher.Procedure, bool) {
			if name != "add" {
				return nil, false
			}
			return marshal.CallableFunc(func(ctx context.Context, args []any) (any, error) {
				return args[0].(float64) + args[1].(float64), nil
			}), true
		})
		workerEP.Post(context.Background(), &message.Envelope{Type: message.TypeReady}, nil)
		return mainEP, nil
	}
}

func TestPoolExecuteAdd(t *testing.T) {
	p := New(addBuilder(), 2, nil)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := p.Execute(ctx, "add", float64(1), float64(2))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result != float64(3) {
		t.Errorf("expected 3, got %v", result)
	}
}

func TestPoolLimitOneSerializes(t *testing.T) {
	p := New(addBuilder(), 1, nil)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Execute(ctx, "add", float64(i), float64(0))
			if err != nil {
				t.Errorf("Execute %d failed: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
		time.Sleep(5 * time.Millisecond) // nudge serialized launch order
	}
	wg.Wait()

	if len(order) != 3 {
		t.Fatalf("expected 3 completions, got %d", len(order))
	}
}

func TestPoolFourConcurrentCallsOnCapacityTwo(t *testing.T) {
	p := New(addBuilder(), 2, nil)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]float64, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := p.Execute(ctx, "add", float64(i), float64(i))
			errs[i] = err
			if err == nil {
				results[i] = r.(float64)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		if errs[i] != nil {
			t.Errorf("call %d failed: %v", i, errs[i])
			continue
		}
		if results[i] != float64(i+i) {
			t.Errorf("call %d: got %v, want %v", i, results[i], i+i)
		}
	}
}

func TestPoolWaitAllResolvesImmediatelyWithNoCalls(t *testing.T) {
	p := New(addBuilder(), 2, nil)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := p.WaitAll(ctx); err != nil {
		t.Fatalf("WaitAll failed: %v", err)
	}
}

func TestPoolWaitReadyWithFreeSlot(t *testing.T) {
	p := New(addBuilder(), 2, nil)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := p.WaitReady(ctx, time.Millisecond); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}
}

func TestPoolSetLimitResizesAndHasNoEndpoints(t *testing.T) {
	p := New(addBuilder(), 2, nil)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := p.Execute(ctx, "add", float64(1), float64(1)); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	p.SetLimit(3)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.slots) != 3 {
		t.Errorf("expected 3 slots, got %d", len(p.slots))
	}
	for _, s := range p.slots {
		if s.endpoint != nil {
			t.Error("expected no endpoints after SetLimit")
		}
	}
}

func TestPoolExecuteRunsThroughRateLimitMiddleware(t *testing.T) {
	p := New(addBuilder(), 1, nil)
	defer p.Close()
	p.Use(middleware.RateLimitMiddleware(1, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := p.Execute(ctx, "add", float64(1), float64(1)); err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}

	_, err := p.Execute(ctx, "add", float64(1), float64(1))
	if err == nil {
		t.Fatal("expected second call to be rate limited")
	}
	if !errorx.IsOfType(err, wberrors.RateLimited) {
		t.Fatalf("expect RateLimited, got %v", err)
	}
}

func TestPoolSetLimitRejectsInFlightCalls(t *testing.T) {
	p := New(addBuilder(), 1, nil)
	defer p.Close()

	blockCh := make(chan struct{})
	p2 := New(func(ctx context.Context) (transport.Endpoint, error) {
		mainEP, workerEP := transport.Pipe()
		wd := dispatcher.New(workerEP, nil)
		wd.SetProcedures(func(name string) (dispatcher.Procedure, bool) {
			return marshal.CallableFunc(func(ctx context.Context, args []any) (any, error) {
				<-blockCh
				return "done", nil
			}), true
		})
		workerEP.Post(context.Background(), &message.Envelope{Type: message.TypeReady}, nil)
		return mainEP, nil
	}, 1, nil)

	resultCh := make(chan error, 1)
	go func() {
		ctx := context.Background()
		_, err := p2.Execute(ctx, "block")
		resultCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	p2.SetLimit(1)
	close(blockCh)

	err := <-resultCh
	if err == nil {
		t.Fatal("expected an error after SetLimit reset the pool mid-call")
	}
}
