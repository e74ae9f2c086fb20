// Package pool implements the worker pool scheduler: a fixed-length
// array of slots, each optionally holding a live transport.Endpoint and
// at most one in-flight call, with lazy endpoint construction, bounded
// concurrency, readiness/quiescence waits, and dynamic resizing.
package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bxdio/workerbridge/dispatcher"
	"github.com/bxdio/workerbridge/message"
	"github.com/bxdio/workerbridge/middleware"
	"github.com/bxdio/workerbridge/transport"
	"github.com/bxdio/workerbridge/wberrors"
)

// Builder constructs a fresh transport.Endpoint for a new worker slot.
// Worker process/thread instantiation itself stays the caller's concern;
// Builder only has to hand back a connected endpoint.
type Builder func(ctx context.Context) (transport.Endpoint, error)

// HandshakeTimeout bounds how long a newly built endpoint may take to
// post its ready sentinel before pool gives up on it.
var HandshakeTimeout = 10 * time.Second

type slot struct {
	endpoint   transport.Endpoint
	dispatcher *dispatcher.Dispatcher
	pending    chan struct{} // non-nil while this slot has an in-flight call
}

// Pool manages a fixed-size array of worker slots, lazily constructing
// and handshaking each endpoint on first use.
type Pool struct {
	builder Builder
	logger  *zap.Logger

	mwMu        sync.Mutex
	middlewares []middleware.Middleware

	mu    sync.Mutex
	slots []*slot

	readyMu      sync.Mutex
	readyScan    bool
	readyWaiters []chan struct{}
}

// New returns a Pool with limit empty slots, backed by builder for
// lazy/explicit endpoint construction.
func New(builder Builder, limit int, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	slots := make([]*slot, limit)
	for i := range slots {
		slots[i] = &slot{}
	}
	return &Pool{builder: builder, logger: logger, slots: slots}
}

// Use appends mw to the chain every Execute call runs through. Order
// matches registration: the first Use is outermost, seeing the call
// before and the result after every middleware registered after it.
// A call already mid-flight keeps running the chain as it stood when it
// built it (after acquiring its slot and building its endpoint); only
// calls that build their chain after Use returns see mw.
func (p *Pool) Use(mw middleware.Middleware) {
	p.mwMu.Lock()
	defer p.mwMu.Unlock()
	p.middlewares = append(p.middlewares, mw)
}

// Execute acquires a free slot (building and handshaking its endpoint if
// necessary), runs the call through the registered middleware chain, and
// returns its result: acquire → mark pending → lazily build → chain →
// dispatch → release on settle.
func (p *Pool) Execute(ctx context.Context, name string, args ...any) (any, error) {
	s, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(s)

	if s.endpoint == nil {
		endpoint, err := p.buildAndHandshake(ctx)
		if err != nil {
			return nil, err
		}
		s.endpoint = endpoint
		s.dispatcher = dispatcher.New(endpoint, p.logger)
	}

	handler := p.chain(s)
	res := handler(ctx, &middleware.Call{Procedure: name, Args: args})
	return res.Value, res.Err
}

// chain builds the middleware-wrapped handler for the current Execute
// call, innermost dispatch last.
func (p *Pool) chain(s *slot) middleware.HandlerFunc {
	dispatch := func(ctx context.Context, call *middleware.Call) *middleware.Result {
		value, err := s.dispatcher.Execute(ctx, call.Procedure, call.Args...)
		return &middleware.Result{Value: value, Err: err}
	}

	p.mwMu.Lock()
	mws := p.middlewares
	p.mwMu.Unlock()
	if len(mws) == 0 {
		return dispatch
	}
	return middleware.Chain(mws...)(dispatch)
}

// acquire is a first-free-wins scan: find the first slot with no
// pending call; if none, wait for any pending call to settle, then
// rescan. No starvation guarantee.
func (p *Pool) acquire(ctx context.Context) (*slot, error) {
	for {
		p.mu.Lock()
		for _, s := range p.slots {
			if s.pending == nil {
				s.pending = make(chan struct{})
				p.mu.Unlock()
				return s, nil
			}
		}
		waitOn := make([]chan struct{}, 0, len(p.slots))
		for _, s := range p.slots {
			waitOn = append(waitOn, s.pending)
		}
		p.mu.Unlock()

		if len(waitOn) == 0 {
			return nil, wberrors.PoolReset.New("pool has no slots")
		}

		if err := waitAny(ctx, waitOn); err != nil {
			return nil, err
		}
	}
}

func (p *Pool) release(s *slot) {
	p.mu.Lock()
	pending := s.pending
	s.pending = nil
	p.mu.Unlock()
	if pending != nil {
		close(pending)
	}
}

// waitAny blocks until ctx is done or any one of chans is closed.
func waitAny(ctx context.Context, chans []chan struct{}) error {
	cases := make(chan struct{}, 1)
	for _, ch := range chans {
		go func(ch chan struct{}) {
			select {
			case <-ch:
				select {
				case cases <- struct{}{}:
				default:
				}
			case <-ctx.Done():
			}
		}(ch)
	}
	select {
	case <-cases:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) buildAndHandshake(ctx context.Context) (transport.Endpoint, error) {
	endpoint, err := p.builder(ctx)
	if err != nil {
		return nil, err
	}
	if err := awaitReady(ctx, endpoint); err != nil {
		endpoint.Terminate()
		return nil, err
	}
	return endpoint, nil
}

// awaitReady subscribes to endpoint just long enough to observe the
// worker's ready sentinel (the startup handshake); any other message
// arriving before ready is ignored by this awaiter, which stops
// listening for good once it has seen one.
func awaitReady(ctx context.Context, endpoint transport.Endpoint) error {
	done := make(chan struct{})
	var once sync.Once
	unsubscribe := endpoint.OnMessage(func(env *message.Envelope) {
		if env.Type == message.TypeReady {
			once.Do(func() { close(done) })
		}
	})
	defer unsubscribe()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(HandshakeTimeout):
		return wberrors.HandshakeTimeout.New("worker did not post ready sentinel")
	}
}

// LaunchWorker constructs and handshakes any slot missing an endpoint,
// in parallel. Idempotent on already-constructed slots.
func (p *Pool) LaunchWorker(ctx context.Context) error {
	p.mu.Lock()
	missing := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		if s.endpoint == nil {
			missing = append(missing, s)
		}
	}
	p.mu.Unlock()

	if len(missing) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(missing))
	for i, s := range missing {
		wg.Add(1)
		go func(i int, s *slot) {
			defer wg.Done()
			endpoint, err := p.buildAndHandshake(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			p.mu.Lock()
			if s.endpoint == nil {
				s.endpoint = endpoint
				s.dispatcher = dispatcher.New(endpoint, p.logger)
			} else {
				endpoint.Terminate()
			}
			p.mu.Unlock()
		}(i, s)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// WaitAll returns once a scan observes no slot with a pending call.
// Calls that arrive mid-wait extend it.
func (p *Pool) WaitAll(ctx context.Context) error {
	for {
		p.mu.Lock()
		var pending []chan struct{}
		for _, s := range p.slots {
			if s.pending != nil {
				pending = append(pending, s.pending)
			}
		}
		p.mu.Unlock()

		if len(pending) == 0 {
			return nil
		}
		for _, ch := range pending {
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// WaitReady returns once the pool has at least one free slot.
// Implemented as a single cooperative scanner serving all waiters: a
// second concurrent caller only enqueues a waiter; it never spawns a
// second scanner.
func (p *Pool) WaitReady(ctx context.Context, retry time.Duration) error {
	if retry <= 0 {
		retry = time.Millisecond
	}

	wait := make(chan struct{})
	p.readyMu.Lock()
	p.readyWaiters = append(p.readyWaiters, wait)
	startScan := !p.readyScan
	if startScan {
		p.readyScan = true
	}
	p.readyMu.Unlock()

	if startScan {
		go p.runReadyScanner(retry)
	}

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) runReadyScanner(retry time.Duration) {
	for {
		p.mu.Lock()
		var pending []chan struct{}
		free := false
		for _, s := range p.slots {
			if s.pending == nil {
				free = true
			} else {
				pending = append(pending, s.pending)
			}
		}
		total := len(p.slots)
		p.mu.Unlock()

		if !free && total > 0 && len(pending) == total {
			waitAny(context.Background(), pending)
		}

		p.readyMu.Lock()
		if len(p.readyWaiters) == 0 {
			p.readyScan = false
			p.readyMu.Unlock()
			return
		}
		next := p.readyWaiters[0]
		p.readyWaiters = p.readyWaiters[1:]
		p.readyMu.Unlock()

		close(next)
		time.Sleep(retry)
	}
}

// SetLimit terminates every current endpoint, rejecting in-flight
// callers with wberrors.PoolReset instead of leaking them, then
// replaces the slot array with n empty slots.
func (p *Pool) SetLimit(n int) {
	p.mu.Lock()
	old := p.slots
	p.slots = make([]*slot, n)
	for i := range p.slots {
		p.slots[i] = &slot{}
	}
	p.mu.Unlock()

	for _, s := range old {
		p.resetSlot(s)
	}
}

// Close terminates every endpoint and empties the slot array.
func (p *Pool) Close() {
	p.mu.Lock()
	old := p.slots
	p.slots = nil
	p.mu.Unlock()

	for _, s := range old {
		p.resetSlot(s)
	}
}

func (p *Pool) resetSlot(s *slot) {
	if s.dispatcher != nil {
		s.dispatcher.Close(wberrors.PoolReset.New("pool was reset"))
	}
	if s.endpoint != nil {
		s.endpoint.Terminate()
	}
}
