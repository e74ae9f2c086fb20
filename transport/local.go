package transport

import (
	"context"
	"sync"

	"github.com/joomcode/errorx"

	"github.com/bxdio/workerbridge/marshal"
	"github.com/bxdio/workerbridge/message"
	"github.com/bxdio/workerbridge/wberrors"
)

// LocalEndpoint is an in-process, goroutine/channel-backed Endpoint.
// Two LocalEndpoints returned by Pipe share no memory beyond the
// channel itself — a posted envelope is handed to the peer's handlers
// by reference; the endpoint itself copies nothing.
type LocalEndpoint struct {
	out chan *message.Envelope

	mu       sync.Mutex
	handlers map[int]func(*message.Envelope)
	nextID   int
	backlog  []*message.Envelope
	closed   bool
	done     chan struct{}
}

// Pipe returns a connected pair of LocalEndpoints: messages posted on one
// are delivered to the other's OnMessage handlers.
func Pipe() (*LocalEndpoint, *LocalEndpoint) {
	a := newLocalEndpoint()
	b := newLocalEndpoint()

	// Each endpoint posts onto the channel the other endpoint reads from.
	aIn := make(chan *message.Envelope)
	bIn := make(chan *message.Envelope)
	a.out = bIn
	b.out = aIn

	go a.deliverLoop(aIn)
	go b.deliverLoop(bIn)
	return a, b
}

func newLocalEndpoint() *LocalEndpoint {
	return &LocalEndpoint{
		handlers: make(map[int]func(*message.Envelope)),
		done:     make(chan struct{}),
	}
}

func (e *LocalEndpoint) deliverLoop(in <-chan *message.Envelope) {
	for {
		select {
		case <-e.done:
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			e.dispatch(env)
		}
	}
}

// dispatch fans env out to every subscribed handler. A message that
// arrives before anything has subscribed is queued instead of dropped —
// mirroring a real message port, where postMessage calls made before
// onmessage is attached are not lost, they are delivered the instant a
// listener shows up. Without this a worker that posts its ready
// sentinel synchronously, before the caller's awaiter subscribes, would
// have that sentinel vanish into a handler-less dispatch.
func (e *LocalEndpoint) dispatch(env *message.Envelope) {
	e.mu.Lock()
	if len(e.handlers) == 0 {
		e.backlog = append(e.backlog, env)
		e.mu.Unlock()
		return
	}
	handlers := make([]func(*message.Envelope), 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

// Post delivers env to the peer endpoint. The transfer list is accepted
// for interface symmetry with TCPEndpoint; a LocalEndpoint needs no copy
// since the payload is already shared by reference.
func (e *LocalEndpoint) Post(ctx context.Context, env *message.Envelope, transfer []marshal.TransferRef) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return errorx.Decorate(wberrors.TransportClosed.New("endpoint closed"), "post")
	}

	select {
	case e.out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return errorx.Decorate(wberrors.TransportClosed.New("endpoint closed"), "post")
	}
}

// OnMessage registers h for every envelope the peer posts. If h is the
// first handler ever subscribed, it also drains any envelopes that
// arrived while the endpoint had no subscriber, in post order.
func (e *LocalEndpoint) OnMessage(h func(*message.Envelope)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	first := len(e.handlers) == 0
	e.handlers[id] = h
	var backlog []*message.Envelope
	if first && len(e.backlog) > 0 {
		backlog = e.backlog
		e.backlog = nil
	}
	e.mu.Unlock()

	for _, env := range backlog {
		h(env)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.handlers, id)
			e.mu.Unlock()
		})
	}
}

// Terminate closes the endpoint. Idempotent.
func (e *LocalEndpoint) Terminate() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	close(e.done)
	return nil
}
