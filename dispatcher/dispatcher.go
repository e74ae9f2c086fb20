// Package dispatcher issues outgoing calls and routes incoming messages
// to the right pending caller, on both sides of a transport.Endpoint.
//
// One Dispatcher type serves both roles of the bridge: Execute is the
// main-initiated call path; registering a lookup function via
// SetProcedures and letting inbound "function" messages route through
// the same handler is the worker-initiated path. Worker-side
// callback_call handling runs through the identical code path as
// main-side callback_call handling.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/bxdio/workerbridge/callback"
	"github.com/bxdio/workerbridge/marshal"
	"github.com/bxdio/workerbridge/message"
	"github.com/bxdio/workerbridge/transport"
	"github.com/bxdio/workerbridge/wberrors"
)

// Procedure is a locally invokable remote procedure: a worker-registered
// function, found by name on an inbound "function" message.
type Procedure = marshal.Callable

// Lookup resolves a procedure by name for the worker-side Serve path.
type Lookup func(name string) (Procedure, bool)

type outcome struct {
	result any
	err    error
}

type callEntry struct {
	requestID uint64
	ch        chan outcome
}

// Dispatcher owns one endpoint's request/callback bookkeeping: the
// outstanding Execute calls awaiting a terminal result/error, the
// outstanding proxy invocations awaiting a callback_result/
// callback_error, and the callback registry backing both directions.
type Dispatcher struct {
	endpoint    transport.Endpoint
	registry    *callback.Registry
	logger      *zap.Logger
	unsubscribe func()

	nextRequestID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan outcome
	calls   map[string]callEntry

	lookupMu sync.RWMutex
	lookup   Lookup
}

// New wires a Dispatcher to endpoint and starts routing inbound
// envelopes. logger may be nil, in which case zap.NewNop() is used.
func New(endpoint transport.Endpoint, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		endpoint: endpoint,
		registry: callback.NewRegistry(),
		logger:   logger,
		pending:  make(map[uint64]chan outcome),
		calls:    make(map[string]callEntry),
	}
	d.unsubscribe = endpoint.OnMessage(d.handleMessage)
	return d
}

// SetProcedures installs the name-to-procedure lookup used to serve
// inbound "function" messages. Only meaningful on the worker side; a
// Dispatcher with no lookup set silently ignores function messages
// (there is nothing to serve them with).
func (d *Dispatcher) SetProcedures(lookup Lookup) {
	d.lookupMu.Lock()
	d.lookup = lookup
	d.lookupMu.Unlock()
}

// Execute marshals args, assigns a fresh request id, posts a "function"
// message, and blocks until the worker's terminal result or error
// arrives, or ctx is done.
func (d *Dispatcher) Execute(ctx context.Context, name string, args ...any) (any, error) {
	id := d.nextRequestID.Add(1)

	register := d.registerFunc(id)
	wireArgs, transfers, err := marshal.Marshal([]any(args), register)
	if err != nil {
		return nil, err
	}
	argsJSON, err := json.Marshal(wireArgs)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(message.Function{ID: id, Name: name, Args: argsJSON})
	if err != nil {
		return nil, err
	}

	ch := make(chan outcome, 1)
	d.mu.Lock()
	d.pending[id] = ch
	d.mu.Unlock()

	env := &message.Envelope{Type: message.TypeFunction, Payload: payload}
	if err := d.endpoint.Post(ctx, env, transfers); err != nil {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		d.registry.Clear(id)
		return nil, err
	}

	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		d.registry.Clear(id)
		return nil, ctx.Err()
	}
}

// Close rejects every outstanding Execute and proxy invocation with
// reason and stops routing inbound messages. Used by pool.SetLimit and
// pool.Close to implement the "pool reset" Open Question decision
// instead of letting in-flight callers leak.
func (d *Dispatcher) Close(reason error) {
	d.unsubscribe()

	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[uint64]chan outcome)
	calls := d.calls
	d.calls = make(map[string]callEntry)
	d.mu.Unlock()

	for _, ch := range pending {
		ch <- outcome{err: reason}
	}
	for _, entry := range calls {
		entry.ch <- outcome{err: reason}
	}
}

func (d *Dispatcher) registerFunc(requestID uint64) marshal.RegisterFunc {
	return func(c marshal.Callable) (string, error) {
		return d.registry.Register(requestID, c)
	}
}

func (d *Dispatcher) resolveFunc(requestID uint64) marshal.ResolveFunc {
	return func(token string) (marshal.Callable, error) {
		proxy := d.registry.Proxy(requestID, token, func() marshal.Callable {
			return d.newProxy(requestID, token)
		})
		return proxy, nil
	}
}

// newProxy builds the invocation closure for a callback this side
// received a placeholder for: calling it posts a callback_call naming
// the remote callbackID and awaits the matching callback_result (or
// callback_error, per the §4.4.1 supplement).
func (d *Dispatcher) newProxy(requestID uint64, callbackID string) marshal.Callable {
	return marshal.CallableFunc(func(ctx context.Context, args []any) (any, error) {
		callID, err := callback.NewToken()
		if err != nil {
			return nil, err
		}

		register := d.registerFunc(requestID)
		wireArgs, transfers, err := marshal.Marshal(args, register)
		if err != nil {
			return nil, err
		}
		argsJSON, err := json.Marshal(wireArgs)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(message.CallbackCall{
			ID:         requestID,
			CallbackID: callbackID,
			CallID:     callID,
			Args:       argsJSON,
		})
		if err != nil {
			return nil, err
		}

		ch := make(chan outcome, 1)
		d.mu.Lock()
		d.calls[callID] = callEntry{requestID: requestID, ch: ch}
		d.mu.Unlock()

		env := &message.Envelope{Type: message.TypeCallbackCall, Payload: payload}
		if err := d.endpoint.Post(ctx, env, transfers); err != nil {
			d.mu.Lock()
			delete(d.calls, callID)
			d.mu.Unlock()
			return nil, err
		}

		select {
		case o := <-ch:
			return o.result, o.err
		case <-ctx.Done():
			d.mu.Lock()
			delete(d.calls, callID)
			d.mu.Unlock()
			return nil, ctx.Err()
		}
	})
}

func (d *Dispatcher) handleMessage(env *message.Envelope) {
	switch env.Type {
	case message.TypeResult:
		d.handleResult(env.Payload)
	case message.TypeError:
		d.handleError(env.Payload)
	case message.TypeFunction:
		go d.handleFunction(env.Payload)
	case message.TypeCallbackCall:
		go d.handleCallbackCall(env.Payload)
	case message.TypeCallbackResult:
		d.handleCallbackResult(env.Payload)
	case message.TypeCallbackError:
		d.handleCallbackError(env.Payload)
	case message.TypeReady:
		// The ready sentinel is consumed by the handshake awaiter
		// installed before this Dispatcher existed; ignore it here.
	}
}

func (d *Dispatcher) handleResult(raw json.RawMessage) {
	var r message.Result
	if err := json.Unmarshal(raw, &r); err != nil {
		d.logger.Warn("malformed result message", zap.Error(err))
		return
	}
	ch := d.takePending(r.ID)
	if ch == nil {
		return
	}
	var tree any
	if len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, &tree); err != nil {
			ch <- outcome{err: err}
			return
		}
	}
	result, err := marshal.Unmarshal(tree, d.resolveFunc(r.ID))
	ch <- outcome{result: result, err: err}
}

func (d *Dispatcher) handleError(raw json.RawMessage) {
	var e message.Error
	if err := json.Unmarshal(raw, &e); err != nil {
		d.logger.Warn("malformed error message", zap.Error(err))
		return
	}
	ch := d.takePending(e.ID)
	if ch == nil {
		return
	}
	ch <- outcome{err: errors.New(e.Error)}
}

func (d *Dispatcher) takePending(requestID uint64) chan outcome {
	d.mu.Lock()
	ch, ok := d.pending[requestID]
	if ok {
		delete(d.pending, requestID)
	}
	d.mu.Unlock()
	if !ok {
		// No matching request id: either a late duplicate or a
		// malformed/absent id. Both are silently ignored.
		return nil
	}
	d.registry.Clear(requestID)
	return ch
}

func (d *Dispatcher) handleFunction(raw json.RawMessage) {
	var f message.Function
	if err := json.Unmarshal(raw, &f); err != nil {
		d.logger.Warn("malformed function message", zap.Error(err))
		return
	}

	d.lookupMu.RLock()
	lookup := d.lookup
	d.lookupMu.RUnlock()
	if lookup == nil {
		return
	}
	proc, ok := lookup(f.Name)
	if !ok {
		d.logger.Debug("unknown procedure, ignoring", zap.String("name", f.Name), zap.Error(wberrors.UnknownProcedure.New(f.Name)))
		return
	}

	ctx := context.Background()
	var tree any
	if len(f.Args) > 0 {
		if err := json.Unmarshal(f.Args, &tree); err != nil {
			d.postError(ctx, f.ID, err)
			return
		}
	}
	liveArgs, err := marshal.Unmarshal(tree, d.resolveFunc(f.ID))
	if err != nil {
		d.postError(ctx, f.ID, err)
		return
	}
	argSlice, _ := liveArgs.([]any)

	result, err := proc.Invoke(ctx, argSlice)
	if err != nil {
		d.postError(ctx, f.ID, err)
		d.registry.Clear(f.ID)
		return
	}

	register := d.registerFunc(f.ID)
	wireResult, transfers, err := marshal.Marshal(result, register)
	if err != nil {
		d.postError(ctx, f.ID, err)
		d.registry.Clear(f.ID)
		return
	}
	resultJSON, err := json.Marshal(wireResult)
	if err != nil {
		d.postError(ctx, f.ID, err)
		d.registry.Clear(f.ID)
		return
	}
	payload, err := json.Marshal(message.Result{ID: f.ID, Result: resultJSON})
	if err != nil {
		d.logger.Error("encode result", zap.Error(err))
		d.registry.Clear(f.ID)
		return
	}

	if err := d.endpoint.Post(ctx, &message.Envelope{Type: message.TypeResult, Payload: payload}, transfers); err != nil {
		d.logger.Warn("post result", zap.Error(err))
	}
	d.registry.Clear(f.ID)
}

func (d *Dispatcher) postError(ctx context.Context, requestID uint64, err error) {
	payload, mErr := json.Marshal(message.Error{ID: requestID, Error: err.Error()})
	if mErr != nil {
		d.logger.Error("encode error message", zap.Error(mErr))
		return
	}
	if pErr := d.endpoint.Post(ctx, &message.Envelope{Type: message.TypeError, Payload: payload}, nil); pErr != nil {
		d.logger.Warn("post error", zap.Error(pErr))
	}
}

// handleCallbackCall runs on either side: a local callable was named by
// the other side's proxy invocation. It mirrors handleFunction's
// marshal/invoke/respond shape but keys its response by the callId
// rather than the request id, and uses callback_result/callback_error
// instead of result/error.
func (d *Dispatcher) handleCallbackCall(raw json.RawMessage) {
	var c message.CallbackCall
	if err := json.Unmarshal(raw, &c); err != nil {
		d.logger.Warn("malformed callback_call message", zap.Error(err))
		return
	}

	cb, ok := d.registry.Callback(c.ID, c.CallbackID)
	if !ok {
		d.logger.Debug("callback_call for unknown callback, ignoring",
			zap.Uint64("requestID", c.ID), zap.String("callbackID", c.CallbackID))
		return
	}

	ctx := context.Background()
	var tree any
	if len(c.Args) > 0 {
		if err := json.Unmarshal(c.Args, &tree); err != nil {
			d.logCallbackFailure(ctx, c.CallID, err)
			return
		}
	}
	liveArgs, err := marshal.Unmarshal(tree, d.resolveFunc(c.ID))
	if err != nil {
		d.logCallbackFailure(ctx, c.CallID, err)
		return
	}
	argSlice, _ := liveArgs.([]any)

	result, err := cb.Invoke(ctx, argSlice)
	if err != nil {
		d.logCallbackFailure(ctx, c.CallID, err)
		return
	}

	register := d.registerFunc(c.ID)
	wireResult, transfers, err := marshal.Marshal(result, register)
	if err != nil {
		d.logCallbackFailure(ctx, c.CallID, err)
		return
	}
	resultJSON, err := json.Marshal(wireResult)
	if err != nil {
		d.logCallbackFailure(ctx, c.CallID, err)
		return
	}
	payload, err := json.Marshal(message.CallbackResult{ID: c.CallID, Result: resultJSON})
	if err != nil {
		d.logger.Error("encode callback_result", zap.Error(err))
		return
	}
	if err := d.endpoint.Post(ctx, &message.Envelope{Type: message.TypeCallbackResult, Payload: payload}, transfers); err != nil {
		d.logger.Warn("post callback_result", zap.Error(err))
	}
}

// logCallbackFailure always logs the failure, and also posts a
// callback_error so the proxy's invocation settles instead of leaking
// forever.
func (d *Dispatcher) logCallbackFailure(ctx context.Context, callID string, err error) {
	d.logger.Error("callback invocation failed", zap.String("callId", callID), zap.Error(err))
	payload, mErr := json.Marshal(message.CallbackError{ID: callID, Error: err.Error()})
	if mErr != nil {
		d.logger.Error("encode callback_error", zap.Error(mErr))
		return
	}
	if pErr := d.endpoint.Post(ctx, &message.Envelope{Type: message.TypeCallbackError, Payload: payload}, nil); pErr != nil {
		d.logger.Warn("post callback_error", zap.Error(pErr))
	}
}

func (d *Dispatcher) handleCallbackResult(raw json.RawMessage) {
	var r message.CallbackResult
	if err := json.Unmarshal(raw, &r); err != nil {
		d.logger.Warn("malformed callback_result message", zap.Error(err))
		return
	}
	entry, ok := d.takeCall(r.ID)
	if !ok {
		return
	}
	var tree any
	if len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, &tree); err != nil {
			entry.ch <- outcome{err: err}
			return
		}
	}
	result, err := marshal.Unmarshal(tree, d.resolveFunc(entry.requestID))
	entry.ch <- outcome{result: result, err: err}
}

func (d *Dispatcher) handleCallbackError(raw json.RawMessage) {
	var e message.CallbackError
	if err := json.Unmarshal(raw, &e); err != nil {
		d.logger.Warn("malformed callback_error message", zap.Error(err))
		return
	}
	entry, ok := d.takeCall(e.ID)
	if !ok {
		return
	}
	entry.ch <- outcome{err: errors.New(e.Error)}
}

func (d *Dispatcher) takeCall(callID string) (callEntry, bool) {
	d.mu.Lock()
	entry, ok := d.calls[callID]
	if ok {
		delete(d.calls, callID)
	}
	d.mu.Unlock()
	return entry, ok
}
