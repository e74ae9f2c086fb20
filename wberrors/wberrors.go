// Package wberrors classifies the local (never-serialized) errors that
// workerbridge's own components raise: transport failures, a pool reset
// under SetLimit, a handshake that never completed.
//
// Errors that cross the wire are still reduced to plain strings per the
// wire protocol (message.Error.Error, message.CallbackError.Error) —
// this namespace only classifies errors on the side that raised them.
package wberrors

import "github.com/joomcode/errorx"

// Namespace roots every workerbridge error type, the same way the pack's
// mgnsk-go-wasm-demos wrpc package roots its duplex-channel failures
// under errorx.InternalError.
var Namespace = errorx.NewNamespace("workerbridge")

var (
	// TransportClosed is raised by an Endpoint once Terminate has run
	// and a caller still tries to Post through it.
	TransportClosed = Namespace.NewType("transport_closed")

	// PoolReset is delivered to every in-flight caller abandoned by
	// SetLimit or Close, per the Open Question decision in DESIGN.md.
	PoolReset = Namespace.NewType("pool_reset")

	// HandshakeTimeout is raised when a worker endpoint fails to post
	// its ready sentinel within the configured handshake window.
	HandshakeTimeout = Namespace.NewType("handshake_timeout")

	// UnknownProcedure is raised internally when a worker receives a
	// function call for a name it never registered. It is deliberately
	// never surfaced across the wire (spec: the caller's Execute never
	// settles) — it exists only so worker-side logging can classify it.
	UnknownProcedure = Namespace.NewType("unknown_procedure")

	// RateLimited is raised by middleware.RateLimitMiddleware when a call
	// exceeds its configured token bucket.
	RateLimited = Namespace.NewType("rate_limited")

	// CallTimedOut is raised by middleware.TimeoutMiddleware when a call
	// doesn't complete within its configured deadline.
	CallTimedOut = Namespace.NewType("call_timed_out")
)
