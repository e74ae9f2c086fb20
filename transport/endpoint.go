// Package transport provides the Endpoint abstraction the core consumes:
// a publish/subscribe message channel to one worker execution context.
//
// It is a pure pub/sub primitive: request/response correlation lives
// entirely in dispatcher, and the transport only knows how to post and
// deliver envelopes.
package transport

import (
	"context"

	"github.com/bxdio/workerbridge/marshal"
	"github.com/bxdio/workerbridge/message"
)

// Endpoint is one side of a single ordered message channel to a worker.
// Adapters bridge concrete platforms; the core never references a
// platform type directly.
type Endpoint interface {
	// Post sends env to the other side. transfer is a hint listing the
	// raw buffers reachable from env's payload. Neither shipped adapter
	// acts on it: LocalEndpoint hands env to the peer by reference, and
	// TCPEndpoint writes a copy of it into the outgoing frame.
	Post(ctx context.Context, env *message.Envelope, transfer []marshal.TransferRef) error

	// OnMessage registers h to be called for every inbound envelope. The
	// returned function unsubscribes h; calling it more than once is a
	// no-op.
	OnMessage(h func(*message.Envelope)) (unsubscribe func())

	// Terminate closes the endpoint. Pending Posts fail with
	// wberrors.TransportClosed; OnMessage handlers stop firing.
	Terminate() error
}
