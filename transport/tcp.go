package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/joomcode/errorx"

	"github.com/bxdio/workerbridge/codec"
	"github.com/bxdio/workerbridge/marshal"
	"github.com/bxdio/workerbridge/message"
	"github.com/bxdio/workerbridge/protocol"
	"github.com/bxdio/workerbridge/wberrors"
)

// TCPEndpoint wraps a net.Conn with the framed protocol+codec pair as a
// pure publish/subscribe Endpoint: every decoded envelope is fanned out
// to OnMessage handlers, and request/response correlation lives
// entirely in dispatcher.
type TCPEndpoint struct {
	conn  net.Conn
	codec codec.CodecType
	seq   uint32

	sending sync.Mutex

	mu       sync.Mutex
	handlers map[int]func(*message.Envelope)
	nextID   int
	backlog  []*message.Envelope
	closed   bool
}

// NewTCPEndpoint wraps conn and starts the background recv loop. The
// caller owns the handshake: for a worker-originated connection, the
// first inbound envelope should be message.Ready.
func NewTCPEndpoint(conn net.Conn, codecType codec.CodecType) *TCPEndpoint {
	e := &TCPEndpoint{
		conn:     conn,
		codec:    codecType,
		handlers: make(map[int]func(*message.Envelope)),
	}
	go e.recvLoop()
	go e.heartbeatLoop(30 * time.Second)
	return e
}

// Post encodes env with the configured codec, frames it per protocol,
// and writes it to the connection. transfer is accepted for interface
// symmetry but unused: a real socket cannot move buffer ownership the
// way an in-process channel can, so every buffer it carries is copied
// into the outgoing frame along with the rest of the payload.
func (e *TCPEndpoint) Post(ctx context.Context, env *message.Envelope, transfer []marshal.TransferRef) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return errorx.Decorate(wberrors.TransportClosed.New("endpoint closed"), "post")
	}

	cdc := codec.GetCodec(e.codec)
	body, err := cdc.Encode(env)
	if err != nil {
		return errorx.Decorate(err, "encode envelope")
	}

	e.sending.Lock()
	defer e.sending.Unlock()
	e.seq++
	header := protocol.Header{
		CodecType: byte(e.codec),
		MsgType:   msgTypeFor(env.Type),
		Seq:       e.seq,
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(e.conn, &header, body); err != nil {
		return errorx.Decorate(err, "write frame")
	}
	return nil
}

// OnMessage registers h for every envelope decoded off the connection.
// recvLoop starts as soon as the connection is wrapped, so frames can
// arrive before the caller's first subscriber attaches; if h is that
// first subscriber, it also drains whatever queued up in the meantime,
// in arrival order.
func (e *TCPEndpoint) OnMessage(h func(*message.Envelope)) (unsubscribe func()) {
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

// Terminate closes the underlying connection. Idempotent.
func (e *TCPEndpoint) Terminate() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.conn.Close()
}

func (e *TCPEndpoint) recvLoop() {
	for {
		header, body, err := protocol.Decode(e.conn)
		if err != nil {
			e.Terminate()
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		var env message.Envelope
		cdc := codec.GetCodec(codec.CodecType(header.CodecType))
		if err := cdc.Decode(body, &env); err != nil {
			continue
		}

		e.mu.Lock()
		if len(e.handlers) == 0 {
			e.backlog = append(e.backlog, &env)
			e.mu.Unlock()
			continue
		}
		handlers := make([]func(*message.Envelope), 0, len(e.handlers))
		for _, h := range e.handlers {
			handlers = append(handlers, h)
		}
		e.mu.Unlock()
		for _, h := range handlers {
			h(&env)
		}
	}
}

func (e *TCPEndpoint) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
		e.sending.Lock()
		err := protocol.Encode(e.conn, header, nil)
		e.sending.Unlock()
		if err != nil {
			return
		}
	}
}

func msgTypeFor(t message.Type) protocol.MsgType {
	switch t {
	case message.TypeFunction:
		return protocol.MsgTypeFunction
	case message.TypeResult:
		return protocol.MsgTypeResult
	case message.TypeError:
		return protocol.MsgTypeError
	case message.TypeCallbackCall:
		return protocol.MsgTypeCallbackCall
	case message.TypeCallbackResult:
		return protocol.MsgTypeCallbackResult
	case message.TypeCallbackError:
		return protocol.MsgTypeCallbackError
	case message.TypeReady:
		return protocol.MsgTypeReady
	default:
		return protocol.MsgTypeFunction
	}
}
