// Package message defines the wire envelope exchanged between the main
// side and a worker side of a workerbridge pool.
//
// Envelope is the "outer" shape that every frame carries; its Type tag
// says which of the payload structs below Payload decodes into.
package message

import "encoding/json"

// Type tags an Envelope's payload shape.
type Type string

const (
	TypeFunction       Type = "function"
	TypeResult         Type = "result"
	TypeError          Type = "error"
	TypeCallbackCall   Type = "callback_call"
	TypeCallbackResult Type = "callback_result"
	TypeCallbackError  Type = "callback_error"
	TypeReady          Type = "ready"
)

// Envelope is the wire-level message. Payload is opaque at this layer;
// callers unmarshal it into the struct matching Type.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Function is the payload of a main → worker call.
type Function struct {
	ID   uint64          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Result is the payload of a successful worker → main response.
type Result struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
}

// Error is the payload of a failed worker → main response.
type Error struct {
	ID    uint64 `json:"id"`
	Error string `json:"error"`
}

// CallbackCall is the payload of an invocation of a remotely held
// callable, sent by either side to the other.
type CallbackCall struct {
	ID         uint64          `json:"id"`
	CallbackID string          `json:"callbackId"`
	CallID     string          `json:"callId"`
	Args       json.RawMessage `json:"args"`
}

// CallbackResult answers a CallbackCall. Its ID field correlates to
// CallbackCall.CallID, not to a request id, so it is a string here
// rather than a uint64.
type CallbackResult struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
}

// CallbackError answers a CallbackCall whose callable raised. Without
// it a failing callback leaks its invocation's pending result forever.
type CallbackError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Ready is the zero-payload handshake sentinel a worker posts once,
// immediately after installing its message handler.
var Ready = Envelope{Type: TypeReady}
