package message

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTripsFunctionPayload(t *testing.T) {
	fn := Function{ID: 1, Name: "add", Args: json.RawMessage(`[1,2]`)}
	payload, err := json.Marshal(fn)
	if err != nil {
		t.Fatalf("failed to marshal function payload: %v", err)
	}

	env := Envelope{Type: TypeFunction, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}

	var env2 Envelope
	if err := json.Unmarshal(data, &env2); err != nil {
		t.Fatalf("failed to unmarshal envelope: %v", err)
	}
	if env2.Type != TypeFunction {
		t.Fatalf("expect type %q, got %q", TypeFunction, env2.Type)
	}

	var fn2 Function
	if err := json.Unmarshal(env2.Payload, &fn2); err != nil {
		t.Fatalf("failed to unmarshal function payload: %v", err)
	}
	if fn2.ID != 1 || fn2.Name != "add" {
		t.Fatalf("expect {1 add}, got %+v", fn2)
	}
}

func TestReadyIsZeroPayload(t *testing.T) {
	if Ready.Type != TypeReady {
		t.Fatalf("expect Ready.Type = %q, got %q", TypeReady, Ready.Type)
	}
	if len(Ready.Payload) != 0 {
		t.Fatalf("expect Ready to carry no payload, got %q", Ready.Payload)
	}
}

func TestCallbackResultKeyedByStringID(t *testing.T) {
	cr := CallbackResult{ID: "abc123", Result: json.RawMessage(`42`)}
	data, err := json.Marshal(cr)
	if err != nil {
		t.Fatalf("failed to marshal callback result: %v", err)
	}

	var cr2 CallbackResult
	if err := json.Unmarshal(data, &cr2); err != nil {
		t.Fatalf("failed to unmarshal callback result: %v", err)
	}
	if cr2.ID != "abc123" {
		t.Fatalf("expect id 'abc123', got %q", cr2.ID)
	}
}
