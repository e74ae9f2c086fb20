package codec

import (
	"testing"

	"github.com/bxdio/workerbridge/message"
)

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}

	original := &message.Envelope{
		Type:    message.TypeFunction,
		Payload: []byte(`{"id":1,"name":"add","args":[1,2]}`),
	}

	data, err := jsonCodec.Encode(original)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}

	var decoded message.Envelope
	if err := jsonCodec.Decode(data, &decoded); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}

	if original.Type != decoded.Type {
		t.Errorf("Type mismatch: got %s, want %s", decoded.Type, original.Type)
	}
	if string(original.Payload) != string(decoded.Payload) {
		t.Errorf("Payload mismatch: got %s, want %s", string(decoded.Payload), string(original.Payload))
	}
}

func TestBinaryCodec(t *testing.T) {
	binaryCodec := &BinaryCodec{}

	original := &message.Envelope{
		Type:    message.TypeResult,
		Payload: []byte(`{"id":1,"result":3}`),
	}

	data, err := binaryCodec.Encode(original)
	if err != nil {
		t.Fatalf("BinaryCodec Encode failed: %v", err)
	}

	var decoded message.Envelope
	if err := binaryCodec.Decode(data, &decoded); err != nil {
		t.Fatalf("BinaryCodec Decode failed: %v", err)
	}

	if original.Type != decoded.Type {
		t.Errorf("Type mismatch: got %s, want %s", decoded.Type, original.Type)
	}
	if string(original.Payload) != string(decoded.Payload) {
		t.Errorf("Payload mismatch: got %s, want %s", string(decoded.Payload), string(original.Payload))
	}
}

func TestBinaryCodecEmptyPayload(t *testing.T) {
	binaryCodec := &BinaryCodec{}

	original := &message.Envelope{Type: message.TypeReady}

	data, err := binaryCodec.Encode(original)
	if err != nil {
		t.Fatalf("BinaryCodec Encode failed: %v", err)
	}

	var decoded message.Envelope
	if err := binaryCodec.Decode(data, &decoded); err != nil {
		t.Fatalf("BinaryCodec Decode failed: %v", err)
	}
	if decoded.Type != message.TypeReady {
		t.Errorf("Type mismatch: got %s, want %s", decoded.Type, message.TypeReady)
	}
	if len(decoded.Payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(decoded.Payload))
	}
}
