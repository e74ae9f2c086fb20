package codec

import (
	"encoding/binary"
	"errors"

	"github.com/bxdio/workerbridge/message"
)

// BinaryCodec encodes a message.Envelope as Type length + Type bytes +
// Payload length + Payload bytes, a length-prefixed field pair.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	env, ok := v.(*message.Envelope)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *message.Envelope")
	}

	typ := string(env.Type)
	total := 2 + len(typ) + 4 + len(env.Payload)
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(typ)))
	offset += 2

	copy(buf[offset:offset+len(typ)], []byte(typ))
	offset += len(typ)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(env.Payload)))
	offset += 4

	copy(buf[offset:offset+len(env.Payload)], env.Payload)

	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	env, ok := v.(*message.Envelope)
	if !ok {
		return errors.New("BinaryCodec: v must be *message.Envelope")
	}

	offset := 0

	typeLen := binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2
	env.Type = message.Type(data[offset : offset+int(typeLen)])
	offset += int(typeLen)

	payloadLen := binary.BigEndian.Uint32(data[offset : offset+4])
	offset += 4
	env.Payload = make([]byte, payloadLen)
	copy(env.Payload, data[offset:offset+int(payloadLen)])

	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
