package proto

import (
	"bytes"
	"encoding/json"
	"fmt"

	"agentcore/pkg/corerr"
)

// Serialize encodes a message as JSON. The embedding is not included.
func Serialize(m *Message) ([]byte, error) {
	if m == nil {
		return nil, corerr.New(corerr.KindValidation, "proto.serialize", "message is nil")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindValidation, "proto.serialize", err, "failed to marshal message")
	}
	return data, nil
}

// Deserialize decodes and validates a JSON message.
func Deserialize(data []byte) (*Message, error) {
	const op = "proto.deserialize"
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, corerr.New(corerr.KindDecode, op, "empty input")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, corerr.Wrap(corerr.KindDecode, op, err, "malformed message")
	}
	if dec.More() {
		return nil, corerr.New(corerr.KindDecode, op, "trailing data after message")
	}
	if m.ID == "" {
		return nil, corerr.New(corerr.KindDecode, op, "message id is missing")
	}
	if m.Timestamp.IsZero() {
		return nil, corerr.New(corerr.KindDecode, op, "message timestamp is missing")
	}
	if err := Validate(&m); err != nil {
		return nil, corerr.Wrap(corerr.KindDecode, op, err, fmt.Sprintf("message %s is invalid", m.ID))
	}
	return &m, nil
}

// MarshalContent encodes only the content payload, used for storage columns.
func MarshalContent(c Content) ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal content: %w", err)
	}
	return data, nil
}

// UnmarshalContent decodes a stored content payload.
func UnmarshalContent(data []byte) (Content, error) {
	var c Content
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, corerr.Wrap(corerr.KindDecode, "proto.content", err, "malformed content")
	}
	return c, nil
}
