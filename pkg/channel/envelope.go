package channel

import (
	"encoding/json"
	"fmt"

	"github.com/cryosec/keybroker/pkg/security"
)

// RequestEnvelope frames one operation request on the wire. One envelope per
// line, JSON-encoded.
type RequestEnvelope struct {
	ID      string          `json:"id"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReplyEnvelope frames one reply. ID echoes the request; exactly one of
// Payload and Error is set.
type ReplyEnvelope struct {
	ID      string             `json:"id"`
	Payload json.RawMessage    `json:"payload,omitempty"`
	Error   *security.ErrorDTO `json:"error,omitempty"`
}

// EncodeRequest serialises an envelope to a single wire line (no trailing
// newline).
func EncodeRequest(env RequestEnvelope) ([]byte, error) {
	if env.ID == "" {
		return nil, fmt.Errorf("request envelope missing id")
	}
	if env.Op == "" {
		return nil, fmt.Errorf("request envelope missing op")
	}
	return json.Marshal(env)
}

// DecodeRequest parses one wire line into a request envelope.
func DecodeRequest(line []byte) (RequestEnvelope, error) {
	var env RequestEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return RequestEnvelope{}, fmt.Errorf("decode request envelope: %w", err)
	}
	if env.ID == "" || env.Op == "" {
		return RequestEnvelope{}, fmt.Errorf("request envelope missing id or op")
	}
	return env, nil
}

// EncodeReply serialises a reply envelope to a single wire line.
func EncodeReply(env ReplyEnvelope) ([]byte, error) {
	if env.ID == "" {
		return nil, fmt.Errorf("reply envelope missing id")
	}
	return json.Marshal(env)
}

// DecodeReply parses one wire line into a reply envelope.
func DecodeReply(line []byte) (ReplyEnvelope, error) {
	var env ReplyEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return ReplyEnvelope{}, fmt.Errorf("decode reply envelope: %w", err)
	}
	if env.ID == "" {
		return ReplyEnvelope{}, fmt.Errorf("reply envelope missing id")
	}
	return env, nil
}
