package telemetry

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// maxFrameLen bounds the JSON body of a single outgoing telemetry frame;
// EncodeEvent rejects anything larger.
const maxFrameLen = 1 << 16

// envelope is the JSON body of a telemetry frame.
type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeEvent wraps an event in a length-prefixed JSON frame: a 4-byte
// big-endian length followed by that many bytes of JSON.
func EncodeEvent(kind string, data any) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("telemetry: marshal %s: %w", kind, err)
	}
	env, err := json.Marshal(envelope{Kind: kind, Data: body})
	if err != nil {
		return nil, fmt.Errorf("telemetry: marshal envelope: %w", err)
	}
	if len(env) > maxFrameLen {
		return nil, fmt.Errorf("telemetry: encoded frame too long (%d bytes)", len(env))
	}
	out := make([]byte, 4+len(env))
	binary.BigEndian.PutUint32(out[:4], uint32(len(env)))
	copy(out[4:], env)
	return out, nil
}
