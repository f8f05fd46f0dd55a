package automation

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is a decoded event payload. Components read only the fields they
// need through the accessors below.
type Payload map[string]any

// DecodePayload parses raw event payload bytes. Payloads that arrive
// pre-serialized (a JSON string holding JSON) are unwrapped once. Arrays,
// scalars and plain strings are kept under PayloadValue. Empty input
// yields an empty payload.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return Payload{}, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("decode payload string: %w", err)
		}
		trimmed := bytes.TrimSpace([]byte(inner))
		if len(trimmed) == 0 {
			return Payload{}, nil
		}
		if !json.Valid(trimmed) {
			return Payload{PayloadValue: inner}, nil
		}
		raw = trimmed
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	switch val := v.(type) {
	case nil:
		return Payload{}, nil
	case map[string]any:
		return Payload(val), nil
	default:
		return Payload{PayloadValue: val}, nil
	}
}

// Lookup walks nested objects along path.
func (p Payload) Lookup(path ...string) (any, bool) {
	var cur any = map[string]any(p)
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the string at path, or "" when absent or not a string.
func (p Payload) String(path ...string) string {
	v, ok := p.Lookup(path...)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// MustJSON marshals v, returning nil on failure. Used for best-effort
// checkpoint data where v is always a plain map or struct.
func MustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
