package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/KafClaw/autoflow/internal/provider"
)

// stateVersion is bumped whenever PausedState changes incompatibly.
const stateVersion = 1

// PausedState is the conversation snapshot stored on a hitl_request
// checkpoint. Messages already hold a tool result for every call of the
// pausing turn except PendingToolCallID.
type PausedState struct {
	Version           int                `json:"version"`
	Messages          []provider.Message `json:"messages"`
	PendingToolCallID string             `json:"pendingToolCallId"`
	Turn              int                `json:"turn"`
}

// EncodeState serializes a paused conversation.
func EncodeState(s PausedState) (json.RawMessage, error) {
	s.Version = stateVersion
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode paused state: %w", err)
	}
	return b, nil
}

// DecodeState restores a paused conversation.
func DecodeState(raw json.RawMessage) (PausedState, error) {
	var s PausedState
	if err := json.Unmarshal(raw, &s); err != nil {
		return PausedState{}, fmt.Errorf("decode paused state: %w", err)
	}
	if s.Version != stateVersion {
		return PausedState{}, fmt.Errorf("unsupported paused state version %d", s.Version)
	}
	if s.PendingToolCallID == "" || len(s.Messages) == 0 {
		return PausedState{}, fmt.Errorf("paused state is incomplete")
	}
	return s, nil
}
