package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CheckpointType names one kind of execution step.
type CheckpointType string

const (
	CheckpointAssistantMessage CheckpointType = "assistant_message"
	CheckpointToolCall         CheckpointType = "tool_call"
	CheckpointToolResult       CheckpointType = "tool_result"
	CheckpointSkillSpawn       CheckpointType = "skill_spawn"
	CheckpointSkillComplete    CheckpointType = "skill_complete"
	CheckpointHitlRequest      CheckpointType = "hitl_request"
	CheckpointHitlResponse     CheckpointType = "hitl_response"
	CheckpointError            CheckpointType = "error"
)

// CheckpointOwner identifies the run a checkpoint belongs to. Exactly one
// field is set.
type CheckpointOwner struct {
	RunID         string `json:"runId,omitempty"`
	WorkflowRunID string `json:"workflowRunId,omitempty"`
}

// ForRun returns the owner key of a skill run.
func ForRun(id string) CheckpointOwner { return CheckpointOwner{RunID: id} }

// ForWorkflowRun returns the owner key of a workflow run.
func ForWorkflowRun(id string) CheckpointOwner { return CheckpointOwner{WorkflowRunID: id} }

// Valid reports whether exactly one owner id is set.
func (o CheckpointOwner) Valid() bool {
	return (o.RunID == "") != (o.WorkflowRunID == "")
}

// Checkpoint is one append-only step record. Sequence is assigned by the
// store and is 0-indexed per owner.
type Checkpoint struct {
	ID        string          `json:"id"`
	Owner     CheckpointOwner `json:"owner"`
	Sequence  int             `json:"sequence"`
	Type      CheckpointType  `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// HasState reports whether the checkpoint carries a conversation snapshot.
func (c *Checkpoint) HasState() bool {
	return len(c.State) > 0 && string(c.State) != "null"
}

// AppendStep marshals data and appends a checkpoint of type typ for owner.
func AppendStep(ctx context.Context, store CheckpointStore, owner CheckpointOwner, typ CheckpointType, data any) (*Checkpoint, error) {
	cp := &Checkpoint{Owner: owner, Type: typ, Data: MustJSON(data)}
	if err := store.AppendCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("append %s checkpoint: %w", typ, err)
	}
	return cp, nil
}
