package orchestrator

import (
	"github.com/KafClaw/autoflow/internal/provider"
	"github.com/KafClaw/autoflow/internal/tools"
)

// Operation names offered to the orchestrator model.
const (
	OpSpawnSkill        = "spawn_skill"
	OpCompleteWorkflow  = "complete_workflow"
	OpFailWorkflow      = "fail_workflow"
	OpRequestHumanInput = "request_human_input"
)

// Operation is one parsed orchestrator tool call. The set of
// implementations is closed.
type Operation interface {
	CallID() string
	operation()
}

// SpawnSkill runs one of the workflow's skills.
type SpawnSkill struct {
	ID      string
	SkillID string
	Inputs  map[string]any
	Reason  string
}

// CompleteWorkflow ends the run successfully.
type CompleteWorkflow struct {
	ID      string
	Summary string
	Results any
}

// FailWorkflow ends the run as failed.
type FailWorkflow struct {
	ID             string
	Error          string
	PartialResults any
}

// RequestHumanInput suspends the run until a human responds.
type RequestHumanInput struct {
	ID             string
	Prompt         string
	Context        any
	Options        []string
	TimeoutMinutes int
}

// UnknownOperation is any call the engine does not offer.
type UnknownOperation struct {
	ID        string
	Name      string
	Arguments map[string]any
}

func (o SpawnSkill) CallID() string        { return o.ID }
func (o CompleteWorkflow) CallID() string  { return o.ID }
func (o FailWorkflow) CallID() string      { return o.ID }
func (o RequestHumanInput) CallID() string { return o.ID }
func (o UnknownOperation) CallID() string  { return o.ID }

func (SpawnSkill) operation()        {}
func (CompleteWorkflow) operation()  {}
func (FailWorkflow) operation()      {}
func (RequestHumanInput) operation() {}
func (UnknownOperation) operation()  {}

// ParseOperation converts a model tool call into an Operation.
func ParseOperation(tc provider.ToolCall) Operation {
	args := tc.Arguments
	switch tc.Name {
	case OpSpawnSkill:
		inputs, _ := args["inputs"].(map[string]any)
		return SpawnSkill{
			ID:      tc.ID,
			SkillID: tools.GetString(args, "skillId", tools.GetString(args, "skill_id", "")),
			Inputs:  inputs,
			Reason:  tools.GetString(args, "reason", ""),
		}
	case OpCompleteWorkflow:
		return CompleteWorkflow{ID: tc.ID, Summary: tools.GetString(args, "summary", ""), Results: args["results"]}
	case OpFailWorkflow:
		return FailWorkflow{ID: tc.ID, Error: tools.GetString(args, "error", ""), PartialResults: args["partialResults"]}
	case OpRequestHumanInput:
		return RequestHumanInput{
			ID:             tc.ID,
			Prompt:         tools.GetString(args, "prompt", ""),
			Context:        args["context"],
			Options:        tools.GetStrings(args, "options"),
			TimeoutMinutes: tools.GetInt(args, "timeout_minutes", 0),
		}
	default:
		return UnknownOperation{ID: tc.ID, Name: tc.Name, Arguments: args}
	}
}

// OperationDefinitions returns the tool definitions offered every turn.
func OperationDefinitions() []provider.ToolDefinition {
	return []provider.ToolDefinition{
		provider.NewFunctionTool(OpSpawnSkill,
			"Run one of this workflow's skills and receive its output.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"skillId": map[string]any{"type": "string", "description": "Id of the skill to run"},
					"inputs":  map[string]any{"type": "object", "description": "Inputs passed to the skill"},
					"reason":  map[string]any{"type": "string", "description": "Why this skill is needed now"},
				},
				"required": []string{"skillId"},
			}),
		provider.NewFunctionTool(OpCompleteWorkflow,
			"Finish the workflow successfully.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary": map[string]any{"type": "string"},
					"results": map[string]any{"type": "object"},
				},
				"required": []string{"summary"},
			}),
		provider.NewFunctionTool(OpFailWorkflow,
			"Stop the workflow and mark it failed.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"error":          map[string]any{"type": "string"},
					"partialResults": map[string]any{"type": "object"},
				},
				"required": []string{"error"},
			}),
		provider.NewFunctionTool(OpRequestHumanInput,
			"Pause the workflow until a human answers. The answer arrives as this call's result.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt":          map[string]any{"type": "string"},
					"context":         map[string]any{"type": "object"},
					"options":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"timeout_minutes": map[string]any{"type": "integer"},
				},
				"required": []string{"prompt"},
			}),
	}
}
