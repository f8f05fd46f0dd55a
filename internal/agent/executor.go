// Package agent runs single skills: a bounded tool-calling loop against the
// language model for one skill and one event.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/metrics"
	"github.com/KafClaw/autoflow/internal/provider"
	"github.com/KafClaw/autoflow/internal/tools"
)

// DefaultMaxTurns bounds the model turns of one skill run.
const DefaultMaxTurns = 20

// ErrMaxTurns is returned when the model keeps calling tools past the cap.
var ErrMaxTurns = errors.New("max turns reached without a final answer")

// Config tunes the executor.
type Config struct {
	// Model is used when the skill names no model tier.
	Model string
	// ModelTiers maps a skill's modelTier to a concrete model name.
	ModelTiers  map[string]string
	MaxTurns    int
	MaxTokens   int
	Temperature float64
}

// Executor runs skills. Rate-limit retries are the provider's concern
// (see provider.WithRetry).
type Executor struct {
	runs        automation.RunStore
	checkpoints automation.CheckpointStore
	llm         provider.LLMProvider
	router      *tools.Router
	cfg         Config
	now         func() time.Time
}

// NewExecutor creates an executor. router may be nil for tool-less skills.
func NewExecutor(runs automation.RunStore, checkpoints automation.CheckpointStore, llm provider.LLMProvider, router *tools.Router, cfg Config) *Executor {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &Executor{
		runs:        runs,
		checkpoints: checkpoints,
		llm:         llm,
		router:      router,
		cfg:         cfg,
		now:         time.Now,
	}
}

type executeOptions struct {
	workflowRunID string
	input         json.RawMessage
}

// ExecuteOption customizes one Execute call.
type ExecuteOption func(*executeOptions)

// WithWorkflowRun links the run to the workflow run that spawned it.
func WithWorkflowRun(id string) ExecuteOption {
	return func(o *executeOptions) { o.workflowRunID = id }
}

// WithInput attaches orchestrator-provided inputs to the run.
func WithInput(input json.RawMessage) ExecuteOption {
	return func(o *executeOptions) { o.input = input }
}

// Execute runs skill for ev. The returned Run is always non-nil once it
// was created, including when an error is returned.
func (e *Executor) Execute(ctx context.Context, skill *automation.Skill, ev *automation.Event, opts ...ExecuteOption) (*automation.Run, error) {
	var o executeOptions
	for _, opt := range opts {
		opt(&o)
	}

	run := &automation.Run{
		SkillID:       skill.ID,
		EventID:       ev.ID,
		WorkflowRunID: o.workflowRunID,
		Status:        automation.RunPending,
		Input:         o.input,
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	run.Status = automation.RunRunning
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("start run: %w", err)
	}
	slog.Info("Skill run started", "run", run.ID, "skill", skill.ID, "event", ev.ID)

	output, err := e.loop(ctx, run, skill, BuildMessages(skill, ev, o.input, e.now()))
	done := e.now().UTC()
	run.CompletedAt = &done
	if err != nil {
		run.Status = automation.RunFailed
		run.Error = err.Error()
		_, _ = automation.AppendStep(context.WithoutCancel(ctx), e.checkpoints, automation.ForRun(run.ID), automation.CheckpointError,
			map[string]any{"error": err.Error()})
		if uerr := e.runs.UpdateRun(context.WithoutCancel(ctx), run); uerr != nil {
			slog.Error("Failed to persist failed run", "run", run.ID, "error", uerr)
		}
		metrics.SkillRun(automation.RunFailed)
		slog.Warn("Skill run failed", "run", run.ID, "skill", skill.ID, "error", err)
		return run, err
	}

	run.Status = automation.RunCompleted
	run.Output = output
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("complete run: %w", err)
	}
	metrics.SkillRun(automation.RunCompleted)
	slog.Info("Skill run completed", "run", run.ID, "skill", skill.ID)
	return run, nil
}

func (e *Executor) model(skill *automation.Skill) string {
	if skill.ModelTier != "" {
		if m, ok := e.cfg.ModelTiers[skill.ModelTier]; ok && m != "" {
			return m
		}
	}
	return e.cfg.Model
}

func (e *Executor) loop(ctx context.Context, run *automation.Run, skill *automation.Skill, messages []provider.Message) (string, error) {
	owner := automation.ForRun(run.ID)

	var toolDefs []provider.ToolDefinition
	if e.router != nil && len(skill.ToolServers) > 0 {
		defs, err := e.router.Definitions(ctx, skill.ToolServers, skill.ToolPermissions)
		if err != nil {
			return "", err
		}
		toolDefs = defs
	}

	for turn := 0; turn < e.cfg.MaxTurns; turn++ {
		resp, err := e.llm.Chat(ctx, &provider.ChatRequest{
			Messages:    messages,
			Tools:       toolDefs,
			Model:       e.model(skill),
			MaxTokens:   e.cfg.MaxTokens,
			Temperature: e.cfg.Temperature,
		})
		if err != nil {
			return "", fmt.Errorf("LLM call failed: %w", err)
		}

		if resp.Content != "" {
			if _, err := automation.AppendStep(ctx, e.checkpoints, owner, automation.CheckpointAssistantMessage,
				map[string]any{"turn": turn, "content": resp.Content}); err != nil {
				return "", err
			}
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			if _, err := automation.AppendStep(ctx, e.checkpoints, owner, automation.CheckpointToolCall,
				map[string]any{"id": tc.ID, "name": tc.Name, "arguments": tc.Arguments}); err != nil {
				return "", err
			}

			result := e.callTool(ctx, skill, tc)
			if _, err := automation.AppendStep(ctx, e.checkpoints, owner, automation.CheckpointToolResult,
				map[string]any{"id": tc.ID, "name": tc.Name, "content": truncateStr(result.Content, 10240), "isError": result.IsError}); err != nil {
				return "", err
			}
			messages = append(messages, provider.Message{
				Role:       provider.RoleTool,
				Content:    toolResultText(result),
				ToolCallID: tc.ID,
			})
		}
	}
	return "", fmt.Errorf("%w (%d)", ErrMaxTurns, e.cfg.MaxTurns)
}

func (e *Executor) callTool(ctx context.Context, skill *automation.Skill, tc provider.ToolCall) *tools.CallResult {
	if !tools.IsToolAllowed(tc.Name, skill.ToolPermissions) {
		slog.Warn("Tool denied by policy", "skill", skill.ID, "tool", tc.Name)
		return &tools.CallResult{Content: fmt.Sprintf("tool %s is not permitted for this skill", tc.Name), IsError: true}
	}
	if e.router == nil {
		return &tools.CallResult{Content: "no tool servers are configured", IsError: true}
	}
	res, err := e.router.Call(ctx, tc.Name, tc.Arguments)
	if err != nil {
		slog.Warn("Tool call failed", "skill", skill.ID, "tool", tc.Name, "error", err)
		return &tools.CallResult{Content: err.Error(), IsError: true}
	}
	return res
}

func toolResultText(r *tools.CallResult) string {
	if r.IsError {
		return "Error: " + r.Content
	}
	return r.Content
}
