// Package orchestrator runs workflows: a multi-turn model loop that spawns
// skills, checkpoints every step, can suspend on a human decision and
// resumes from the exact point of suspension.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/KafClaw/autoflow/internal/agent"
	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/metrics"
	"github.com/KafClaw/autoflow/internal/provider"
	"github.com/KafClaw/autoflow/internal/worker"
)

// DefaultMaxTurns bounds the orchestrator turns of one workflow run,
// counted across resumes.
const DefaultMaxTurns = 30

var (
	// ErrWorkflowFailed is returned when the model calls fail_workflow.
	ErrWorkflowFailed = errors.New("workflow failed")
	// ErrNotResponded is returned when resuming a request nobody answered.
	ErrNotResponded = errors.New("human input request has not been responded")
	// ErrNoCheckpointState is returned when the pause checkpoint carries no state.
	ErrNoCheckpointState = errors.New("checkpoint has no saved state")
	// ErrNotWaiting is returned when resuming a run that is not waiting for input.
	ErrNotWaiting = errors.New("workflow run is not waiting for input")
	// ErrAlreadyResumed is returned when the run has moved past the request's pause.
	ErrAlreadyResumed = errors.New("human input request was already resumed")
)

const skippedPaused = "skipped: workflow paused for human input"

// SkillExecutor runs one spawned skill.
type SkillExecutor interface {
	Execute(ctx context.Context, skill *automation.Skill, ev *automation.Event, opts ...agent.ExecuteOption) (*automation.Run, error)
}

// SkillLookup resolves skill ids.
type SkillLookup interface {
	Get(id string) (*automation.Skill, bool)
}

// WorkflowLookup resolves workflow ids.
type WorkflowLookup interface {
	Get(id string) (*automation.Workflow, bool)
}

// Deps are the collaborators of the engine. Pool is only needed by
// ResumeAsync.
type Deps struct {
	WorkflowRuns automation.WorkflowRunStore
	Checkpoints  automation.CheckpointStore
	Hitl         automation.HitlStore
	Events       automation.EventStore
	Skills       SkillLookup
	Workflows    WorkflowLookup
	Executor     SkillExecutor
	LLM          provider.LLMProvider
	Pool         *worker.Pool
}

// Config tunes the orchestrator loop.
type Config struct {
	Model       string
	MaxTurns    int
	MaxTokens   int
	Temperature float64
}

// Engine is the workflow state machine.
type Engine struct {
	d   Deps
	cfg Config
	now func() time.Time
}

// NewEngine creates an engine.
func NewEngine(d Deps, cfg Config) *Engine {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &Engine{d: d, cfg: cfg, now: time.Now}
}

// Execute starts a workflow run for ev. A paused run is returned with
// status waiting_for_input and a nil error.
func (e *Engine) Execute(ctx context.Context, wf *automation.Workflow, ev *automation.Event) (*automation.WorkflowRun, error) {
	run := &automation.WorkflowRun{
		WorkflowID: wf.ID,
		EventID:    ev.ID,
		Status:     automation.RunPending,
		Input:      ev.Payload,
	}
	if err := e.d.WorkflowRuns.CreateWorkflowRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create workflow run: %w", err)
	}
	run.Status = automation.RunRunning
	if err := e.d.WorkflowRuns.UpdateWorkflowRun(ctx, run); err != nil {
		return run, fmt.Errorf("start workflow run: %w", err)
	}
	slog.Info("Workflow run started", "run", run.ID, "workflow", wf.ID, "event", ev.ID)

	return e.runLoop(ctx, wf, ev, run, e.openingMessages(wf, ev), 0)
}

// ResumeFromCheckpoint continues the workflow run suspended by the given
// responded HITL request.
func (e *Engine) ResumeFromCheckpoint(ctx context.Context, hitlRequestID string) (*automation.WorkflowRun, error) {
	req, err := e.d.Hitl.GetHitlRequest(ctx, hitlRequestID)
	if err != nil {
		return nil, err
	}
	if req.Status != automation.HitlResponded {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotResponded, req.ID, req.Status)
	}
	cp, err := e.d.Checkpoints.GetCheckpoint(ctx, req.CheckpointID)
	if err != nil {
		return nil, err
	}
	if !cp.HasState() {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpointState, cp.ID)
	}
	state, err := DecodeState(cp.State)
	if err != nil {
		return nil, err
	}

	run, err := e.d.WorkflowRuns.GetWorkflowRun(ctx, req.WorkflowRunID)
	if err != nil {
		return nil, err
	}
	if run.Status != automation.RunWaitingForInput {
		return run, fmt.Errorf("%w: %s is %s", ErrNotWaiting, run.ID, run.Status)
	}
	if err := e.checkLatestPause(ctx, run.ID, req); err != nil {
		return run, err
	}
	wf, ok := e.d.Workflows.Get(run.WorkflowID)
	if !ok {
		return e.fail(ctx, run, fmt.Errorf("workflow %s no longer exists", run.WorkflowID))
	}
	ev, err := e.d.Events.GetEvent(ctx, run.EventID)
	if err != nil {
		slog.Warn("Resume without original event", "run", run.ID, "event", run.EventID, "error", err)
		ev = &automation.Event{ID: run.EventID, Payload: run.Input}
	}

	messages := append(state.Messages, provider.Message{
		Role:       provider.RoleTool,
		Content:    humanResponseText(req),
		ToolCallID: state.PendingToolCallID,
	})
	if _, err := automation.AppendStep(ctx, e.d.Checkpoints, automation.ForWorkflowRun(run.ID), automation.CheckpointHitlResponse,
		map[string]any{"hitlRequestId": req.ID, "response": req.Response, "toolCallId": state.PendingToolCallID}); err != nil {
		return run, err
	}

	run.Status = automation.RunRunning
	if err := e.d.WorkflowRuns.UpdateWorkflowRun(ctx, run); err != nil {
		return run, fmt.Errorf("resume workflow run: %w", err)
	}
	slog.Info("Workflow run resumed", "run", run.ID, "hitl", req.ID)

	return e.runLoop(ctx, wf, ev, run, messages, state.Turn+1)
}

// ResumeAsync submits ResumeFromCheckpoint to the worker pool. The outcome
// lands in the workflow run's persisted status.
func (e *Engine) ResumeAsync(ctx context.Context, hitlRequestID string) error {
	if e.d.Pool == nil {
		return fmt.Errorf("no worker pool configured")
	}
	return e.d.Pool.Submit(ctx, "resume:"+hitlRequestID, func(ctx context.Context) {
		run, err := e.ResumeFromCheckpoint(ctx, hitlRequestID)
		switch {
		case errors.Is(err, ErrNotWaiting), errors.Is(err, ErrAlreadyResumed):
			slog.Info("Async resume skipped", "hitl", hitlRequestID, "reason", err)
			return
		case err != nil:
			slog.Error("Async resume failed", "hitl", hitlRequestID, "error", err)
			return
		}
		slog.Info("Async resume finished", "hitl", hitlRequestID, "run", run.ID, "status", run.Status)
	})
}

// checkLatestPause makes sure req belongs to the run's most recent pause
// and that pause has no response checkpoint yet.
func (e *Engine) checkLatestPause(ctx context.Context, runID string, req *automation.HitlRequest) error {
	cps, err := e.d.Checkpoints.ListCheckpoints(ctx, automation.ForWorkflowRun(runID))
	if err != nil {
		return err
	}
	last := -1
	for i, cp := range cps {
		if cp.Type == automation.CheckpointHitlRequest {
			last = i
		}
	}
	if last < 0 || cps[last].ID != req.CheckpointID {
		return fmt.Errorf("%w: %s", ErrAlreadyResumed, req.ID)
	}
	for _, cp := range cps[last+1:] {
		if cp.Type == automation.CheckpointHitlResponse {
			return fmt.Errorf("%w: %s", ErrAlreadyResumed, req.ID)
		}
	}
	return nil
}

func humanResponseText(req *automation.HitlRequest) string {
	return "Human response: " + req.Response
}

func (e *Engine) model(wf *automation.Workflow) string {
	if wf.OrchestratorModel != "" {
		return wf.OrchestratorModel
	}
	return e.cfg.Model
}

func (e *Engine) openingMessages(wf *automation.Workflow, ev *automation.Event) []provider.Message {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You orchestrate the workflow %q.\n\n", wf.Name)
	if wf.Description != "" {
		sys.WriteString(wf.Description + "\n\n")
	}
	sys.WriteString("# Instructions\n\n" + strings.TrimSpace(wf.Instructions) + "\n\n# Skills\n\n")
	if len(wf.Skills) == 0 {
		sys.WriteString("No skills are available.\n")
	}
	for _, id := range wf.Skills {
		if sk, ok := e.d.Skills.Get(id); ok {
			fmt.Fprintf(&sys, "- %s: %s %s\n", sk.ID, sk.Name, sk.Description)
		} else {
			fmt.Fprintf(&sys, "- %s\n", id)
		}
	}
	sys.WriteString("\nUse spawn_skill to run a skill, request_human_input when a human must decide, " +
		"and finish with complete_workflow or fail_workflow.")

	return []provider.Message{
		{Role: provider.RoleSystem, Content: sys.String()},
		{Role: provider.RoleUser, Content: agent.BuildEventMessage(ev, nil)},
	}
}

func (e *Engine) runLoop(ctx context.Context, wf *automation.Workflow, ev *automation.Event, run *automation.WorkflowRun, messages []provider.Message, startTurn int) (*automation.WorkflowRun, error) {
	owner := automation.ForWorkflowRun(run.ID)
	lastText := ""

	// The budget spans resumes, but a resumed run always gets one turn to
	// read the human response.
	limit := max(e.cfg.MaxTurns, startTurn+1)
	for turn := startTurn; turn < limit; turn++ {
		resp, err := e.d.LLM.Chat(ctx, &provider.ChatRequest{
			Messages:    messages,
			Tools:       OperationDefinitions(),
			Model:       e.model(wf),
			MaxTokens:   e.cfg.MaxTokens,
			Temperature: e.cfg.Temperature,
		})
		if err != nil {
			return e.fail(ctx, run, fmt.Errorf("LLM call failed: %w", err))
		}

		if resp.Content != "" {
			lastText = resp.Content
			if _, err := automation.AppendStep(ctx, e.d.Checkpoints, owner, automation.CheckpointAssistantMessage,
				map[string]any{"turn": turn, "content": resp.Content}); err != nil {
				return e.fail(ctx, run, err)
			}
		}
		if len(resp.ToolCalls) == 0 {
			return e.complete(ctx, run, map[string]any{"summary": lastText})
		}

		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for i, tc := range resp.ToolCalls {
			if _, err := automation.AppendStep(ctx, e.d.Checkpoints, owner, automation.CheckpointToolCall,
				map[string]any{"id": tc.ID, "name": tc.Name, "arguments": tc.Arguments}); err != nil {
				return e.fail(ctx, run, err)
			}

			var result string
			switch op := ParseOperation(tc).(type) {
			case SpawnSkill:
				result, err = e.spawn(ctx, wf, ev, run, op)
				if err != nil {
					return e.fail(ctx, run, err)
				}
			case CompleteWorkflow:
				return e.complete(ctx, run, map[string]any{"summary": op.Summary, "results": op.Results})
			case FailWorkflow:
				return e.failByModel(ctx, run, op)
			case RequestHumanInput:
				if strings.TrimSpace(op.Prompt) == "" {
					result = "Error: request_human_input needs a prompt"
					break
				}
				return e.pause(ctx, run, messages, op, resp.ToolCalls[i+1:], turn)
			case UnknownOperation:
				slog.Warn("Unknown orchestrator operation", "run", run.ID, "operation", op.Name)
				result = fmt.Sprintf("Error: unknown operation %q", op.Name)
			}
			messages = append(messages, provider.Message{Role: provider.RoleTool, Content: result, ToolCallID: tc.ID})
		}
	}

	slog.Warn("Workflow reached max turns, completing with last text", "run", run.ID, "maxTurns", e.cfg.MaxTurns)
	return e.complete(ctx, run, map[string]any{"summary": lastText})
}

// spawn runs a skill for the orchestrator. Configuration problems and
// skill failures become tool errors; only persistence failures are
// returned as errors.
func (e *Engine) spawn(ctx context.Context, wf *automation.Workflow, ev *automation.Event, run *automation.WorkflowRun, op SpawnSkill) (string, error) {
	if !wf.AllowsSkill(op.SkillID) {
		return fmt.Sprintf("Error: skill %q is not available to this workflow", op.SkillID), nil
	}
	skill, ok := e.d.Skills.Get(op.SkillID)
	if !ok {
		return fmt.Sprintf("Error: skill %q not found", op.SkillID), nil
	}
	if !skill.Enabled {
		return fmt.Sprintf("Error: skill %q is disabled", op.SkillID), nil
	}

	owner := automation.ForWorkflowRun(run.ID)
	if _, err := automation.AppendStep(ctx, e.d.Checkpoints, owner, automation.CheckpointSkillSpawn,
		map[string]any{"toolCallId": op.ID, "skillId": op.SkillID, "inputs": op.Inputs, "reason": op.Reason}); err != nil {
		return "", err
	}

	opts := []agent.ExecuteOption{agent.WithWorkflowRun(run.ID)}
	if op.Inputs != nil {
		opts = append(opts, agent.WithInput(automation.MustJSON(op.Inputs)))
	}
	skillRun, execErr := e.d.Executor.Execute(ctx, skill, ev, opts...)
	if execErr != nil && ctx.Err() != nil {
		return "", execErr
	}

	done := map[string]any{"toolCallId": op.ID, "skillId": op.SkillID}
	if skillRun != nil {
		run.SkillRunIDs = append(run.SkillRunIDs, skillRun.ID)
		if err := e.d.WorkflowRuns.UpdateWorkflowRun(ctx, run); err != nil {
			return "", fmt.Errorf("link skill run: %w", err)
		}
		done["runId"] = skillRun.ID
		done["status"] = skillRun.Status
	}
	if execErr != nil {
		done["error"] = execErr.Error()
	} else {
		done["output"] = skillRun.Output
	}
	if _, err := automation.AppendStep(ctx, e.d.Checkpoints, owner, automation.CheckpointSkillComplete, done); err != nil {
		return "", err
	}

	if execErr != nil {
		return fmt.Sprintf("Error: skill %q failed: %v", op.SkillID, execErr), nil
	}
	out, _ := json.Marshal(map[string]any{"runId": skillRun.ID, "status": skillRun.Status, "output": skillRun.Output})
	return string(out), nil
}

func (e *Engine) pause(ctx context.Context, run *automation.WorkflowRun, messages []provider.Message, op RequestHumanInput, rest []provider.ToolCall, turn int) (*automation.WorkflowRun, error) {
	for _, tc := range rest {
		messages = append(messages, provider.Message{Role: provider.RoleTool, Content: skippedPaused, ToolCallID: tc.ID})
	}
	state, err := EncodeState(PausedState{Messages: messages, PendingToolCallID: op.ID, Turn: turn})
	if err != nil {
		return e.fail(ctx, run, err)
	}

	cp := &automation.Checkpoint{
		Owner: automation.ForWorkflowRun(run.ID),
		Type:  automation.CheckpointHitlRequest,
		Data: automation.MustJSON(map[string]any{
			"toolCallId": op.ID, "prompt": op.Prompt, "options": op.Options, "timeoutMinutes": op.TimeoutMinutes,
		}),
		State: state,
	}
	if err := e.d.Checkpoints.AppendCheckpoint(ctx, cp); err != nil {
		return e.fail(ctx, run, fmt.Errorf("append hitl_request checkpoint: %w", err))
	}

	req := &automation.HitlRequest{
		WorkflowRunID: run.ID,
		CheckpointID:  cp.ID,
		Prompt:        op.Prompt,
		Options:       op.Options,
	}
	if op.Context != nil {
		req.Context = automation.MustJSON(op.Context)
	}
	if op.TimeoutMinutes > 0 {
		at := e.now().UTC().Add(time.Duration(op.TimeoutMinutes) * time.Minute)
		req.TimeoutAt = &at
	}
	if err := e.d.Hitl.CreateHitlRequest(ctx, req); err != nil {
		return e.fail(ctx, run, fmt.Errorf("create hitl request: %w", err))
	}

	run.Status = automation.RunWaitingForInput
	if err := e.d.WorkflowRuns.UpdateWorkflowRun(ctx, run); err != nil {
		return run, fmt.Errorf("pause workflow run: %w", err)
	}
	metrics.WorkflowRun(automation.RunWaitingForInput)
	metrics.HitlTransition(automation.HitlPending)
	slog.Info("Workflow run waiting for input", "run", run.ID, "hitl", req.ID)
	return run, nil
}

func (e *Engine) complete(ctx context.Context, run *automation.WorkflowRun, output map[string]any) (*automation.WorkflowRun, error) {
	done := e.now().UTC()
	run.Status = automation.RunCompleted
	run.Output = automation.MustJSON(output)
	run.CompletedAt = &done
	if err := e.d.WorkflowRuns.UpdateWorkflowRun(ctx, run); err != nil {
		return run, fmt.Errorf("complete workflow run: %w", err)
	}
	metrics.WorkflowRun(automation.RunCompleted)
	slog.Info("Workflow run completed", "run", run.ID, "skillRuns", len(run.SkillRunIDs))
	return run, nil
}

func (e *Engine) failByModel(ctx context.Context, run *automation.WorkflowRun, op FailWorkflow) (*automation.WorkflowRun, error) {
	msg := op.Error
	if msg == "" {
		msg = "fail_workflow called without an error message"
	}
	_, _ = automation.AppendStep(ctx, e.d.Checkpoints, automation.ForWorkflowRun(run.ID), automation.CheckpointError,
		map[string]any{"error": msg, "partialResults": op.PartialResults, "source": OpFailWorkflow})
	if op.PartialResults != nil {
		run.Output = automation.MustJSON(map[string]any{"partialResults": op.PartialResults})
	}
	e.markFailed(ctx, run, msg)
	return run, fmt.Errorf("%w: %s", ErrWorkflowFailed, msg)
}

func (e *Engine) fail(ctx context.Context, run *automation.WorkflowRun, cause error) (*automation.WorkflowRun, error) {
	_, _ = automation.AppendStep(context.WithoutCancel(ctx), e.d.Checkpoints, automation.ForWorkflowRun(run.ID), automation.CheckpointError,
		map[string]any{"error": cause.Error()})
	e.markFailed(ctx, run, cause.Error())
	return run, cause
}

func (e *Engine) markFailed(ctx context.Context, run *automation.WorkflowRun, msg string) {
	done := e.now().UTC()
	run.Status = automation.RunFailed
	run.Error = msg
	run.CompletedAt = &done
	if err := e.d.WorkflowRuns.UpdateWorkflowRun(context.WithoutCancel(ctx), run); err != nil {
		slog.Error("Failed to persist failed workflow run", "run", run.ID, "error", err)
	}
	metrics.WorkflowRun(automation.RunFailed)
	slog.Warn("Workflow run failed", "run", run.ID, "error", msg)
}
