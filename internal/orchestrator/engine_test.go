package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/autoflow/internal/agent"
	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/provider"
	"github.com/KafClaw/autoflow/internal/provider/providertest"
	"github.com/KafClaw/autoflow/internal/timeline"
)

func newTestTimeline(t *testing.T) *timeline.TimelineService {
	t.Helper()
	svc, err := timeline.NewTimelineService(filepath.Join(t.TempDir(), "timeline.db"))
	if err != nil {
		t.Fatalf("failed to create timeline service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

type skillMap map[string]*automation.Skill

func (m skillMap) Get(id string) (*automation.Skill, bool) {
	s, ok := m[id]
	return s, ok
}

type workflowMap map[string]*automation.Workflow

func (m workflowMap) Get(id string) (*automation.Workflow, bool) {
	w, ok := m[id]
	return w, ok
}

type fixture struct {
	tl     *timeline.TimelineService
	llm    *providertest.Scripted
	skills *providertest.Scripted
	wf     *automation.Workflow
	ev     *automation.Event
	engine *Engine
}

func newFixture(t *testing.T, steps ...providertest.Step) *fixture {
	t.Helper()
	tl := newTestTimeline(t)
	ev := &automation.Event{Source: "github", Type: "push", Payload: json.RawMessage(`{"ref":"main"}`)}
	if err := tl.CreateEvent(context.Background(), ev); err != nil {
		t.Fatalf("CreateEvent() error: %v", err)
	}
	wf := &automation.Workflow{ID: "wf-1", Name: "release", Instructions: "Ship it", Skills: []string{"s1"}, Enabled: true}
	skillLLM := providertest.New()
	f := &fixture{
		tl:     tl,
		llm:    providertest.New(steps...),
		skills: skillLLM,
		wf:     wf,
		ev:     ev,
	}
	f.engine = NewEngine(Deps{
		WorkflowRuns: tl,
		Checkpoints:  tl,
		Hitl:         tl,
		Events:       tl,
		Skills: skillMap{
			"s1": {ID: "s1", Name: "build", Instructions: "build", Enabled: true},
			"s2": {ID: "s2", Name: "other", Instructions: "other", Enabled: true},
		},
		Workflows: workflowMap{wf.ID: wf},
		Executor:  agent.NewExecutor(tl, tl, skillLLM, nil, agent.Config{Model: "m"}),
		LLM:       f.llm,
	}, Config{Model: "orchestrator"})
	return f
}

func checkpointTypes(t *testing.T, tl *timeline.TimelineService, runID string) string {
	t.Helper()
	cps, err := tl.ListCheckpoints(context.Background(), automation.ForWorkflowRun(runID))
	if err != nil {
		t.Fatalf("ListCheckpoints() error: %v", err)
	}
	var types []string
	for i, cp := range cps {
		if cp.Sequence != i {
			t.Fatalf("expected dense sequence, got %d at %d", cp.Sequence, i)
		}
		types = append(types, string(cp.Type))
	}
	return strings.Join(types, ",")
}

func TestPauseAndResumeContinuesConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		providertest.Calls("need approval",
			provider.ToolCall{ID: "h1", Name: OpRequestHumanInput, Arguments: map[string]any{
				"prompt": "Deploy?", "options": []any{"yes", "no"}, "timeout_minutes": float64(30),
			}},
			provider.ToolCall{ID: "x2", Name: OpCompleteWorkflow, Arguments: map[string]any{"summary": "too early"}},
		),
		providertest.Call("c2", OpCompleteWorkflow, map[string]any{"summary": "deployed"}),
	)

	run, err := f.engine.Execute(ctx, f.wf, f.ev)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if run.Status != automation.RunWaitingForInput {
		t.Fatalf("expected waiting_for_input, got %s", run.Status)
	}

	pending, _ := f.tl.ListHitlRequests(ctx, automation.HitlPending)
	if len(pending) != 1 {
		t.Fatalf("expected one pending request, got %d", len(pending))
	}
	req := pending[0]
	if req.Prompt != "Deploy?" || len(req.Options) != 2 || req.TimeoutAt == nil || req.WorkflowRunID != run.ID {
		t.Fatalf("unexpected request: %+v", req)
	}

	cp, err := f.tl.GetCheckpoint(ctx, req.CheckpointID)
	if err != nil {
		t.Fatalf("GetCheckpoint() error: %v", err)
	}
	state, err := DecodeState(cp.State)
	if err != nil {
		t.Fatalf("DecodeState() error: %v", err)
	}
	if state.PendingToolCallID != "h1" || state.Turn != 0 {
		t.Fatalf("unexpected state: %+v", state)
	}
	lastSaved := state.Messages[len(state.Messages)-1]
	if lastSaved.ToolCallID != "x2" || lastSaved.Content != skippedPaused {
		t.Fatalf("expected skipped result for trailing call, got %+v", lastSaved)
	}
	if state.Messages[len(state.Messages)-2].Role != provider.RoleAssistant {
		t.Fatalf("expected the pausing assistant turn in state")
	}

	if _, err := f.engine.ResumeFromCheckpoint(ctx, req.ID); !errors.Is(err, ErrNotResponded) {
		t.Fatalf("expected ErrNotResponded, got %v", err)
	}

	if err := f.tl.RespondHitlRequest(ctx, req.ID, "yes", time.Now()); err != nil {
		t.Fatalf("RespondHitlRequest() error: %v", err)
	}
	run, err = f.engine.ResumeFromCheckpoint(ctx, req.ID)
	if err != nil {
		t.Fatalf("ResumeFromCheckpoint() error: %v", err)
	}
	if run.Status != automation.RunCompleted || !strings.Contains(string(run.Output), "deployed") {
		t.Fatalf("unexpected resumed run: %+v", run)
	}

	reqs := f.llm.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(reqs))
	}
	resumed := reqs[1].Messages
	if len(resumed) != len(state.Messages)+1 {
		t.Fatalf("expected saved history plus one message, got %d vs %d", len(resumed), len(state.Messages))
	}
	last := resumed[len(resumed)-1]
	if last.Role != provider.RoleTool || last.ToolCallID != "h1" || last.Content != "Human response: yes" {
		t.Fatalf("unexpected resume message: %+v", last)
	}

	if got := checkpointTypes(t, f.tl, run.ID); got != "assistant_message,tool_call,hitl_request,hitl_response,tool_call" {
		t.Fatalf("unexpected checkpoint log: %s", got)
	}

	if _, err := f.engine.ResumeFromCheckpoint(ctx, req.ID); !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("expected ErrNotWaiting on second resume, got %v", err)
	}
}

func TestSpawnSkillOutsideWorkflowIsToolError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		providertest.Call("c1", OpSpawnSkill, map[string]any{"skillId": "s2"}),
		providertest.Call("c2", OpSpawnSkill, map[string]any{"skillId": "s1", "inputs": map[string]any{"target": "prod"}}),
		providertest.Call("c3", OpCompleteWorkflow, map[string]any{"summary": "ok"}),
	)
	f.skills.Push(providertest.Reply("build done"))

	run, err := f.engine.Execute(ctx, f.wf, f.ev)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if run.Status != automation.RunCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}

	reqs := f.llm.Requests()
	denied := reqs[1].Messages[len(reqs[1].Messages)-1]
	if !strings.Contains(denied.Content, "not available") || denied.ToolCallID != "c1" {
		t.Fatalf("expected tool error for s2, got %+v", denied)
	}
	spawned := reqs[2].Messages[len(reqs[2].Messages)-1]
	if !strings.Contains(spawned.Content, "build done") {
		t.Fatalf("expected skill output fed back, got %q", spawned.Content)
	}

	if len(run.SkillRunIDs) != 1 {
		t.Fatalf("expected one linked skill run, got %v", run.SkillRunIDs)
	}
	skillRun, err := f.tl.GetRun(ctx, run.SkillRunIDs[0])
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if skillRun.WorkflowRunID != run.ID || !strings.Contains(string(skillRun.Input), "prod") {
		t.Fatalf("unexpected skill run: %+v", skillRun)
	}
	if !strings.Contains(checkpointTypes(t, f.tl, run.ID), "skill_spawn,skill_complete") {
		t.Fatalf("expected skill_spawn then skill_complete")
	}
}

func TestSpawnedSkillFailureIsToolError(t *testing.T) {
	f := newFixture(t,
		providertest.Call("c1", OpSpawnSkill, map[string]any{"skillId": "s1"}),
		providertest.Reply("gave up"),
	)
	f.skills.Push(providertest.Fail(errors.New("model down")))

	run, err := f.engine.Execute(context.Background(), f.wf, f.ev)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	reqs := f.llm.Requests()
	fed := reqs[1].Messages[len(reqs[1].Messages)-1]
	if !strings.HasPrefix(fed.Content, "Error:") || !strings.Contains(fed.Content, "model down") {
		t.Fatalf("expected failure fed back, got %q", fed.Content)
	}
	if len(run.SkillRunIDs) != 1 {
		t.Fatalf("failed skill run should still be linked: %v", run.SkillRunIDs)
	}
}

func TestFailWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, providertest.Call("c1", OpFailWorkflow, map[string]any{"error": "tests red"}))

	run, err := f.engine.Execute(ctx, f.wf, f.ev)
	if !errors.Is(err, ErrWorkflowFailed) {
		t.Fatalf("expected ErrWorkflowFailed, got %v", err)
	}
	stored, _ := f.tl.GetWorkflowRun(ctx, run.ID)
	if stored.Status != automation.RunFailed || stored.Error != "tests red" || stored.CompletedAt == nil {
		t.Fatalf("unexpected stored run: %+v", stored)
	}
}

func TestCompletionSynthesizedFromText(t *testing.T) {
	f := newFixture(t, providertest.Reply("all good"))

	run, err := f.engine.Execute(context.Background(), f.wf, f.ev)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if run.Status != automation.RunCompleted || !strings.Contains(string(run.Output), "all good") {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestUnknownOperationFedBack(t *testing.T) {
	f := newFixture(t,
		providertest.Call("c1", "launch_rockets", nil),
		providertest.Call("c2", OpCompleteWorkflow, map[string]any{"summary": "ok"}),
	)

	if _, err := f.engine.Execute(context.Background(), f.wf, f.ev); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	reqs := f.llm.Requests()
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if !strings.Contains(last.Content, "unknown operation") {
		t.Fatalf("expected unknown operation error, got %q", last.Content)
	}
}

func TestLLMErrorFailsRun(t *testing.T) {
	f := newFixture(t, providertest.Fail(errors.New("boom")))

	run, err := f.engine.Execute(context.Background(), f.wf, f.ev)
	if err == nil || run.Status != automation.RunFailed {
		t.Fatalf("expected failure, got %v / %+v", err, run)
	}
	if got := checkpointTypes(t, f.tl, run.ID); got != "error" {
		t.Fatalf("expected error checkpoint, got %s", got)
	}
}

func askHuman(id, prompt string) providertest.Step {
	return providertest.Call(id, OpRequestHumanInput, map[string]any{"prompt": prompt})
}

func respondPending(t *testing.T, tl *timeline.TimelineService, runID, response string) *automation.HitlRequest {
	t.Helper()
	ctx := context.Background()
	req, err := tl.PendingHitlForWorkflowRun(ctx, runID)
	if err != nil {
		t.Fatalf("PendingHitlForWorkflowRun() error: %v", err)
	}
	if err := tl.RespondHitlRequest(ctx, req.ID, response, time.Now()); err != nil {
		t.Fatalf("RespondHitlRequest() error: %v", err)
	}
	return req
}

func TestResumedRunCanPauseAgain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		askHuman("h1", "Which environment?"),
		askHuman("h2", "Really deploy to prod?"),
		providertest.Call("c3", OpCompleteWorkflow, map[string]any{"summary": "deployed to prod"}),
	)

	run, err := f.engine.Execute(ctx, f.wf, f.ev)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	first := respondPending(t, f.tl, run.ID, "prod")

	run, err = f.engine.ResumeFromCheckpoint(ctx, first.ID)
	if err != nil {
		t.Fatalf("first resume error: %v", err)
	}
	if run.Status != automation.RunWaitingForInput {
		t.Fatalf("expected run to pause again, got %s", run.Status)
	}
	pending, _ := f.tl.ListHitlRequests(ctx, automation.HitlPending)
	if len(pending) != 1 || pending[0].Prompt != "Really deploy to prod?" {
		t.Fatalf("expected the second request pending, got %+v", pending)
	}

	if _, err := f.engine.ResumeFromCheckpoint(ctx, first.ID); !errors.Is(err, ErrAlreadyResumed) {
		t.Fatalf("expected ErrAlreadyResumed for the first request, got %v", err)
	}

	second := respondPending(t, f.tl, run.ID, "yes")
	run, err = f.engine.ResumeFromCheckpoint(ctx, second.ID)
	if err != nil {
		t.Fatalf("second resume error: %v", err)
	}
	if run.Status != automation.RunCompleted || !strings.Contains(string(run.Output), "deployed to prod") {
		t.Fatalf("unexpected final run: %+v", run)
	}
	want := "tool_call,hitl_request,hitl_response,tool_call,hitl_request,hitl_response,tool_call"
	if got := checkpointTypes(t, f.tl, run.ID); got != want {
		t.Fatalf("unexpected checkpoint log:\n got %s\nwant %s", got, want)
	}
}

func TestResumeWithoutSavedStateFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	run := &automation.WorkflowRun{WorkflowID: f.wf.ID, EventID: f.ev.ID, Status: automation.RunWaitingForInput}
	if err := f.tl.CreateWorkflowRun(ctx, run); err != nil {
		t.Fatalf("CreateWorkflowRun() error: %v", err)
	}
	cp := &automation.Checkpoint{
		Owner: automation.ForWorkflowRun(run.ID),
		Type:  automation.CheckpointHitlRequest,
		Data:  json.RawMessage(`{"prompt":"ok?"}`),
	}
	if err := f.tl.AppendCheckpoint(ctx, cp); err != nil {
		t.Fatalf("AppendCheckpoint() error: %v", err)
	}
	req := &automation.HitlRequest{WorkflowRunID: run.ID, CheckpointID: cp.ID, Prompt: "ok?"}
	if err := f.tl.CreateHitlRequest(ctx, req); err != nil {
		t.Fatalf("CreateHitlRequest() error: %v", err)
	}
	if err := f.tl.RespondHitlRequest(ctx, req.ID, "yes", time.Now()); err != nil {
		t.Fatalf("RespondHitlRequest() error: %v", err)
	}

	if _, err := f.engine.ResumeFromCheckpoint(ctx, req.ID); !errors.Is(err, ErrNoCheckpointState) {
		t.Fatalf("expected ErrNoCheckpointState, got %v", err)
	}
	stored, _ := f.tl.GetWorkflowRun(ctx, run.ID)
	if stored.Status != automation.RunWaitingForInput {
		t.Fatalf("a refused resume must not touch the run, got %s", stored.Status)
	}
	if len(f.llm.Requests()) != 0 {
		t.Fatal("no model call expected")
	}
}

func TestTurnBudgetSpansResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		askHuman("h1", "Go?"),
		providertest.Call("n1", "noop", nil),
	)
	f.engine.cfg.MaxTurns = 2

	run, err := f.engine.Execute(ctx, f.wf, f.ev)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	req := respondPending(t, f.tl, run.ID, "go")
	run, err = f.engine.ResumeFromCheckpoint(ctx, req.ID)
	if err != nil {
		t.Fatalf("ResumeFromCheckpoint() error: %v", err)
	}
	if run.Status != automation.RunCompleted {
		t.Fatalf("expected completion at the turn cap, got %s (%s)", run.Status, run.Error)
	}
	if n := len(f.llm.Requests()); n != 2 {
		t.Fatalf("expected 2 model calls across the pause, got %d", n)
	}
}
