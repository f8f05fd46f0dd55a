package agent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/provider"
	"github.com/KafClaw/autoflow/internal/provider/providertest"
	"github.com/KafClaw/autoflow/internal/timeline"
	"github.com/KafClaw/autoflow/internal/tools"
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

type echoTool struct{}

func (echoTool) Name() string               { return "echo" }
func (echoTool) Description() string        { return "Echo text" }
func (echoTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (echoTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	return "echo:" + tools.GetString(params, "text", ""), nil
}

func newRouter() *tools.Router {
	reg := tools.NewNamedRegistry("util")
	reg.Register(echoTool{})
	return tools.NewRouter(reg)
}

func testEvent() *automation.Event {
	return &automation.Event{ID: "ev-1", Source: "github", Type: "push", Payload: json.RawMessage(`{"ref":"refs/heads/main"}`)}
}

func TestExecuteRunsToolsAndCompletes(t *testing.T) {
	tl := newTestTimeline(t)
	llm := providertest.New(
		providertest.Call("c1", "mcp__util__echo", map[string]any{"text": "hi"}),
		providertest.Reply("done"),
	)
	ex := NewExecutor(tl, tl, llm, newRouter(), Config{Model: "m"})
	skill := &automation.Skill{ID: "s1", Name: "echoer", Instructions: "echo", ToolServers: []string{"util"}}

	run, err := ex.Execute(context.Background(), skill, testEvent())
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if run.Status != automation.RunCompleted || run.Output != "done" || run.CompletedAt == nil {
		t.Fatalf("unexpected run: %+v", run)
	}

	reqs := llm.Requests()
	if len(reqs) != 2 || len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Function.Name != "mcp__util__echo" {
		t.Fatalf("expected namespaced tool offered, got %+v", reqs)
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "c1" || last.Content != "echo:hi" {
		t.Fatalf("expected tool result fed back, got %+v", last)
	}
	if !strings.Contains(reqs[0].Messages[1].Content, "refs/heads/main") {
		t.Fatalf("event payload missing from prompt: %s", reqs[0].Messages[1].Content)
	}

	cps, _ := tl.ListCheckpoints(context.Background(), automation.ForRun(run.ID))
	var types []string
	for _, cp := range cps {
		types = append(types, string(cp.Type))
	}
	if got := strings.Join(types, ","); got != "tool_call,tool_result,assistant_message" {
		t.Fatalf("unexpected checkpoints: %s", got)
	}
}

func TestExecuteDeniedToolReturnsErrorToModel(t *testing.T) {
	tl := newTestTimeline(t)
	llm := providertest.New(
		providertest.Call("c1", "mcp__util__echo", map[string]any{"text": "hi"}),
		providertest.Reply("gave up"),
	)
	ex := NewExecutor(tl, tl, llm, newRouter(), Config{})
	skill := &automation.Skill{ID: "s1", Name: "s", Instructions: "x", ToolServers: []string{"util"},
		ToolPermissions: automation.ToolPermissions{Deny: []string{"mcp__util__*"}}}

	run, err := ex.Execute(context.Background(), skill, testEvent())
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if run.Status != automation.RunCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
	reqs := llm.Requests()
	if len(reqs[0].Tools) != 0 {
		t.Fatalf("denied tools must not be offered, got %+v", reqs[0].Tools)
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if !strings.Contains(last.Content, "not permitted") {
		t.Fatalf("expected permission error fed back, got %q", last.Content)
	}
}

func TestExecuteFailureIsPersisted(t *testing.T) {
	tl := newTestTimeline(t)
	llm := providertest.New(providertest.Fail(errors.New("model exploded")))
	ex := NewExecutor(tl, tl, llm, nil, Config{})
	skill := &automation.Skill{ID: "s1", Name: "s", Instructions: "x"}

	run, err := ex.Execute(context.Background(), skill, testEvent(), WithWorkflowRun("wr-1"))
	if err == nil {
		t.Fatal("expected error")
	}
	stored, gerr := tl.GetRun(context.Background(), run.ID)
	if gerr != nil {
		t.Fatalf("get run: %v", gerr)
	}
	if stored.Status != automation.RunFailed || !strings.Contains(stored.Error, "model exploded") || stored.WorkflowRunID != "wr-1" {
		t.Fatalf("failure not persisted: %+v", stored)
	}
}

// cancellingProvider cancels the run's context mid-call, like a shutdown
// arriving while the model is thinking.
type cancellingProvider struct {
	cancel context.CancelFunc
}

func (p cancellingProvider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	p.cancel()
	return nil, ctx.Err()
}

func (cancellingProvider) DefaultModel() string { return "cancelling" }

func TestExecuteCancelledRunKeepsErrorCheckpoint(t *testing.T) {
	tl := newTestTimeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ex := NewExecutor(tl, tl, cancellingProvider{cancel: cancel}, nil, Config{})
	skill := &automation.Skill{ID: "s1", Name: "s", Instructions: "x"}

	run, err := ex.Execute(ctx, skill, testEvent())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	stored, gerr := tl.GetRun(context.Background(), run.ID)
	if gerr != nil {
		t.Fatalf("get run: %v", gerr)
	}
	if stored.Status != automation.RunFailed {
		t.Fatalf("expected failed run, got %s", stored.Status)
	}
	cps, _ := tl.ListCheckpoints(context.Background(), automation.ForRun(run.ID))
	if len(cps) != 1 || cps[0].Type != automation.CheckpointError {
		t.Fatalf("expected one error checkpoint, got %+v", cps)
	}
}

func TestExecuteStopsAtMaxTurns(t *testing.T) {
	tl := newTestTimeline(t)
	llm := providertest.New(
		providertest.Call("c1", "mcp__util__echo", nil),
		providertest.Call("c2", "mcp__util__echo", nil),
	)
	ex := NewExecutor(tl, tl, llm, newRouter(), Config{MaxTurns: 2})
	skill := &automation.Skill{ID: "s1", Name: "s", Instructions: "x", ToolServers: []string{"util"}}

	run, err := ex.Execute(context.Background(), skill, testEvent())
	if !errors.Is(err, ErrMaxTurns) {
		t.Fatalf("expected ErrMaxTurns, got %v", err)
	}
	if run.Status != automation.RunFailed {
		t.Fatalf("expected failed run, got %s", run.Status)
	}
}

func TestModelTier(t *testing.T) {
	ex := NewExecutor(nil, nil, nil, nil, Config{Model: "base", ModelTiers: map[string]string{"fast": "small"}})
	if m := ex.model(&automation.Skill{ModelTier: "fast"}); m != "small" {
		t.Fatalf("expected tier model, got %s", m)
	}
	if m := ex.model(&automation.Skill{ModelTier: "unknown"}); m != "base" {
		t.Fatalf("expected fallback model, got %s", m)
	}
}
