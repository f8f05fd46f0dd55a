package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KafClaw/autoflow/internal/agent"
	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/bus"
	"github.com/KafClaw/autoflow/internal/notify"
	"github.com/KafClaw/autoflow/internal/registry"
	"github.com/KafClaw/autoflow/internal/timeline"
	"github.com/KafClaw/autoflow/internal/worker"
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

type recorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recorder) Notify(ctx context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.got {
		out = append(out, n.Kind)
	}
	return out
}

type fakeEngine struct {
	mu      sync.Mutex
	calls   []string
	err     error
	delay   time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeEngine) Execute(ctx context.Context, wf *automation.Workflow, ev *automation.Event) (*automation.WorkflowRun, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, wf.ID)
	f.mu.Unlock()
	run := &automation.WorkflowRun{ID: "wr-" + wf.ID, WorkflowID: wf.ID, Status: automation.RunCompleted}
	if f.err != nil {
		run.Status = automation.RunFailed
		return run, f.err
	}
	return run, nil
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeExecutor) Execute(ctx context.Context, sk *automation.Skill, ev *automation.Event, opts ...agent.ExecuteOption) (*automation.Run, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sk.ID)
	f.mu.Unlock()
	run := &automation.Run{ID: "r-" + sk.ID, SkillID: sk.ID, Status: automation.RunCompleted, Output: "ok"}
	if f.err != nil {
		run.Status = automation.RunFailed
		return run, f.err
	}
	return run, nil
}

type fixture struct {
	tl        *timeline.TimelineService
	skills    *registry.Skills
	workflows *registry.Workflows
	engine    *fakeEngine
	executor  *fakeExecutor
	notes     *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tl := newTestTimeline(t)
	return &fixture{
		tl:        tl,
		skills:    registry.NewSkills(tl),
		workflows: registry.NewWorkflows(tl),
		engine:    &fakeEngine{},
		executor:  &fakeExecutor{},
		notes:     &recorder{},
	}
}

func (f *fixture) dispatcher(pool *worker.Pool, cfg Config) *Dispatcher {
	return New(f.tl, f.skills, f.workflows, f.executor, f.engine, f.notes, pool, cfg)
}

func (f *fixture) event(t *testing.T, source, typ, payload string) *automation.Event {
	t.Helper()
	ev := &automation.Event{Source: source, Type: typ, Payload: json.RawMessage(payload)}
	if err := f.tl.CreateEvent(context.Background(), ev); err != nil {
		t.Fatalf("CreateEvent() error: %v", err)
	}
	return ev
}

func pushRule() []automation.TriggerRule {
	return []automation.TriggerRule{{Source: "github", Events: []string{"push"}}}
}

func TestFanOutIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine.err = errors.New("orchestrator exploded")
	if err := f.workflows.Create(ctx, &automation.Workflow{ID: "w1", Name: "release", Instructions: "x", Enabled: true, Triggers: pushRule()}); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if err := f.skills.Create(ctx, &automation.Skill{ID: "s1", Name: "lint", Instructions: "x", Enabled: true, NotifyOnComplete: true, Triggers: pushRule()}); err != nil {
		t.Fatalf("create skill: %v", err)
	}
	ev := f.event(t, "github", "push", `{"ref":"main"}`)

	if err := f.dispatcher(nil, Config{}).OnEvent(ctx, ev); err != nil {
		t.Fatalf("OnEvent() must not fail on target errors: %v", err)
	}
	if len(f.engine.calls) != 1 || len(f.executor.calls) != 1 {
		t.Fatalf("expected both targets attempted, got %v / %v", f.engine.calls, f.executor.calls)
	}
	kinds := f.notes.kinds()
	if len(kinds) != 2 || kinds[0] != bus.KindWorkflowFailed || kinds[1] != bus.KindSkillCompleted {
		t.Fatalf("expected workflow failure then skill success, got %v", kinds)
	}
	if f.notes.got[0].WorkflowRunID != "wr-w1" || f.notes.got[0].Error == "" {
		t.Fatalf("unexpected failure notification: %+v", f.notes.got[0])
	}
	stored, _ := f.tl.GetEvent(ctx, ev.ID)
	if stored.Status != automation.EventCompleted {
		t.Fatalf("expected event completed, got %s", stored.Status)
	}
}

func TestSkillNotifyFlags(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.executor.err = errors.New("boom")
	if err := f.skills.Create(ctx, &automation.Skill{ID: "quiet", Name: "quiet", Instructions: "x", Enabled: true, Triggers: pushRule()}); err != nil {
		t.Fatalf("create skill: %v", err)
	}
	if err := f.skills.Create(ctx, &automation.Skill{ID: "loud", Name: "loud", Instructions: "x", Enabled: true, NotifyOnError: true, Triggers: pushRule()}); err != nil {
		t.Fatalf("create skill: %v", err)
	}

	_ = f.dispatcher(nil, Config{}).OnEvent(ctx, f.event(t, "github", "push", `{}`))
	kinds := f.notes.kinds()
	if len(kinds) != 1 || kinds[0] != bus.KindSkillFailed || f.notes.got[0].SkillID != "loud" {
		t.Fatalf("expected only the opted-in failure notification, got %+v", f.notes.got)
	}
}

func TestCronEventInvokesOwnerDirectly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cron := []automation.TriggerRule{{Source: automation.SourceCron, Schedule: "0 9 * * *"}}
	if err := f.workflows.Create(ctx, &automation.Workflow{ID: "w1", Name: "nightly", Instructions: "x", Enabled: true, Triggers: cron}); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if err := f.skills.Create(ctx, &automation.Skill{ID: "s1", Name: "any", Instructions: "x", Enabled: true,
		Triggers: []automation.TriggerRule{{Source: automation.SourceWildcard}}}); err != nil {
		t.Fatalf("create skill: %v", err)
	}
	d := f.dispatcher(nil, Config{})

	ev := f.event(t, automation.SourceCron, automation.TypeScheduled, `{"workflowId":"w1","ownerId":"w1"}`)
	if err := d.OnEvent(ctx, ev); err != nil {
		t.Fatalf("OnEvent() error: %v", err)
	}
	if len(f.engine.calls) != 1 || len(f.executor.calls) != 0 {
		t.Fatalf("expected only the named workflow, got %v / %v", f.engine.calls, f.executor.calls)
	}

	missing := f.event(t, automation.SourceCron, automation.TypeScheduled, `{"workflowId":"gone"}`)
	if err := d.OnEvent(ctx, missing); err != nil {
		t.Fatalf("missing owner must be a silent skip: %v", err)
	}
	if len(f.engine.calls) != 1 {
		t.Fatalf("missing workflow must not run")
	}
	stored, _ := f.tl.GetEvent(ctx, missing.ID)
	if stored.Status != automation.EventCompleted {
		t.Fatalf("expected skipped event completed, got %s", stored.Status)
	}
}

func TestStringPayloadIsUnwrapped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.skills.Create(ctx, &automation.Skill{ID: "s1", Name: "main-only", Instructions: "x", Enabled: true,
		Triggers: []automation.TriggerRule{{Source: "github", Filters: &automation.TriggerFilters{Ref: []string{"refs/heads/main"}}}}}); err != nil {
		t.Fatalf("create skill: %v", err)
	}
	ev := f.event(t, "github", "push", `"{\"ref\":\"refs/heads/main\"}"`)
	if err := f.dispatcher(nil, Config{}).OnEvent(ctx, ev); err != nil {
		t.Fatalf("OnEvent() error: %v", err)
	}
	if len(f.executor.calls) != 1 {
		t.Fatalf("expected filter to see the unwrapped payload")
	}
}

func TestBadPayloadFailsEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(t, "github", "push", `{"ref":`)
	if err := f.dispatcher(nil, Config{}).OnEvent(ctx, ev); err == nil {
		t.Fatal("expected payload error")
	}
	stored, _ := f.tl.GetEvent(ctx, ev.ID)
	if stored.Status != automation.EventFailed {
		t.Fatalf("expected event failed, got %s", stored.Status)
	}
}

func TestRunDispatchesFromBus(t *testing.T) {
	f := newFixture(t)
	if err := f.skills.Create(context.Background(), &automation.Skill{ID: "s1", Name: "s", Instructions: "x", Enabled: true, Triggers: pushRule()}); err != nil {
		t.Fatalf("create skill: %v", err)
	}
	pool := worker.NewPool(2)
	d := f.dispatcher(pool, Config{})
	b := bus.NewMessageBus()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, b) }()

	for i := 0; i < 3; i++ {
		if err := b.PublishEvent(ctx, f.event(t, "github", "push", `{}`)); err != nil {
			t.Fatalf("PublishEvent() error: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.executor.mu.Lock()
		n := len(f.executor.calls)
		f.executor.mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	pool.Wait()
	if len(f.executor.calls) != 3 {
		t.Fatalf("expected 3 skill runs, got %d", len(f.executor.calls))
	}
}

func TestSerializeWorkflows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine.delay = 20 * time.Millisecond
	if err := f.workflows.Create(ctx, &automation.Workflow{ID: "w1", Name: "w", Instructions: "x", Enabled: true, Triggers: pushRule()}); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	d := f.dispatcher(nil, Config{SerializeWorkflows: true})

	var events []*automation.Event
	for i := 0; i < 3; i++ {
		events = append(events, f.event(t, "github", "push", `{}`))
	}
	var wg sync.WaitGroup
	for _, ev := range events {
		wg.Add(1)
		go func(ev *automation.Event) {
			defer wg.Done()
			_ = d.OnEvent(ctx, ev)
		}(ev)
	}
	wg.Wait()
	if got := f.engine.maxSeen.Load(); got != 1 {
		t.Fatalf("expected serialized executions, saw %d concurrent", got)
	}
	if len(f.engine.calls) != 3 {
		t.Fatalf("expected 3 executions, got %d", len(f.engine.calls))
	}
}

func TestConcurrentRunsOfSameWorkflowByDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine.delay = 50 * time.Millisecond
	if err := f.workflows.Create(ctx, &automation.Workflow{ID: "w1", Name: "w", Instructions: "x", Enabled: true, Triggers: pushRule()}); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	d := f.dispatcher(nil, Config{})

	first := f.event(t, "github", "push", `{}`)
	second := f.event(t, "github", "push", `{}`)
	var wg sync.WaitGroup
	for _, ev := range []*automation.Event{first, second} {
		wg.Add(1)
		go func(ev *automation.Event) {
			defer wg.Done()
			if err := d.OnEvent(ctx, ev); err != nil {
				t.Errorf("OnEvent(%s) error: %v", ev.ID, err)
			}
		}(ev)
	}
	wg.Wait()
	if got := f.engine.maxSeen.Load(); got != 2 {
		t.Fatalf("expected both runs of w1 to overlap, saw %d concurrent", got)
	}
	for _, ev := range []*automation.Event{first, second} {
		stored, _ := f.tl.GetEvent(ctx, ev.ID)
		if stored.Status != automation.EventCompleted {
			t.Fatalf("expected event %s completed, got %s", ev.ID, stored.Status)
		}
	}
}

func TestSlowBusSubscriberDoesNotBlockDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	if err := f.skills.Create(ctx, &automation.Skill{ID: "s1", Name: "s", Instructions: "x", Enabled: true, NotifyOnComplete: true, Triggers: pushRule()}); err != nil {
		t.Fatalf("create skill: %v", err)
	}

	b := bus.NewMessageBus()
	release := make(chan struct{})
	delivered := make(chan string, 1)
	b.Subscribe(notify.Subscriber(ctx, notify.Func(func(ctx context.Context, n notify.Notification) {
		<-release
		delivered <- n.Kind
	})))
	go func() { _ = b.DispatchOutbound(ctx) }()

	d := New(f.tl, f.skills, f.workflows, f.executor, f.engine, notify.NewBusNotifier(b), nil, Config{})
	ev := f.event(t, "github", "push", `{}`)
	done := make(chan error, 1)
	go func() { done <- d.OnEvent(ctx, ev) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("OnEvent() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnEvent blocked on a slow notification sink")
	}

	close(release)
	select {
	case kind := <-delivered:
		if kind != bus.KindSkillCompleted {
			t.Fatalf("expected %s, got %s", bus.KindSkillCompleted, kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never reached the sink")
	}
}

func TestNonObjectPayloadStillMatchesSourceRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.skills.Create(ctx, &automation.Skill{ID: "s1", Name: "any-github", Instructions: "x", Enabled: true,
		Triggers: []automation.TriggerRule{{Source: "github"}}}); err != nil {
		t.Fatalf("create skill: %v", err)
	}
	ev := f.event(t, "github", "ping", `[1,2,3]`)
	if err := f.dispatcher(nil, Config{}).OnEvent(ctx, ev); err != nil {
		t.Fatalf("OnEvent() error: %v", err)
	}
	if len(f.executor.calls) != 1 {
		t.Fatalf("expected source-only rule to run, got %v", f.executor.calls)
	}
	stored, _ := f.tl.GetEvent(ctx, ev.ID)
	if stored.Status != automation.EventCompleted {
		t.Fatalf("expected event completed, got %s", stored.Status)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestRunLogsDispatchFailures(t *testing.T) {
	logs := &syncBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	f := newFixture(t)
	if err := f.skills.Create(context.Background(), &automation.Skill{ID: "s1", Name: "s", Instructions: "x", Enabled: true, Triggers: pushRule()}); err != nil {
		t.Fatalf("create skill: %v", err)
	}
	d := f.dispatcher(nil, Config{})
	b := bus.NewMessageBus()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, b) }()

	// Never persisted, so marking it processing fails.
	ghost := &automation.Event{ID: "ghost", Source: "github", Type: "push", Payload: json.RawMessage(`{}`)}
	if err := b.PublishEvent(ctx, ghost); err != nil {
		t.Fatalf("PublishEvent() error: %v", err)
	}
	if err := b.PublishEvent(ctx, f.event(t, "github", "push", `{}`)); err != nil {
		t.Fatalf("PublishEvent() error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.executor.mu.Lock()
		n := len(f.executor.calls)
		f.executor.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	out := logs.String()
	if !strings.Contains(out, "Event dispatch failed") || !strings.Contains(out, "event=ghost") {
		t.Fatalf("expected dispatch failure to be logged, got:\n%s", out)
	}
}
