// Package dispatch routes events to the skills and workflows they trigger.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/KafClaw/autoflow/internal/agent"
	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/bus"
	"github.com/KafClaw/autoflow/internal/metrics"
	"github.com/KafClaw/autoflow/internal/notify"
	"github.com/KafClaw/autoflow/internal/trigger"
	"github.com/KafClaw/autoflow/internal/worker"
)

// Config tunes the dispatcher.
type Config struct {
	// SerializeWorkflows runs at most one execution per workflow at a time.
	SerializeWorkflows bool
}

// SkillSource resolves and matches skills.
type SkillSource interface {
	Get(id string) (*automation.Skill, bool)
	Match(s trigger.Subject) []trigger.Result[*automation.Skill]
}

// WorkflowSource resolves and matches workflows.
type WorkflowSource interface {
	Get(id string) (*automation.Workflow, bool)
	Match(s trigger.Subject) []trigger.Result[*automation.Workflow]
}

// SkillRunner executes one skill.
type SkillRunner interface {
	Execute(ctx context.Context, skill *automation.Skill, ev *automation.Event, opts ...agent.ExecuteOption) (*automation.Run, error)
}

// WorkflowRunner executes one workflow.
type WorkflowRunner interface {
	Execute(ctx context.Context, wf *automation.Workflow, ev *automation.Event) (*automation.WorkflowRun, error)
}

// EventSource yields events to dispatch.
type EventSource interface {
	ConsumeEvent(ctx context.Context) (*automation.Event, error)
}

// Dispatcher fans an event out to every matching workflow, then every
// matching skill. Target failures are isolated: they are logged, notified
// and never returned from OnEvent.
type Dispatcher struct {
	events    automation.EventStore
	skills    SkillSource
	workflows WorkflowSource
	executor  SkillRunner
	engine    WorkflowRunner
	notifier  notify.Notifier
	pool      *worker.Pool
	cfg       Config

	wfLocks sync.Map // workflow id -> *sync.Mutex
}

// New creates a dispatcher. notifier and pool may be nil.
func New(events automation.EventStore, skills SkillSource, workflows WorkflowSource,
	executor SkillRunner, engine WorkflowRunner, notifier notify.Notifier, pool *worker.Pool, cfg Config) *Dispatcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Dispatcher{
		events:    events,
		skills:    skills,
		workflows: workflows,
		executor:  executor,
		engine:    engine,
		notifier:  notifier,
		pool:      pool,
		cfg:       cfg,
	}
}

// Run consumes events from src and dispatches each on the worker pool
// until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, src EventSource) error {
	slog.Info("Dispatcher started")
	for {
		ev, err := src.ConsumeEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Dispatcher stopped")
				return ctx.Err()
			}
			return err
		}
		if d.pool == nil {
			d.dispatchLogged(ctx, ev)
			continue
		}
		if err := d.pool.Submit(ctx, "event:"+ev.ID, func(jctx context.Context) {
			d.dispatchLogged(jctx, ev)
		}); err != nil {
			slog.Warn("Event not dispatched", "event", ev.ID, "error", err)
			return err
		}
	}
}

func (d *Dispatcher) dispatchLogged(ctx context.Context, ev *automation.Event) {
	if err := d.OnEvent(ctx, ev); err != nil {
		slog.Error("Event dispatch failed", "event", ev.ID, "source", ev.Source, "type", ev.Type, "error", err)
	}
}

type targets struct {
	workflows []trigger.Result[*automation.Workflow]
	skills    []trigger.Result[*automation.Skill]
}

// OnEvent dispatches ev. It returns an error only when the dispatch itself
// could not run; the event is then marked failed.
func (d *Dispatcher) OnEvent(ctx context.Context, ev *automation.Event) error {
	if err := d.events.UpdateEventStatus(ctx, ev.ID, automation.EventProcessing); err != nil {
		return fmt.Errorf("mark event %s processing: %w", ev.ID, err)
	}

	payload, err := automation.DecodePayload(ev.Payload)
	if err != nil {
		d.finish(ctx, ev, automation.EventFailed)
		return fmt.Errorf("decode payload of event %s: %w", ev.ID, err)
	}

	t := d.resolve(ev, payload)
	slog.Info("Dispatching event", "event", ev.ID, "source", ev.Source, "type", ev.Type,
		"workflows", len(t.workflows), "skills", len(t.skills))

	for _, m := range t.workflows {
		d.runWorkflow(ctx, m.Owner, ev)
	}
	for _, m := range t.skills {
		d.runSkill(ctx, m.Owner, ev)
	}

	d.finish(ctx, ev, automation.EventCompleted)
	return nil
}

// resolve picks the targets of ev. Cron events naming an owner invoke it
// directly; a missing or disabled owner is skipped silently.
func (d *Dispatcher) resolve(ev *automation.Event, payload automation.Payload) targets {
	var t targets
	if ev.Source == automation.SourceCron {
		if id := payload.String(automation.PayloadWorkflowID); id != "" {
			if wf, ok := d.workflows.Get(id); ok && wf.Enabled {
				t.workflows = append(t.workflows, trigger.MatchOwner(wf))
			} else {
				slog.Debug("Cron event for missing or disabled workflow", "event", ev.ID, "workflow", id)
			}
			return t
		}
		if id := payload.String(automation.PayloadSkillID); id != "" {
			if sk, ok := d.skills.Get(id); ok && sk.Enabled {
				t.skills = append(t.skills, trigger.MatchOwner(sk))
			} else {
				slog.Debug("Cron event for missing or disabled skill", "event", ev.ID, "skill", id)
			}
			return t
		}
	}

	subject := trigger.SubjectOf(ev, payload)
	t.workflows = d.workflows.Match(subject)
	t.skills = d.skills.Match(subject)
	return t
}

func (d *Dispatcher) finish(ctx context.Context, ev *automation.Event, status string) {
	if err := d.events.UpdateEventStatus(context.WithoutCancel(ctx), ev.ID, status); err != nil {
		slog.Error("Failed to update event status", "event", ev.ID, "status", status, "error", err)
	}
	metrics.EventDispatched(ev.Source, status)
}

func (d *Dispatcher) lockWorkflow(id string) func() {
	if !d.cfg.SerializeWorkflows {
		return func() {}
	}
	v, _ := d.wfLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (d *Dispatcher) runWorkflow(ctx context.Context, wf *automation.Workflow, ev *automation.Event) {
	defer recoverTarget("workflow", wf.ID, ev.ID)
	unlock := d.lockWorkflow(wf.ID)
	defer unlock()

	run, err := d.engine.Execute(ctx, wf, ev)
	n := notify.Notification{EventID: ev.ID, WorkflowID: wf.ID}
	if run != nil {
		n.WorkflowRunID = run.ID
	}
	switch {
	case err != nil:
		slog.Error("Workflow failed", "workflow", wf.ID, "event", ev.ID, "error", err)
		n.Kind = bus.KindWorkflowFailed
		n.Title = fmt.Sprintf("Workflow %s failed", wf.Name)
		n.Error = err.Error()
	case run.Status == automation.RunWaitingForInput:
		n.Kind = bus.KindWorkflowWaiting
		n.Title = fmt.Sprintf("Workflow %s is waiting for input", wf.Name)
	default:
		n.Kind = bus.KindWorkflowCompleted
		n.Title = fmt.Sprintf("Workflow %s completed", wf.Name)
	}
	d.notifier.Notify(ctx, n)
}

func (d *Dispatcher) runSkill(ctx context.Context, sk *automation.Skill, ev *automation.Event) {
	defer recoverTarget("skill", sk.ID, ev.ID)

	run, err := d.executor.Execute(ctx, sk, ev)
	n := notify.Notification{EventID: ev.ID, SkillID: sk.ID}
	if run != nil {
		n.RunID = run.ID
	}
	if err != nil {
		slog.Error("Skill failed", "skill", sk.ID, "event", ev.ID, "error", err)
		if !sk.NotifyOnError {
			return
		}
		n.Kind = bus.KindSkillFailed
		n.Title = fmt.Sprintf("Skill %s failed", sk.Name)
		n.Error = err.Error()
		d.notifier.Notify(ctx, n)
		return
	}
	if sk.NotifyOnComplete {
		n.Kind = bus.KindSkillCompleted
		n.Title = fmt.Sprintf("Skill %s completed", sk.Name)
		n.Message = run.Output
		d.notifier.Notify(ctx, n)
	}
}

func recoverTarget(kind, id, eventID string) {
	if r := recover(); r != nil {
		slog.Error("Dispatch target panicked", "kind", kind, "id", id, "event", eventID, "panic", r)
	}
}
