package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/metrics"
)

// Config holds scheduler settings.
type Config struct {
	Enabled      bool          `json:"enabled" split_words:"true"`
	TickInterval time.Duration `json:"tickInterval" split_words:"true"`
	MinInterval  time.Duration `json:"minInterval" split_words:"true"`
	LockPath     string        `json:"lockPath" split_words:"true"`
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Enabled:      true,
		TickInterval: 60 * time.Second,
		MinInterval:  DefaultMinInterval,
		LockPath:     filepath.Join(home, ".autoflow", "scheduler.lock"),
	}
}

// Publisher queues emitted events for dispatch.
type Publisher interface {
	PublishEvent(ctx context.Context, ev *automation.Event) error
}

// Expirer times out overdue human input requests.
type Expirer interface {
	ExpireOverdue(ctx context.Context, now time.Time) ([]automation.HitlRequest, error)
}

// Owners resolves the definitions that own jobs.
type Owners interface {
	Skill(id string) (*automation.Skill, bool)
	Workflow(id string) (*automation.Workflow, bool)
}

// SyncResult counts the writes of one SyncJobs call.
type SyncResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// Writes returns the total number of store writes.
func (r SyncResult) Writes() int { return r.Created + r.Updated + r.Deleted }

// Scheduler persists one job per cron trigger rule and emits cron events
// when jobs come due.
type Scheduler struct {
	cfg     Config
	jobs    automation.JobStore
	events  automation.EventStore
	pub     Publisher
	owners  Owners
	expirer Expirer
	lock    *FileLock
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler. expirer may be nil. An empty LockPath disables
// the cross-process tick lock.
func New(cfg Config, jobs automation.JobStore, events automation.EventStore, pub Publisher, owners Owners, expirer Expirer) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	s := &Scheduler{
		cfg:     cfg,
		jobs:    jobs,
		events:  events,
		pub:     pub,
		owners:  owners,
		expirer: expirer,
		now:     time.Now,
	}
	if cfg.LockPath != "" {
		s.lock = NewFileLock(cfg.LockPath)
	}
	return s
}

type cronRule struct {
	kind     automation.OwnerKind
	ownerID  string
	index    int
	schedule string
}

type jobKey struct {
	ownerID string
	index   int
}

// SyncJobs reconciles persisted jobs with the cron rules of the enabled
// definitions. Unchanged jobs are not written. Jobs whose rule disappeared
// are deleted, swept separately per owner kind. A job disabled by Tick is
// re-enabled once its owner is enabled again.
func (s *Scheduler) SyncJobs(ctx context.Context, skills []automation.Skill, workflows []automation.Workflow) (SyncResult, error) {
	var skillRules, workflowRules []cronRule
	for _, sk := range skills {
		if sk.Enabled {
			skillRules = appendCronRules(skillRules, automation.OwnerSkill, sk.ID, sk.Triggers)
		}
	}
	for _, wf := range workflows {
		if wf.Enabled {
			workflowRules = appendCronRules(workflowRules, automation.OwnerWorkflow, wf.ID, wf.Triggers)
		}
	}

	var total SyncResult
	for _, part := range []struct {
		kind  automation.OwnerKind
		rules []cronRule
	}{{automation.OwnerSkill, skillRules}, {automation.OwnerWorkflow, workflowRules}} {
		res, err := s.syncKind(ctx, part.kind, part.rules)
		total.Created += res.Created
		total.Updated += res.Updated
		total.Deleted += res.Deleted
		if err != nil {
			return total, err
		}
	}
	if total.Writes() > 0 {
		slog.Info("Scheduled jobs synced", "created", total.Created, "updated", total.Updated, "deleted", total.Deleted)
	}
	return total, nil
}

func appendCronRules(out []cronRule, kind automation.OwnerKind, ownerID string, triggers []automation.TriggerRule) []cronRule {
	for i, tr := range triggers {
		if tr.IsCron() {
			out = append(out, cronRule{kind: kind, ownerID: ownerID, index: i, schedule: tr.Schedule})
		}
	}
	return out
}

func (s *Scheduler) syncKind(ctx context.Context, kind automation.OwnerKind, rules []cronRule) (SyncResult, error) {
	var res SyncResult
	existing, err := s.jobs.ListJobs(ctx, kind)
	if err != nil {
		return res, fmt.Errorf("list %s jobs: %w", kind, err)
	}
	byKey := make(map[jobKey]automation.ScheduledJob, len(existing))
	for _, j := range existing {
		byKey[jobKey{j.OwnerID(), j.TriggerIndex}] = j
	}

	now := s.now().UTC()
	wanted := make(map[jobKey]bool, len(rules))
	for _, r := range rules {
		key := jobKey{r.ownerID, r.index}
		wanted[key] = true

		if err := Validate(r.schedule, s.cfg.MinInterval); err != nil {
			slog.Warn("Skipping invalid schedule", "kind", kind, "owner", r.ownerID, "trigger", r.index, "schedule", r.schedule, "error", err)
			continue
		}
		next, err := NextRun(r.schedule, now)
		if err != nil {
			slog.Warn("Skipping schedule without next run", "owner", r.ownerID, "schedule", r.schedule, "error", err)
			continue
		}

		job, ok := byKey[key]
		switch {
		case !ok:
			j := &automation.ScheduledJob{TriggerIndex: r.index, Schedule: r.schedule, NextRunAt: next, Enabled: true}
			if kind == automation.OwnerWorkflow {
				j.WorkflowID = r.ownerID
			} else {
				j.SkillID = r.ownerID
			}
			if err := s.jobs.CreateJob(ctx, j); err != nil {
				return res, fmt.Errorf("create job for %s %s: %w", kind, r.ownerID, err)
			}
			res.Created++
		case job.Schedule != r.schedule || !job.Enabled:
			job.Schedule = r.schedule
			job.NextRunAt = next
			job.Enabled = true
			if err := s.jobs.UpdateJob(ctx, &job); err != nil {
				return res, fmt.Errorf("update job %s: %w", job.ID, err)
			}
			res.Updated++
		}
	}

	for key, job := range byKey {
		if wanted[key] {
			continue
		}
		if err := s.jobs.DeleteJob(ctx, job.ID); err != nil {
			return res, fmt.Errorf("delete orphan job %s: %w", job.ID, err)
		}
		res.Deleted++
	}
	return res, nil
}

// Tick fires every due job once and returns how many fired. Overdue human
// input requests are expired on the same beat.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	if s.lock != nil {
		acquired, err := s.lock.TryLock()
		if err != nil {
			return 0, fmt.Errorf("scheduler lock: %w", err)
		}
		if !acquired {
			slog.Debug("Scheduler tick skipped: lock held by another process")
			return 0, nil
		}
		defer s.lock.Unlock()
	}

	now := s.now().UTC()
	if s.expirer != nil {
		if _, err := s.expirer.ExpireOverdue(ctx, now); err != nil {
			slog.Warn("HITL expiry sweep failed", "error", err)
		}
	}

	due, err := s.jobs.ListDueJobs(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due jobs: %w", err)
	}
	fired := 0
	for i := range due {
		ok, err := s.fire(ctx, &due[i], now)
		if err != nil {
			return fired, err
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

func (s *Scheduler) fire(ctx context.Context, job *automation.ScheduledJob, now time.Time) (bool, error) {
	if !s.ownerExists(job) {
		slog.Warn("Disabling job without owner", "job", job.ID, "kind", job.Kind(), "owner", job.OwnerID())
		return false, s.disable(ctx, job)
	}
	next, err := NextRun(job.Schedule, now)
	if err != nil {
		slog.Warn("Disabling job with invalid schedule", "job", job.ID, "schedule", job.Schedule, "error", err)
		return false, s.disable(ctx, job)
	}

	payload := map[string]any{
		"timestamp":               now.Format(time.RFC3339),
		"schedule":                job.Schedule,
		automation.PayloadOwnerID: job.OwnerID(),
		automation.PayloadJobID:   job.ID,
	}
	if job.Kind() == automation.OwnerWorkflow {
		payload[automation.PayloadWorkflowID] = job.WorkflowID
	} else {
		payload[automation.PayloadSkillID] = job.SkillID
	}
	ev := &automation.Event{
		Source:  automation.SourceCron,
		Type:    automation.TypeScheduled,
		Payload: automation.MustJSON(payload),
	}
	if err := s.events.CreateEvent(ctx, ev); err != nil {
		return false, fmt.Errorf("create cron event: %w", err)
	}
	if err := s.pub.PublishEvent(ctx, ev); err != nil {
		return false, fmt.Errorf("publish cron event: %w", err)
	}

	job.LastRunAt = &now
	job.NextRunAt = next
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		return true, fmt.Errorf("advance job %s: %w", job.ID, err)
	}
	metrics.SchedulerFired()
	slog.Info("Scheduler fired job", "job", job.ID, "owner", job.OwnerID(), "event", ev.ID, "next", next)
	return true, nil
}

func (s *Scheduler) ownerExists(job *automation.ScheduledJob) bool {
	if s.owners == nil {
		return true
	}
	if job.Kind() == automation.OwnerWorkflow {
		wf, ok := s.owners.Workflow(job.WorkflowID)
		return ok && wf.Enabled
	}
	sk, ok := s.owners.Skill(job.SkillID)
	return ok && sk.Enabled
}

func (s *Scheduler) disable(ctx context.Context, job *automation.ScheduledJob) error {
	job.Enabled = false
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("disable job %s: %w", job.ID, err)
	}
	return nil
}

// Run starts the scheduler tick loop. Blocks until context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler started", "tick", s.cfg.TickInterval)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				slog.Warn("Scheduler tick failed", "error", err)
			}
		}
	}
}

// Start runs the tick loop in the background until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = s.Run(ctx)
	}(s.done)
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
