package automation

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist or, for
// compare-and-swap transitions, is not in the state the transition needs.
var ErrNotFound = errors.New("not found")

// EventStore persists events.
type EventStore interface {
	CreateEvent(ctx context.Context, ev *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	UpdateEventStatus(ctx context.Context, id, status string) error
	ListEvents(ctx context.Context, limit int) ([]Event, error)
}

// SkillStore persists skill definitions.
type SkillStore interface {
	CreateSkill(ctx context.Context, s *Skill) error
	UpdateSkill(ctx context.Context, s *Skill) error
	DeleteSkill(ctx context.Context, id string) error
	GetSkill(ctx context.Context, id string) (*Skill, error)
	ListSkills(ctx context.Context) ([]Skill, error)
}

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, w *Workflow) error
	UpdateWorkflow(ctx context.Context, w *Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]Workflow, error)
}

// RunFilter narrows run listings. Zero values mean no constraint.
type RunFilter struct {
	OwnerID string
	Status  string
	Limit   int
}

// WorkflowRunStore persists workflow runs.
type WorkflowRunStore interface {
	CreateWorkflowRun(ctx context.Context, r *WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error)
	UpdateWorkflowRun(ctx context.Context, r *WorkflowRun) error
	ListWorkflowRuns(ctx context.Context, f RunFilter) ([]WorkflowRun, error)
}

// RunStore persists skill runs.
type RunStore interface {
	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, r *Run) error
	ListRuns(ctx context.Context, f RunFilter) ([]Run, error)
}

// CheckpointStore is the append-only step log. AppendCheckpoint assigns
// ID, Sequence and CreatedAt atomically per owner.
type CheckpointStore interface {
	AppendCheckpoint(ctx context.Context, cp *Checkpoint) error
	NextSequence(ctx context.Context, owner CheckpointOwner) (int, error)
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, owner CheckpointOwner) ([]Checkpoint, error)
}

// HitlStore persists human-in-the-loop requests. Respond and Cancel only
// transition from HitlPending and return ErrNotFound otherwise.
type HitlStore interface {
	CreateHitlRequest(ctx context.Context, h *HitlRequest) error
	GetHitlRequest(ctx context.Context, id string) (*HitlRequest, error)
	RespondHitlRequest(ctx context.Context, id, response string, at time.Time) error
	CancelHitlRequest(ctx context.Context, id string) error
	ExpireHitlRequests(ctx context.Context, now time.Time) ([]HitlRequest, error)
	ListHitlRequests(ctx context.Context, status string) ([]HitlRequest, error)
	PendingHitlForWorkflowRun(ctx context.Context, workflowRunID string) (*HitlRequest, error)
}

// JobStore persists scheduled jobs.
type JobStore interface {
	CreateJob(ctx context.Context, j *ScheduledJob) error
	UpdateJob(ctx context.Context, j *ScheduledJob) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context, kind OwnerKind) ([]ScheduledJob, error)
	ListDueJobs(ctx context.Context, now time.Time) ([]ScheduledJob, error)
}
