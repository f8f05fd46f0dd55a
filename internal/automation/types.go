// Package automation defines the domain records shared by the matcher, the
// executors, the scheduler and the dispatcher, together with the store
// interfaces they consume.
package automation

import (
	"encoding/json"
	"time"
)

// Event statuses.
const (
	EventPending    = "pending"
	EventProcessing = "processing"
	EventCompleted  = "completed"
	EventFailed     = "failed"
)

// Run and WorkflowRun statuses. Runs never use RunWaitingForInput.
const (
	RunPending         = "pending"
	RunRunning         = "running"
	RunWaitingForInput = "waiting_for_input"
	RunCompleted       = "completed"
	RunFailed          = "failed"
	RunCancelled       = "cancelled"
)

// HITL request statuses.
const (
	HitlPending   = "pending"
	HitlResponded = "responded"
	HitlExpired   = "expired"
	HitlCancelled = "cancelled"
)

// Well-known event sources and types.
const (
	SourceCron        = "cron"
	TypeScheduled     = "scheduled"
	SourceWildcard    = "*"
	PayloadWorkflowID = "workflowId"
	PayloadSkillID    = "skillId"
	PayloadOwnerID    = "ownerId"
	PayloadJobID      = "jobId"
	// PayloadValue holds a payload that is not a JSON object.
	PayloadValue = "value"
)

// Event is an ingested or scheduler-emitted occurrence. Only Status changes
// after creation.
type Event struct {
	ID        string            `json:"id"`
	Source    string            `json:"source"`
	Type      string            `json:"type"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Status    string            `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// TriggerFilters narrows a rule to a repository and/or a set of refs.
type TriggerFilters struct {
	Repository string   `json:"repository,omitempty" yaml:"repository,omitempty"`
	Ref        []string `json:"ref,omitempty" yaml:"ref,omitempty"`
}

// Empty reports whether no filter is set.
func (f *TriggerFilters) Empty() bool {
	return f == nil || (f.Repository == "" && len(f.Ref) == 0)
}

// TriggerRule declares when a skill or workflow is activated.
type TriggerRule struct {
	Source   string          `json:"source" yaml:"source"`
	Events   []string        `json:"events,omitempty" yaml:"events,omitempty"`
	Schedule string          `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Filters  *TriggerFilters `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// IsCron reports whether the rule is fired by the scheduler only.
func (r TriggerRule) IsCron() bool { return r.Schedule != "" }

// ToolPermissions holds glob allow/deny lists over namespaced tool names.
type ToolPermissions struct {
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty" yaml:"deny,omitempty"`
}

// Skill is a single-step automation ("task definition") run by the task
// executor.
type Skill struct {
	ID               string          `json:"id" yaml:"id"`
	Name             string          `json:"name" yaml:"name"`
	Description      string          `json:"description,omitempty" yaml:"description,omitempty"`
	Instructions     string          `json:"instructions" yaml:"instructions"`
	Triggers         []TriggerRule   `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	ToolServers      []string        `json:"toolServers,omitempty" yaml:"toolServers,omitempty"`
	ToolPermissions  ToolPermissions `json:"toolPermissions" yaml:"toolPermissions"`
	ModelTier        string          `json:"modelTier,omitempty" yaml:"modelTier,omitempty"`
	NotifyOnComplete bool            `json:"notifyOnComplete" yaml:"notifyOnComplete"`
	NotifyOnError    bool            `json:"notifyOnError" yaml:"notifyOnError"`
	Enabled          bool            `json:"enabled" yaml:"enabled"`
	CreatedAt        time.Time       `json:"createdAt" yaml:"-"`
	UpdatedAt        time.Time       `json:"updatedAt" yaml:"-"`
}

// OwnerID implements trigger.Owner.
func (s *Skill) OwnerID() string { return s.ID }

// TriggerRules implements trigger.Owner.
func (s *Skill) TriggerRules() []TriggerRule { return s.Triggers }

// IsEnabled reports whether the skill takes part in matching.
func (s *Skill) IsEnabled() bool { return s.Enabled }

// Workflow is a multi-step automation coordinated by the orchestrator.
type Workflow struct {
	ID                string        `json:"id" yaml:"id"`
	Name              string        `json:"name" yaml:"name"`
	Description       string        `json:"description,omitempty" yaml:"description,omitempty"`
	Instructions      string        `json:"instructions" yaml:"instructions"`
	Triggers          []TriggerRule `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Skills            []string      `json:"skills,omitempty" yaml:"skills,omitempty"`
	OrchestratorModel string        `json:"orchestratorModel,omitempty" yaml:"orchestratorModel,omitempty"`
	Enabled           bool          `json:"enabled" yaml:"enabled"`
	CreatedAt         time.Time     `json:"createdAt" yaml:"-"`
	UpdatedAt         time.Time     `json:"updatedAt" yaml:"-"`
}

// OwnerID implements trigger.Owner.
func (w *Workflow) OwnerID() string { return w.ID }

// TriggerRules implements trigger.Owner.
func (w *Workflow) TriggerRules() []TriggerRule { return w.Triggers }

// IsEnabled reports whether the workflow takes part in matching.
func (w *Workflow) IsEnabled() bool { return w.Enabled }

// AllowsSkill reports whether the orchestrator may spawn skillID.
func (w *Workflow) AllowsSkill(skillID string) bool {
	for _, id := range w.Skills {
		if id == skillID {
			return true
		}
	}
	return false
}

// WorkflowRun is one execution of a workflow for one event.
type WorkflowRun struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflowId"`
	EventID     string          `json:"eventId"`
	Status      string          `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	SkillRunIDs []string        `json:"skillRunIds"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Run is one execution of a skill, standalone or spawned by a workflow.
type Run struct {
	ID            string          `json:"id"`
	SkillID       string          `json:"skillId"`
	EventID       string          `json:"eventId"`
	WorkflowRunID string          `json:"workflowRunId,omitempty"`
	Status        string          `json:"status"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        string          `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// IsTerminal reports whether status is a final run state.
func IsTerminal(status string) bool {
	switch status {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// HitlRequest records a workflow suspended on a human decision.
type HitlRequest struct {
	ID            string          `json:"id"`
	WorkflowRunID string          `json:"workflowRunId"`
	CheckpointID  string          `json:"checkpointId"`
	Status        string          `json:"status"`
	Prompt        string          `json:"prompt"`
	Context       json.RawMessage `json:"context,omitempty"`
	Options       []string        `json:"options,omitempty"`
	Response      string          `json:"response,omitempty"`
	TimeoutAt     *time.Time      `json:"timeoutAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	RespondedAt   *time.Time      `json:"respondedAt,omitempty"`
}

// ScheduledJob is the persisted cron state of one trigger rule. Exactly one
// of SkillID and WorkflowID is set.
type ScheduledJob struct {
	ID           string     `json:"id"`
	SkillID      string     `json:"skillId,omitempty"`
	WorkflowID   string     `json:"workflowId,omitempty"`
	TriggerIndex int        `json:"triggerIndex"`
	Schedule     string     `json:"schedule"`
	LastRunAt    *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time  `json:"nextRunAt"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// OwnerID returns whichever owner id is set.
func (j *ScheduledJob) OwnerID() string {
	if j.WorkflowID != "" {
		return j.WorkflowID
	}
	return j.SkillID
}

// OwnerKind identifies which definition kind owns a scheduled job.
type OwnerKind string

const (
	OwnerSkill    OwnerKind = "skill"
	OwnerWorkflow OwnerKind = "workflow"
)

// Kind returns the owning definition kind.
func (j *ScheduledJob) Kind() OwnerKind {
	if j.WorkflowID != "" {
		return OwnerWorkflow
	}
	return OwnerSkill
}
