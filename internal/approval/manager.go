// Package approval manages the lifecycle of human-in-the-loop requests:
// responding, cancelling and expiring them.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/metrics"
)

// ExpiredError is recorded on a workflow run whose request timed out.
const ExpiredError = "human input request expired"

// Resumer continues a workflow run after its request was responded.
type Resumer interface {
	ResumeAsync(ctx context.Context, hitlRequestID string) error
}

// Manager handles request transitions. All state lives in the stores, so
// pending requests survive restarts.
type Manager struct {
	hitl    automation.HitlStore
	runs    automation.WorkflowRunStore
	resumer Resumer
	now     func() time.Time
}

// NewManager creates a manager. resumer may be nil, in which case Respond
// never resumes.
func NewManager(hitl automation.HitlStore, runs automation.WorkflowRunStore, resumer Resumer) *Manager {
	return &Manager{hitl: hitl, runs: runs, resumer: resumer, now: time.Now}
}

// Respond records the human response. When resume is set the paused run is
// resumed in the background.
func (m *Manager) Respond(ctx context.Context, id, response string, resume bool) (*automation.HitlRequest, error) {
	if err := m.hitl.RespondHitlRequest(ctx, id, response, m.now().UTC()); err != nil {
		if errors.Is(err, automation.ErrNotFound) {
			return nil, fmt.Errorf("no pending human input request %s: %w", id, err)
		}
		return nil, err
	}
	metrics.HitlTransition(automation.HitlResponded)
	slog.Info("Human input recorded", "hitl", id)

	req, err := m.hitl.GetHitlRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if resume && m.resumer != nil {
		if err := m.resumer.ResumeAsync(ctx, id); err != nil {
			return req, fmt.Errorf("schedule resume: %w", err)
		}
	}
	return req, nil
}

// ResumeResponded schedules a resume for every workflow run still waiting
// on an answered request, such as after "hitl respond --no-resume" or a
// crash between recording the answer and resuming. Only the newest answered
// request of a run is considered, and runs with a newer pending request are
// left alone. It returns the number of resumes scheduled.
func (m *Manager) ResumeResponded(ctx context.Context) (int, error) {
	if m.resumer == nil {
		return 0, nil
	}
	reqs, err := m.hitl.ListHitlRequests(ctx, automation.HitlResponded)
	if err != nil {
		return 0, fmt.Errorf("list responded requests: %w", err)
	}
	seen := make(map[string]bool)
	scheduled := 0
	for _, req := range reqs {
		if seen[req.WorkflowRunID] {
			continue
		}
		seen[req.WorkflowRunID] = true

		run, err := m.runs.GetWorkflowRun(ctx, req.WorkflowRunID)
		if err != nil {
			slog.Warn("Answered request without run", "hitl", req.ID, "run", req.WorkflowRunID, "error", err)
			continue
		}
		if run.Status != automation.RunWaitingForInput {
			continue
		}
		switch _, err := m.hitl.PendingHitlForWorkflowRun(ctx, run.ID); {
		case err == nil:
			continue
		case !errors.Is(err, automation.ErrNotFound):
			return scheduled, err
		}
		if err := m.resumer.ResumeAsync(ctx, req.ID); err != nil {
			return scheduled, fmt.Errorf("schedule resume of %s: %w", req.ID, err)
		}
		slog.Info("Resuming answered request", "hitl", req.ID, "run", run.ID)
		scheduled++
	}
	return scheduled, nil
}

// Cancel cancels a pending request. The workflow run stays waiting.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	if err := m.hitl.CancelHitlRequest(ctx, id); err != nil {
		if errors.Is(err, automation.ErrNotFound) {
			return fmt.Errorf("no pending human input request %s: %w", id, err)
		}
		return err
	}
	metrics.HitlTransition(automation.HitlCancelled)
	slog.Info("Human input request cancelled", "hitl", id)
	return nil
}

// CancelRun cancels a workflow run and its pending request, if any.
func (m *Manager) CancelRun(ctx context.Context, workflowRunID string) (*automation.WorkflowRun, error) {
	run, err := m.runs.GetWorkflowRun(ctx, workflowRunID)
	if err != nil {
		return nil, err
	}
	if automation.IsTerminal(run.Status) {
		return run, fmt.Errorf("workflow run %s already %s", run.ID, run.Status)
	}

	req, err := m.hitl.PendingHitlForWorkflowRun(ctx, run.ID)
	switch {
	case err == nil:
		if err := m.Cancel(ctx, req.ID); err != nil && !errors.Is(err, automation.ErrNotFound) {
			return run, err
		}
	case !errors.Is(err, automation.ErrNotFound):
		return run, err
	}

	done := m.now().UTC()
	run.Status = automation.RunCancelled
	run.CompletedAt = &done
	if err := m.runs.UpdateWorkflowRun(ctx, run); err != nil {
		return run, fmt.Errorf("cancel workflow run: %w", err)
	}
	metrics.WorkflowRun(automation.RunCancelled)
	slog.Info("Workflow run cancelled", "run", run.ID)
	return run, nil
}

// ExpireOverdue expires every pending request whose timeout passed and
// fails the workflow runs still waiting on them.
func (m *Manager) ExpireOverdue(ctx context.Context, now time.Time) ([]automation.HitlRequest, error) {
	expired, err := m.hitl.ExpireHitlRequests(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("expire hitl requests: %w", err)
	}
	for _, req := range expired {
		metrics.HitlTransition(automation.HitlExpired)
		run, err := m.runs.GetWorkflowRun(ctx, req.WorkflowRunID)
		if err != nil {
			slog.Warn("Expired request without run", "hitl", req.ID, "run", req.WorkflowRunID, "error", err)
			continue
		}
		if run.Status != automation.RunWaitingForInput {
			continue
		}
		done := now.UTC()
		run.Status = automation.RunFailed
		run.Error = ExpiredError
		run.CompletedAt = &done
		if err := m.runs.UpdateWorkflowRun(ctx, run); err != nil {
			slog.Error("Failed to fail expired workflow run", "run", run.ID, "error", err)
			continue
		}
		metrics.WorkflowRun(automation.RunFailed)
		slog.Warn("Human input request expired", "hitl", req.ID, "run", run.ID)
	}
	return expired, nil
}

// List returns requests with the given status, or all when status is empty.
func (m *Manager) List(ctx context.Context, status string) ([]automation.HitlRequest, error) {
	return m.hitl.ListHitlRequests(ctx, status)
}
