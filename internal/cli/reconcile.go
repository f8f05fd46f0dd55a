package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/timeline"
)

type runtimeCounts struct {
	RunningRuns         int `json:"runningRuns"`
	RunningWorkflowRuns int `json:"runningWorkflowRuns"`
	WaitingWorkflowRuns int `json:"waitingWorkflowRuns"`
	PendingHitl         int `json:"pendingHitl"`
	Jobs                int `json:"jobs"`
}

func countRuntimeState(ctx context.Context, tl *timeline.TimelineService) (runtimeCounts, error) {
	var c runtimeCounts
	runs, err := tl.ListRuns(ctx, automation.RunFilter{Status: automation.RunRunning})
	if err != nil {
		return c, err
	}
	c.RunningRuns = len(runs)
	wfRuns, err := tl.ListWorkflowRuns(ctx, automation.RunFilter{Status: automation.RunRunning})
	if err != nil {
		return c, err
	}
	c.RunningWorkflowRuns = len(wfRuns)
	waiting, err := tl.ListWorkflowRuns(ctx, automation.RunFilter{Status: automation.RunWaitingForInput})
	if err != nil {
		return c, err
	}
	c.WaitingWorkflowRuns = len(waiting)
	pending, err := tl.ListHitlRequests(ctx, automation.HitlPending)
	if err != nil {
		return c, err
	}
	c.PendingHitl = len(pending)
	jobs, err := tl.ListJobs(ctx, "")
	if err != nil {
		return c, err
	}
	c.Jobs = len(jobs)
	return c, nil
}

// reconcileDurableRuntimeState surfaces durable state left by earlier
// processes on startup. Waiting runs stay resumable; runs still marked
// running were interrupted and are only reported, since another serve
// process may own them.
func reconcileDurableRuntimeState(ctx context.Context, tl *timeline.TimelineService) error {
	if tl == nil {
		return fmt.Errorf("timeline service is nil")
	}
	c, err := countRuntimeState(ctx, tl)
	if err != nil {
		return err
	}
	slog.Info("Runtime reconcile",
		"running_runs", c.RunningRuns,
		"running_workflow_runs", c.RunningWorkflowRuns,
		"waiting_workflow_runs", c.WaitingWorkflowRuns,
		"pending_hitl", c.PendingHitl,
		"jobs", c.Jobs)
	return nil
}
