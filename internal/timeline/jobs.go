package timeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/KafClaw/autoflow/internal/automation"
)

const jobColumns = `id, skill_id, workflow_id, trigger_index, schedule, last_run_at, next_run_at, enabled, created_at, updated_at`

// CreateJob inserts a scheduled job.
func (s *TimelineService) CreateJob(ctx context.Context, j *automation.ScheduledJob) error {
	if (j.SkillID == "") == (j.WorkflowID == "") {
		return fmt.Errorf("scheduled job must have exactly one owner")
	}
	if j.ID == "" {
		j.ID = newID()
	}
	now := s.now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `INSERT INTO scheduled_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.SkillID, j.WorkflowID, j.TriggerIndex, j.Schedule, nullMillis(j.LastRunAt),
		toMillis(j.NextRunAt), j.Enabled, toMillis(j.CreatedAt), toMillis(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create scheduled job: %w", err)
	}
	return nil
}

// UpdateJob persists schedule, timing and enabled state.
func (s *TimelineService) UpdateJob(ctx context.Context, j *automation.ScheduledJob) error {
	j.UpdatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs
		SET schedule = ?, last_run_at = ?, next_run_at = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		j.Schedule, nullMillis(j.LastRunAt), toMillis(j.NextRunAt), j.Enabled, toMillis(j.UpdatedAt), j.ID)
	if err != nil {
		return fmt.Errorf("update scheduled job: %w", err)
	}
	return requireAffected(res, "scheduled job", j.ID)
}

// DeleteJob removes a scheduled job.
func (s *TimelineService) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled job: %w", err)
	}
	return requireAffected(res, "scheduled job", id)
}

func scanJob(row rowScanner) (*automation.ScheduledJob, error) {
	var (
		j                      automation.ScheduledJob
		lastRun                sql.NullInt64
		next, created, updated int64
	)
	if err := row.Scan(&j.ID, &j.SkillID, &j.WorkflowID, &j.TriggerIndex, &j.Schedule, &lastRun, &next,
		&j.Enabled, &created, &updated); err != nil {
		return nil, err
	}
	j.LastRunAt = fromNullMillis(lastRun)
	j.NextRunAt = fromMillis(next)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return &j, nil
}

func (s *TimelineService) queryJobs(ctx context.Context, query string, args ...any) ([]automation.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ListJobs returns jobs owned by the given kind, or all jobs when kind is
// empty.
func (s *TimelineService) ListJobs(ctx context.Context, kind automation.OwnerKind) ([]automation.ScheduledJob, error) {
	switch kind {
	case automation.OwnerSkill:
		return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE skill_id != '' ORDER BY next_run_at`)
	case automation.OwnerWorkflow:
		return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE workflow_id != '' ORDER BY next_run_at`)
	default:
		return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY next_run_at`)
	}
}

// ListDueJobs returns enabled jobs whose next run is at or before now.
func (s *TimelineService) ListDueJobs(ctx context.Context, now time.Time) ([]automation.ScheduledJob, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE enabled = 1 AND next_run_at <= ? ORDER BY next_run_at`, toMillis(now))
}
