package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/KafClaw/autoflow/internal/automation"
)

// --- Workflow runs ---

const workflowRunColumns = `id, workflow_id, event_id, status, input, output, error, skill_run_ids, created_at, updated_at, completed_at`

// CreateWorkflowRun inserts a workflow run.
func (s *TimelineService) CreateWorkflowRun(ctx context.Context, r *automation.WorkflowRun) error {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.Status == "" {
		r.Status = automation.RunPending
	}
	now := s.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	ids, err := marshalIDs(r.SkillRunIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO workflow_runs (`+workflowRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkflowID, r.EventID, r.Status, nullJSON(r.Input), nullJSON(r.Output), r.Error, ids,
		toMillis(r.CreatedAt), toMillis(r.UpdatedAt), nullMillis(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("create workflow run: %w", err)
	}
	return nil
}

// UpdateWorkflowRun persists the mutable fields of r.
func (s *TimelineService) UpdateWorkflowRun(ctx context.Context, r *automation.WorkflowRun) error {
	r.UpdatedAt = s.now().UTC()
	ids, err := marshalIDs(r.SkillRunIDs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE workflow_runs
		SET status = ?, output = ?, error = ?, skill_run_ids = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		r.Status, nullJSON(r.Output), r.Error, ids, toMillis(r.UpdatedAt), nullMillis(r.CompletedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update workflow run: %w", err)
	}
	return requireAffected(res, "workflow run", r.ID)
}

func scanWorkflowRun(row rowScanner) (*automation.WorkflowRun, error) {
	var (
		r                automation.WorkflowRun
		eventID, errText sql.NullString
		input, output    sql.NullString
		ids              string
		created, updated int64
		completed        sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.WorkflowID, &eventID, &r.Status, &input, &output, &errText, &ids,
		&created, &updated, &completed); err != nil {
		return nil, err
	}
	r.EventID = eventID.String
	r.Error = errText.String
	r.Input = fromNullJSON(input)
	r.Output = fromNullJSON(output)
	if err := json.Unmarshal([]byte(ids), &r.SkillRunIDs); err != nil {
		return nil, fmt.Errorf("decode skill run ids: %w", err)
	}
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	r.CompletedAt = fromNullMillis(completed)
	return &r, nil
}

// GetWorkflowRun returns a workflow run by id.
func (s *TimelineService) GetWorkflowRun(ctx context.Context, id string) (*automation.WorkflowRun, error) {
	r, err := scanWorkflowRun(s.db.QueryRowContext(ctx, `SELECT `+workflowRunColumns+` FROM workflow_runs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("workflow run", id, err)
	}
	return r, nil
}

// ListWorkflowRuns returns workflow runs newest first.
func (s *TimelineService) ListWorkflowRuns(ctx context.Context, f automation.RunFilter) ([]automation.WorkflowRun, error) {
	where, args := filterClause("workflow_id", f.OwnerID, "status", f.Status)
	rows, err := s.db.QueryContext(ctx, `SELECT `+workflowRunColumns+` FROM workflow_runs`+where+
		` ORDER BY created_at DESC LIMIT ?`, append(args, listLimit(f.Limit))...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.WorkflowRun
	for rows.Next() {
		r, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// --- Runs ---

const runColumns = `id, skill_id, event_id, workflow_run_id, status, input, output, error, created_at, updated_at, completed_at`

// CreateRun inserts a skill run.
func (s *TimelineService) CreateRun(ctx context.Context, r *automation.Run) error {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.Status == "" {
		r.Status = automation.RunPending
	}
	now := s.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SkillID, r.EventID, r.WorkflowRunID, r.Status, nullJSON(r.Input), r.Output, r.Error,
		toMillis(r.CreatedAt), toMillis(r.UpdatedAt), nullMillis(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// UpdateRun persists the mutable fields of r.
func (s *TimelineService) UpdateRun(ctx context.Context, r *automation.Run) error {
	r.UpdatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE runs
		SET status = ?, output = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		r.Status, r.Output, r.Error, toMillis(r.UpdatedAt), nullMillis(r.CompletedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return requireAffected(res, "run", r.ID)
}

func scanRun(row rowScanner) (*automation.Run, error) {
	var (
		r                      automation.Run
		eventID, wfRunID       sql.NullString
		input, output, errText sql.NullString
		created, updated       int64
		completed              sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.SkillID, &eventID, &wfRunID, &r.Status, &input, &output, &errText,
		&created, &updated, &completed); err != nil {
		return nil, err
	}
	r.EventID = eventID.String
	r.WorkflowRunID = wfRunID.String
	r.Input = fromNullJSON(input)
	r.Output = output.String
	r.Error = errText.String
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	r.CompletedAt = fromNullMillis(completed)
	return &r, nil
}

// GetRun returns a skill run by id.
func (s *TimelineService) GetRun(ctx context.Context, id string) (*automation.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("run", id, err)
	}
	return r, nil
}

// ListRuns returns skill runs newest first.
func (s *TimelineService) ListRuns(ctx context.Context, f automation.RunFilter) ([]automation.Run, error) {
	where, args := filterClause("skill_id", f.OwnerID, "status", f.Status)
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs`+where+
		` ORDER BY created_at DESC LIMIT ?`, append(args, listLimit(f.Limit))...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func marshalIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("marshal ids: %w", err)
	}
	return string(b), nil
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
