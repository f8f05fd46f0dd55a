package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/KafClaw/autoflow/internal/automation"
)

const hitlColumns = `id, workflow_run_id, checkpoint_id, status, prompt, context, options, response, timeout_at, created_at, responded_at`

// CreateHitlRequest inserts a pending request.
func (s *TimelineService) CreateHitlRequest(ctx context.Context, h *automation.HitlRequest) error {
	if h.ID == "" {
		h.ID = newID()
	}
	h.Status = automation.HitlPending
	h.CreatedAt = s.now().UTC()

	var opts any
	if len(h.Options) > 0 {
		b, err := json.Marshal(h.Options)
		if err != nil {
			return fmt.Errorf("marshal hitl options: %w", err)
		}
		opts = string(b)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO hitl_requests (`+hitlColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.WorkflowRunID, h.CheckpointID, h.Status, h.Prompt, nullJSON(h.Context), opts, nil,
		nullMillis(h.TimeoutAt), toMillis(h.CreatedAt), nil)
	if err != nil {
		return fmt.Errorf("create hitl request: %w", err)
	}
	return nil
}

func scanHitl(row rowScanner) (*automation.HitlRequest, error) {
	var (
		h                    automation.HitlRequest
		hctx, opts, response sql.NullString
		timeout, responded   sql.NullInt64
		created              int64
	)
	if err := row.Scan(&h.ID, &h.WorkflowRunID, &h.CheckpointID, &h.Status, &h.Prompt, &hctx, &opts, &response,
		&timeout, &created, &responded); err != nil {
		return nil, err
	}
	h.Context = fromNullJSON(hctx)
	if opts.Valid && opts.String != "" {
		if err := json.Unmarshal([]byte(opts.String), &h.Options); err != nil {
			return nil, fmt.Errorf("decode hitl options: %w", err)
		}
	}
	h.Response = response.String
	h.TimeoutAt = fromNullMillis(timeout)
	h.CreatedAt = fromMillis(created)
	h.RespondedAt = fromNullMillis(responded)
	return &h, nil
}

// GetHitlRequest returns a request by id.
func (s *TimelineService) GetHitlRequest(ctx context.Context, id string) (*automation.HitlRequest, error) {
	h, err := scanHitl(s.db.QueryRowContext(ctx, `SELECT `+hitlColumns+` FROM hitl_requests WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("hitl request", id, err)
	}
	return h, nil
}

// RespondHitlRequest records a response if the request is still pending.
func (s *TimelineService) RespondHitlRequest(ctx context.Context, id, response string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE hitl_requests SET status = ?, response = ?, responded_at = ?
		WHERE id = ? AND status = ?`,
		automation.HitlResponded, response, toMillis(at), id, automation.HitlPending)
	if err != nil {
		return fmt.Errorf("respond hitl request: %w", err)
	}
	return requireAffected(res, "pending hitl request", id)
}

// CancelHitlRequest cancels a pending request.
func (s *TimelineService) CancelHitlRequest(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE hitl_requests SET status = ? WHERE id = ? AND status = ?`,
		automation.HitlCancelled, id, automation.HitlPending)
	if err != nil {
		return fmt.Errorf("cancel hitl request: %w", err)
	}
	return requireAffected(res, "pending hitl request", id)
}

// ExpireHitlRequests marks every pending request whose timeout has passed
// as expired and returns them.
func (s *TimelineService) ExpireHitlRequests(ctx context.Context, now time.Time) ([]automation.HitlRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+hitlColumns+` FROM hitl_requests
		WHERE status = ? AND timeout_at IS NOT NULL AND timeout_at <= ?`, automation.HitlPending, toMillis(now))
	if err != nil {
		return nil, err
	}
	var expired []automation.HitlRequest
	for rows.Next() {
		h, err := scanHitl(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, *h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range expired {
		if _, err := tx.ExecContext(ctx, `UPDATE hitl_requests SET status = ? WHERE id = ? AND status = ?`,
			automation.HitlExpired, expired[i].ID, automation.HitlPending); err != nil {
			return nil, fmt.Errorf("expire hitl request: %w", err)
		}
		expired[i].Status = automation.HitlExpired
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return expired, nil
}

// ListHitlRequests returns requests newest first, optionally by status.
func (s *TimelineService) ListHitlRequests(ctx context.Context, status string) ([]automation.HitlRequest, error) {
	where, args := filterClause("status", status)
	rows, err := s.db.QueryContext(ctx, `SELECT `+hitlColumns+` FROM hitl_requests`+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.HitlRequest
	for rows.Next() {
		h, err := scanHitl(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// PendingHitlForWorkflowRun returns the pending request of a workflow run.
func (s *TimelineService) PendingHitlForWorkflowRun(ctx context.Context, workflowRunID string) (*automation.HitlRequest, error) {
	h, err := scanHitl(s.db.QueryRowContext(ctx, `SELECT `+hitlColumns+` FROM hitl_requests
		WHERE workflow_run_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`, workflowRunID, automation.HitlPending))
	if err != nil {
		return nil, notFound("pending hitl request for workflow run", workflowRunID, err)
	}
	return h, nil
}
