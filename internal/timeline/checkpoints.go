package timeline

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/KafClaw/autoflow/internal/automation"
)

func ownerKey(o automation.CheckpointOwner) string {
	if o.WorkflowRunID != "" {
		return "wfrun:" + o.WorkflowRunID
	}
	return "run:" + o.RunID
}

// AppendCheckpoint assigns the next sequence for the owner and inserts cp
// in one transaction.
func (s *TimelineService) AppendCheckpoint(ctx context.Context, cp *automation.Checkpoint) error {
	if !cp.Owner.Valid() {
		return fmt.Errorf("checkpoint must belong to exactly one run")
	}
	key := ownerKey(cp.Owner)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence) + 1, 0) FROM checkpoints WHERE owner_key = ?`, key).
		Scan(&seq); err != nil {
		return fmt.Errorf("allocate checkpoint sequence: %w", err)
	}

	if cp.ID == "" {
		cp.ID = newID()
	}
	cp.Sequence = seq
	cp.CreatedAt = s.now().UTC()

	_, err = tx.ExecContext(ctx, `INSERT INTO checkpoints (id, owner_key, run_id, workflow_run_id, sequence, type, data, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, key, cp.Owner.RunID, cp.Owner.WorkflowRunID, cp.Sequence, string(cp.Type),
		nullJSON(cp.Data), nullJSON(cp.State), toMillis(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return tx.Commit()
}

// NextSequence returns the sequence the next appended checkpoint will get.
func (s *TimelineService) NextSequence(ctx context.Context, owner automation.CheckpointOwner) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence) + 1, 0) FROM checkpoints WHERE owner_key = ?`, ownerKey(owner)).Scan(&n)
	return n, err
}

const checkpointColumns = `id, run_id, workflow_run_id, sequence, type, data, state, created_at`

func scanCheckpoint(row rowScanner) (*automation.Checkpoint, error) {
	var (
		cp             automation.Checkpoint
		runID, wfRunID sql.NullString
		typ            string
		data, state    sql.NullString
		created        int64
	)
	if err := row.Scan(&cp.ID, &runID, &wfRunID, &cp.Sequence, &typ, &data, &state, &created); err != nil {
		return nil, err
	}
	cp.Owner = automation.CheckpointOwner{RunID: runID.String, WorkflowRunID: wfRunID.String}
	cp.Type = automation.CheckpointType(typ)
	cp.Data = fromNullJSON(data)
	cp.State = fromNullJSON(state)
	cp.CreatedAt = fromMillis(created)
	return &cp, nil
}

// GetCheckpoint returns a checkpoint by id.
func (s *TimelineService) GetCheckpoint(ctx context.Context, id string) (*automation.Checkpoint, error) {
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("checkpoint", id, err)
	}
	return cp, nil
}

// ListCheckpoints returns the owner's checkpoints in sequence order.
func (s *TimelineService) ListCheckpoints(ctx context.Context, owner automation.CheckpointOwner) ([]automation.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE owner_key = ? ORDER BY sequence`, ownerKey(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}
