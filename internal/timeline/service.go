// Package timeline is the sqlite-backed store for events, definitions, runs,
// checkpoints, human-in-the-loop requests and scheduled jobs.
package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/KafClaw/autoflow/internal/automation"
)

// TimelineService implements every automation store interface on one
// sqlite database.
type TimelineService struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ automation.EventStore       = (*TimelineService)(nil)
	_ automation.SkillStore       = (*TimelineService)(nil)
	_ automation.WorkflowStore    = (*TimelineService)(nil)
	_ automation.WorkflowRunStore = (*TimelineService)(nil)
	_ automation.RunStore         = (*TimelineService)(nil)
	_ automation.CheckpointStore  = (*TimelineService)(nil)
	_ automation.HitlStore        = (*TimelineService)(nil)
	_ automation.JobStore         = (*TimelineService)(nil)
)

func NewTimelineService(dbPath string) (*TimelineService, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}
	// A single connection serializes writers, which keeps checkpoint
	// sequence allocation atomic without SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &TimelineService{db: db, now: time.Now}, nil
}

func (s *TimelineService) DB() *sql.DB { return s.db }

func (s *TimelineService) Close() error {
	return s.db.Close()
}

func newID() string { return uuid.NewString() }

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func fromNullJSON(n sql.NullString) json.RawMessage {
	if !n.Valid || n.String == "" {
		return nil
	}
	return json.RawMessage(n.String)
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, automation.ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", kind, id, err)
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, automation.ErrNotFound)
	}
	return nil
}

// --- Events ---

// CreateEvent inserts ev. ID, Status and timestamps are filled when empty.
func (s *TimelineService) CreateEvent(ctx context.Context, ev *automation.Event) error {
	if ev.ID == "" {
		ev.ID = newID()
	}
	if ev.Status == "" {
		ev.Status = automation.EventPending
	}
	now := s.now().UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now

	var meta any
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO events (id, source, type, payload, metadata, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Source, ev.Type, nullJSON(ev.Payload), meta, ev.Status,
		toMillis(ev.CreatedAt), toMillis(ev.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

const eventColumns = `id, source, type, payload, metadata, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*automation.Event, error) {
	var (
		ev               automation.Event
		payload, meta    sql.NullString
		created, updated int64
	)
	if err := row.Scan(&ev.ID, &ev.Source, &ev.Type, &payload, &meta, &ev.Status, &created, &updated); err != nil {
		return nil, err
	}
	ev.Payload = fromNullJSON(payload)
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &ev.Metadata)
	}
	ev.CreatedAt = fromMillis(created)
	ev.UpdatedAt = fromMillis(updated)
	return &ev, nil
}

// GetEvent returns an event by id.
func (s *TimelineService) GetEvent(ctx context.Context, id string) (*automation.Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("event", id, err)
	}
	return ev, nil
}

// UpdateEventStatus sets the status of an event.
func (s *TimelineService) UpdateEventStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET status = ?, updated_at = ? WHERE id = ?`,
		status, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("update event status: %w", err)
	}
	return requireAffected(res, "event", id)
}

// ListEvents returns the newest events first.
func (s *TimelineService) ListEvents(ctx context.Context, limit int) ([]automation.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// filterClause builds a WHERE clause from non-empty column/value pairs.
func filterClause(pairs ...string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		conds = append(conds, pairs[i]+" = ?")
		args = append(args, pairs[i+1])
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
