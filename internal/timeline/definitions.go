package timeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/KafClaw/autoflow/internal/automation"
)

// Definitions are stored as JSON documents; the seq column preserves
// insertion order, which the matcher uses to break confidence ties.

func (s *TimelineService) insertDefinition(ctx context.Context, table, id, name string, enabled bool, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", table, err)
	}
	now := toMillis(s.now())
	_, err = s.db.ExecContext(ctx, `INSERT INTO `+table+` (id, name, definition, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`, id, name, string(body), enabled, now, now)
	if err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}
	return nil
}

func (s *TimelineService) updateDefinition(ctx context.Context, table, id, name string, enabled bool, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", table, err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET name = ?, definition = ?, enabled = ?, updated_at = ? WHERE id = ?`,
		name, string(body), enabled, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	return requireAffected(res, table, id)
}

func (s *TimelineService) deleteDefinition(ctx context.Context, table, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return requireAffected(res, table, id)
}

func (s *TimelineService) loadDefinition(ctx context.Context, table, id string, dest any) (created, updated int64, err error) {
	var body string
	err = s.db.QueryRowContext(ctx, `SELECT definition, created_at, updated_at FROM `+table+` WHERE id = ?`, id).
		Scan(&body, &created, &updated)
	if err != nil {
		return 0, 0, notFound(table, id, err)
	}
	if err := json.Unmarshal([]byte(body), dest); err != nil {
		return 0, 0, fmt.Errorf("decode %s %s: %w", table, id, err)
	}
	return created, updated, nil
}

func (s *TimelineService) listDefinitions(ctx context.Context, table string, each func(body []byte, created, updated int64) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT definition, created_at, updated_at FROM `+table+` ORDER BY seq`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			body             string
			created, updated int64
		)
		if err := rows.Scan(&body, &created, &updated); err != nil {
			return err
		}
		if err := each([]byte(body), created, updated); err != nil {
			return err
		}
	}
	return rows.Err()
}

// --- Skills ---

// CreateSkill inserts a skill. ID is generated when empty.
func (s *TimelineService) CreateSkill(ctx context.Context, sk *automation.Skill) error {
	if sk.ID == "" {
		sk.ID = newID()
	}
	now := s.now().UTC()
	sk.CreatedAt, sk.UpdatedAt = now, now
	return s.insertDefinition(ctx, "skills", sk.ID, sk.Name, sk.Enabled, sk)
}

// UpdateSkill replaces a stored skill.
func (s *TimelineService) UpdateSkill(ctx context.Context, sk *automation.Skill) error {
	sk.UpdatedAt = s.now().UTC()
	return s.updateDefinition(ctx, "skills", sk.ID, sk.Name, sk.Enabled, sk)
}

// DeleteSkill removes a skill.
func (s *TimelineService) DeleteSkill(ctx context.Context, id string) error {
	return s.deleteDefinition(ctx, "skills", id)
}

// GetSkill returns a skill by id.
func (s *TimelineService) GetSkill(ctx context.Context, id string) (*automation.Skill, error) {
	var sk automation.Skill
	created, updated, err := s.loadDefinition(ctx, "skills", id, &sk)
	if err != nil {
		return nil, err
	}
	sk.CreatedAt, sk.UpdatedAt = fromMillis(created), fromMillis(updated)
	return &sk, nil
}

// ListSkills returns all skills in insertion order.
func (s *TimelineService) ListSkills(ctx context.Context) ([]automation.Skill, error) {
	var out []automation.Skill
	err := s.listDefinitions(ctx, "skills", func(body []byte, created, updated int64) error {
		var sk automation.Skill
		if err := json.Unmarshal(body, &sk); err != nil {
			return fmt.Errorf("decode skill: %w", err)
		}
		sk.CreatedAt, sk.UpdatedAt = fromMillis(created), fromMillis(updated)
		out = append(out, sk)
		return nil
	})
	return out, err
}

// --- Workflows ---

// CreateWorkflow inserts a workflow. ID is generated when empty.
func (s *TimelineService) CreateWorkflow(ctx context.Context, wf *automation.Workflow) error {
	if wf.ID == "" {
		wf.ID = newID()
	}
	now := s.now().UTC()
	wf.CreatedAt, wf.UpdatedAt = now, now
	return s.insertDefinition(ctx, "workflows", wf.ID, wf.Name, wf.Enabled, wf)
}

// UpdateWorkflow replaces a stored workflow.
func (s *TimelineService) UpdateWorkflow(ctx context.Context, wf *automation.Workflow) error {
	wf.UpdatedAt = s.now().UTC()
	return s.updateDefinition(ctx, "workflows", wf.ID, wf.Name, wf.Enabled, wf)
}

// DeleteWorkflow removes a workflow.
func (s *TimelineService) DeleteWorkflow(ctx context.Context, id string) error {
	return s.deleteDefinition(ctx, "workflows", id)
}

// GetWorkflow returns a workflow by id.
func (s *TimelineService) GetWorkflow(ctx context.Context, id string) (*automation.Workflow, error) {
	var wf automation.Workflow
	created, updated, err := s.loadDefinition(ctx, "workflows", id, &wf)
	if err != nil {
		return nil, err
	}
	wf.CreatedAt, wf.UpdatedAt = fromMillis(created), fromMillis(updated)
	return &wf, nil
}

// ListWorkflows returns all workflows in insertion order.
func (s *TimelineService) ListWorkflows(ctx context.Context) ([]automation.Workflow, error) {
	var out []automation.Workflow
	err := s.listDefinitions(ctx, "workflows", func(body []byte, created, updated int64) error {
		var wf automation.Workflow
		if err := json.Unmarshal(body, &wf); err != nil {
			return fmt.Errorf("decode workflow: %w", err)
		}
		wf.CreatedAt, wf.UpdatedAt = fromMillis(created), fromMillis(updated)
		out = append(out, wf)
		return nil
	})
	return out, err
}
