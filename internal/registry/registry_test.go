package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/timeline"
	"github.com/KafClaw/autoflow/internal/trigger"
)

func newTestStore(t *testing.T) *timeline.TimelineService {
	t.Helper()
	svc, err := timeline.NewTimelineService(filepath.Join(t.TempDir(), "timeline.db"))
	if err != nil {
		t.Fatalf("failed to create timeline service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestSkillsWriteThroughAndOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	reg := NewSkills(store)

	for _, name := range []string{"second", "first"} {
		sk := &automation.Skill{ID: name, Name: name, Instructions: "x", Enabled: true,
			Triggers: []automation.TriggerRule{{Source: "api"}}}
		if err := reg.Create(ctx, sk); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	if _, err := store.GetSkill(ctx, "second"); err != nil {
		t.Fatalf("expected skill persisted before cache: %v", err)
	}

	list := reg.List()
	if len(list) != 2 || list[0].ID != "second" || list[1].ID != "first" {
		t.Fatalf("unexpected order: %+v", list)
	}

	// Mutating a returned copy must not leak into the cache.
	list[0].Name = "mutated"
	got, _ := reg.Get("second")
	if got.Name != "second" {
		t.Fatalf("cache was mutated through returned copy")
	}

	fresh := NewSkills(store)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if l := fresh.List(); len(l) != 2 || l[0].ID != "second" {
		t.Fatalf("reload lost insertion order: %+v", l)
	}
}

func TestSkillsRejectInvalid(t *testing.T) {
	reg := NewSkills(newTestStore(t))
	err := reg.Create(context.Background(), &automation.Skill{Name: "no-instructions"})
	if !errors.Is(err, automation.ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
	if len(reg.List()) != 0 {
		t.Fatal("invalid skill must not be cached")
	}
}

func TestMatchSkipsDisabled(t *testing.T) {
	ctx := context.Background()
	reg := NewWorkflows(newTestStore(t))
	on := &automation.Workflow{ID: "on", Name: "on", Instructions: "x", Enabled: true,
		Triggers: []automation.TriggerRule{{Source: "github"}}}
	off := &automation.Workflow{ID: "off", Name: "off", Instructions: "x", Enabled: false,
		Triggers: []automation.TriggerRule{{Source: "github"}}}
	for _, wf := range []*automation.Workflow{on, off} {
		if err := reg.Create(ctx, wf); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	matches := reg.Match(trigger.Subject{Source: "github", Type: "push"})
	if len(matches) != 1 || matches[0].Owner.ID != "on" {
		t.Fatalf("expected only the enabled workflow, got %+v", matches)
	}

	if err := reg.Delete(ctx, "on"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := reg.Get("on"); ok {
		t.Fatal("deleted workflow still cached")
	}
	if err := reg.Delete(ctx, "on"); !errors.Is(err, automation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
