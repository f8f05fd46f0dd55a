// Package registry keeps read-mostly caches of skill and workflow
// definitions. Reads are served from memory; writes go to the store first
// and only then update the cache.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/trigger"
)

// Definition is the pointer constraint shared by skills and workflows.
type Definition[T any] interface {
	*T
	trigger.Owner
	IsEnabled() bool
	Validate() error
}

// Store is the persistence a registry writes through to.
type Store[T any] interface {
	Create(ctx context.Context, def *T) error
	Update(ctx context.Context, def *T) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]T, error)
}

// Registry caches definitions in insertion order.
type Registry[T any, P Definition[T]] struct {
	kind  string
	store Store[T]

	mu    sync.RWMutex
	items map[string]P
	order []string
}

func newRegistry[T any, P Definition[T]](kind string, store Store[T]) *Registry[T, P] {
	return &Registry[T, P]{kind: kind, store: store, items: make(map[string]P)}
}

// Load replaces the cache with the store's contents.
func (r *Registry[T, P]) Load(ctx context.Context) error {
	defs, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load %ss: %w", r.kind, err)
	}
	items := make(map[string]P, len(defs))
	order := make([]string, 0, len(defs))
	for i := range defs {
		p := P(&defs[i])
		items[p.OwnerID()] = p
		order = append(order, p.OwnerID())
	}

	r.mu.Lock()
	r.items, r.order = items, order
	r.mu.Unlock()
	slog.Debug("Registry loaded", "kind", r.kind, "count", len(order))
	return nil
}

// Create validates and persists def, then caches it.
func (r *Registry[T, P]) Create(ctx context.Context, def P) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if err := r.store.Create(ctx, (*T)(def)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := def.OwnerID()
	if _, ok := r.items[id]; !ok {
		r.order = append(r.order, id)
	}
	r.items[id] = clone[T, P](def)
	return nil
}

// Update validates and persists def, then refreshes the cached copy.
func (r *Registry[T, P]) Update(ctx context.Context, def P) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if err := r.store.Update(ctx, (*T)(def)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := def.OwnerID()
	if _, ok := r.items[id]; !ok {
		r.order = append(r.order, id)
	}
	r.items[id] = clone[T, P](def)
	return nil
}

// Delete removes the definition from the store and the cache.
func (r *Registry[T, P]) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a copy of the cached definition.
func (r *Registry[T, P]) Get(id string) (P, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.items[id]
	if !ok {
		var zero P
		return zero, false
	}
	return clone[T, P](def), true
}

// List returns copies of every definition in insertion order.
func (r *Registry[T, P]) List() []P {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]P, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, clone[T, P](r.items[id]))
	}
	return out
}

// Enabled returns the enabled definitions in insertion order.
func (r *Registry[T, P]) Enabled() []P {
	all := r.List()
	out := all[:0]
	for _, def := range all {
		if def.IsEnabled() {
			out = append(out, def)
		}
	}
	return out
}

// Match runs the trigger matcher over the enabled definitions.
func (r *Registry[T, P]) Match(s trigger.Subject) []trigger.Result[P] {
	return trigger.Match(s, r.Enabled())
}

func clone[T any, P Definition[T]](def P) P {
	c := *def
	return P(&c)
}

// Skills is the skill registry.
type Skills = Registry[automation.Skill, *automation.Skill]

// Workflows is the workflow registry.
type Workflows = Registry[automation.Workflow, *automation.Workflow]

// NewSkills creates a skill registry backed by store. Call Load before use.
func NewSkills(store automation.SkillStore) *Skills {
	return newRegistry[automation.Skill, *automation.Skill]("skill", skillStore{store})
}

// NewWorkflows creates a workflow registry backed by store. Call Load before use.
func NewWorkflows(store automation.WorkflowStore) *Workflows {
	return newRegistry[automation.Workflow, *automation.Workflow]("workflow", workflowStore{store})
}

type skillStore struct{ automation.SkillStore }

func (s skillStore) Create(ctx context.Context, d *automation.Skill) error { return s.CreateSkill(ctx, d) }
func (s skillStore) Update(ctx context.Context, d *automation.Skill) error { return s.UpdateSkill(ctx, d) }
func (s skillStore) Delete(ctx context.Context, id string) error { return s.DeleteSkill(ctx, id) }
func (s skillStore) List(ctx context.Context) ([]automation.Skill, error) { return s.ListSkills(ctx) }

type workflowStore struct{ automation.WorkflowStore }

func (s workflowStore) Create(ctx context.Context, d *automation.Workflow) error {
	return s.CreateWorkflow(ctx, d)
}
func (s workflowStore) Update(ctx context.Context, d *automation.Workflow) error {
	return s.UpdateWorkflow(ctx, d)
}
func (s workflowStore) Delete(ctx context.Context, id string) error { return s.DeleteWorkflow(ctx, id) }
func (s workflowStore) List(ctx context.Context) ([]automation.Workflow, error) {
	return s.ListWorkflows(ctx)
}
