package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/KafClaw/autoflow/internal/agent"
	"github.com/KafClaw/autoflow/internal/approval"
	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/bus"
	"github.com/KafClaw/autoflow/internal/config"
	"github.com/KafClaw/autoflow/internal/dispatch"
	"github.com/KafClaw/autoflow/internal/notify"
	"github.com/KafClaw/autoflow/internal/orchestrator"
	"github.com/KafClaw/autoflow/internal/provider"
	"github.com/KafClaw/autoflow/internal/registry"
	"github.com/KafClaw/autoflow/internal/scheduler"
	"github.com/KafClaw/autoflow/internal/timeline"
	"github.com/KafClaw/autoflow/internal/tools"
	"github.com/KafClaw/autoflow/internal/worker"
)

// runtime holds the wired services shared by serve and the one-shot
// commands.
type runtime struct {
	cfg        *config.Config
	tl         *timeline.TimelineService
	skills     *registry.Skills
	workflows  *registry.Workflows
	bus        *bus.MessageBus
	pool       *worker.Pool
	llm        provider.LLMProvider
	executor   *agent.Executor
	engine     *orchestrator.Engine
	approvals  *approval.Manager
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
}

func openTimeline(cfg *config.Config) (*timeline.TimelineService, error) {
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	tl, err := timeline.NewTimelineService(cfg.Paths.TimelinePath())
	if err != nil {
		return nil, fmt.Errorf("open timeline: %w", err)
	}
	return tl, nil
}

// loadRegistries opens the timeline and loads both definition caches.
func loadRegistries(ctx context.Context, cfg *config.Config) (*timeline.TimelineService, *registry.Skills, *registry.Workflows, error) {
	tl, err := openTimeline(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	skills := registry.NewSkills(tl)
	workflows := registry.NewWorkflows(tl)
	if err := skills.Load(ctx); err != nil {
		tl.Close()
		return nil, nil, nil, err
	}
	if err := workflows.Load(ctx); err != nil {
		tl.Close()
		return nil, nil, nil, err
	}
	return tl, skills, workflows, nil
}

// newRuntime wires every service over one timeline. Notifications go to
// the bus and to every extra sink. Extra sinks run inline on the
// dispatching goroutine, so only fast in-process sinks belong there.
func newRuntime(ctx context.Context, cfg *config.Config, extra ...notify.Notifier) (*runtime, error) {
	tl, skills, workflows, err := loadRegistries(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		cfg:       cfg,
		tl:        tl,
		skills:    skills,
		workflows: workflows,
		bus:       bus.NewMessageBus(),
		pool:      worker.NewPool(cfg.Dispatcher.MaxConcurrent),
	}

	if cfg.Providers.OpenAI.APIKey == "" {
		slog.Warn("No API key configured; model calls will fail")
	}
	rt.llm = provider.WithRetry(
		provider.NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, cfg.Model.Name),
		provider.RetryPolicy{MaxRetries: cfg.Executor.MaxRetries, Base: cfg.Executor.RetryBase, Max: cfg.Executor.RetryMax},
	)

	builtin := tools.NewRegistry()
	tools.RegisterWorkspaceTools(builtin, tools.NewWorkspace(cfg.Paths.Workspace))
	router := tools.NewRouter(builtin)

	rt.executor = agent.NewExecutor(tl, tl, rt.llm, router, agent.Config{
		Model:       cfg.Model.Name,
		ModelTiers:  cfg.Model.Tiers,
		MaxTurns:    cfg.Executor.MaxTurns,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: cfg.Model.Temperature,
	})
	rt.engine = orchestrator.NewEngine(orchestrator.Deps{
		WorkflowRuns: tl,
		Checkpoints:  tl,
		Hitl:         tl,
		Events:       tl,
		Skills:       skills,
		Workflows:    workflows,
		Executor:     rt.executor,
		LLM:          rt.llm,
		Pool:         rt.pool,
	}, orchestrator.Config{
		Model:       cfg.Model.Orchestrator(),
		MaxTurns:    cfg.Executor.OrchestratorMaxTurns,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: cfg.Model.Temperature,
	})
	rt.approvals = approval.NewManager(tl, tl, rt.engine)

	notifier := append(notify.Multi{notify.NewBusNotifier(rt.bus)}, extra...)
	rt.dispatcher = dispatch.New(tl, skills, workflows, rt.executor, rt.engine, notifier, rt.pool,
		dispatch.Config{SerializeWorkflows: cfg.Dispatcher.SerializeWorkflows})

	owners := &registryOwners{skills: skills, workflows: workflows}
	rt.scheduler = scheduler.New(cfg.Scheduler, tl, tl, rt.bus, owners, rt.approvals)
	return rt, nil
}

// refresh reloads both registries and reconciles cron jobs with them.
func (rt *runtime) refresh(ctx context.Context) (scheduler.SyncResult, error) {
	if err := rt.skills.Load(ctx); err != nil {
		return scheduler.SyncResult{}, err
	}
	if err := rt.workflows.Load(ctx); err != nil {
		return scheduler.SyncResult{}, err
	}
	return rt.scheduler.SyncJobs(ctx, values(rt.skills.List()), values(rt.workflows.List()))
}

// close waits for in-flight jobs and closes the timeline.
func (rt *runtime) close() {
	rt.pool.Wait()
	if err := rt.tl.Close(); err != nil {
		slog.Warn("Timeline close failed", "error", err)
	}
}

func values[T any](ps []*T) []T {
	out := make([]T, 0, len(ps))
	for _, p := range ps {
		out = append(out, *p)
	}
	return out
}

// registryOwners resolves job owners from the registries. A miss reloads
// both registries once so definitions applied by another process are seen
// before their jobs are disabled.
type registryOwners struct {
	skills    *registry.Skills
	workflows *registry.Workflows
	mu        sync.Mutex
}

func (o *registryOwners) reload() {
	o.mu.Lock()
	defer o.mu.Unlock()
	ctx := context.Background()
	if err := o.skills.Load(ctx); err != nil {
		slog.Warn("Skill registry reload failed", "error", err)
	}
	if err := o.workflows.Load(ctx); err != nil {
		slog.Warn("Workflow registry reload failed", "error", err)
	}
}

func (o *registryOwners) Skill(id string) (*automation.Skill, bool) {
	if sk, ok := o.skills.Get(id); ok {
		return sk, true
	}
	o.reload()
	return o.skills.Get(id)
}

func (o *registryOwners) Workflow(id string) (*automation.Workflow, bool) {
	if wf, ok := o.workflows.Get(id); ok {
		return wf, true
	}
	o.reload()
	return o.workflows.Get(id)
}
