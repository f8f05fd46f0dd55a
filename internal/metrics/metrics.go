// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the engine's own collector registry.
var Registry = prometheus.NewRegistry()

var (
	eventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoflow",
		Name:      "events_dispatched_total",
		Help:      "Events dispatched, by source and final event status.",
	}, []string{"source", "status"})

	workflowRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoflow",
		Name:      "workflow_runs_total",
		Help:      "Workflow run outcomes (completed, failed, waiting_for_input).",
	}, []string{"status"})

	skillRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoflow",
		Name:      "skill_runs_total",
		Help:      "Skill run outcomes.",
	}, []string{"status"})

	schedulerFires = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "autoflow",
		Name:      "scheduler_fires_total",
		Help:      "Scheduled jobs fired.",
	})

	hitlRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoflow",
		Name:      "hitl_requests_total",
		Help:      "Human-in-the-loop request transitions.",
	}, []string{"status"})
)

func init() {
	Registry.MustRegister(
		eventsDispatched, workflowRuns, skillRuns, schedulerFires, hitlRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// EventDispatched counts one dispatched event.
func EventDispatched(source, status string) { eventsDispatched.WithLabelValues(source, status).Inc() }

// WorkflowRun counts a workflow run reaching status.
func WorkflowRun(status string) { workflowRuns.WithLabelValues(status).Inc() }

// SkillRun counts a skill run reaching status.
func SkillRun(status string) { skillRuns.WithLabelValues(status).Inc() }

// SchedulerFired counts one fired job.
func SchedulerFired() { schedulerFires.Inc() }

// HitlTransition counts a HITL request reaching status.
func HitlTransition(status string) { hitlRequests.WithLabelValues(status).Inc() }

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
