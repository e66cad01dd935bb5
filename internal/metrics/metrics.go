// Package metrics exports the fabric's Prometheus collectors. Everything
// registers on the default registry; the supervisor serves it at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/randalmurphal/aof/internal/task"
)

var (
	// TasksTotal tracks the current task population by state and agent.
	// Recomputed from the store snapshot each poll.
	TasksTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aof_tasks_total",
		Help: "Current number of tasks by state and agent",
	}, []string{"state", "agent"})

	// SchedulerUp is 1 while the supervisor poll loop is running.
	SchedulerUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aof_scheduler_up",
		Help: "Whether the scheduler poll loop is running (1) or stopped (0)",
	})

	// SchedulerLoopDuration tracks how long each poll cycle takes.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aof_scheduler_loop_duration_seconds",
		Help:    "Duration of one scheduler poll cycle",
		Buckets: prometheus.DefBuckets,
	})

	// PollFailures counts polls that aborted on error, panic or timeout.
	PollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aof_scheduler_poll_failures_total",
		Help: "Total number of failed scheduler polls",
	})

	// GateTimeouts counts tasks that sat at a gate past its timeout.
	GateTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aof_gate_timeouts_total",
		Help: "Total number of gate timeouts",
	}, []string{"project", "workflow", "gate"})

	// GateEscalations counts timeout-driven reroutes to an escalation role.
	GateEscalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aof_gate_escalations_total",
		Help: "Total number of gate escalations",
	}, []string{"project", "workflow", "gate", "to_role"})

	// DispatchFailures counts executor spawn failures by agent.
	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aof_dispatch_failures_total",
		Help: "Total number of failed dispatch attempts",
	}, []string{"agent"})
)

// ObserveTasks recomputes the task population gauge from a store snapshot.
// The agent label is the working agent: the leaseholder when a lease is
// present, otherwise the routed agent, otherwise empty.
func ObserveTasks(tasks []*task.Task) {
	TasksTotal.Reset()
	for _, t := range tasks {
		agent := t.Routing.Agent
		if t.Lease != nil {
			agent = t.Lease.Agent
		}
		TasksTotal.WithLabelValues(string(t.Status), agent).Inc()
	}
}
