// Package events provides the append-only event log and in-process
// event fan-out for the fabric.
package events

import (
	"time"
)

// EventType names an event in dotted notation.
type EventType string

const (
	// Task lifecycle events.

	// EventTaskCreated fires when a task is created.
	EventTaskCreated EventType = "task.created"
	// EventTaskTransitioned fires on every status change.
	EventTaskTransitioned EventType = "task.transitioned"
	// EventTaskUpdated fires when front-matter or body changes without a move.
	EventTaskUpdated EventType = "task.updated"
	// EventTaskBlocked fires when a task is parked in blocked.
	EventTaskBlocked EventType = "task.blocked"
	// EventTaskUnblocked fires when a blocked task returns to ready.
	EventTaskUnblocked EventType = "task.unblocked"
	// EventTaskCancelled fires on administrative cancellation.
	EventTaskCancelled EventType = "task.cancelled"
	// EventTaskDeadlettered fires when a task lands in the deadletter bucket.
	EventTaskDeadlettered EventType = "task.deadlettered"
	// EventTaskValidationFailed fires when a task file is quarantined.
	EventTaskValidationFailed EventType = "task.validation.failed"

	// Lease events.

	EventLeaseAcquired EventType = "lease.acquired"
	EventLeaseRenewed  EventType = "lease.renewed"
	EventLeaseReleased EventType = "lease.released"
	EventLeaseExpired  EventType = "lease.expired"

	// Gate events.

	EventGatePassed    EventType = "gate.passed"
	EventGateRejected  EventType = "gate.rejected"
	EventGateEscalated EventType = "gate.escalated"
	// EventGateTimeout is the historical underscore form; consumers match
	// on it verbatim.
	EventGateTimeout EventType = "gate_timeout"

	// Dispatch events.

	EventDispatchRequested EventType = "dispatch.requested"
	EventDispatchFailed    EventType = "dispatch.failed"

	// Scheduler and system events.

	EventPollCompleted  EventType = "scheduler.poll.completed"
	EventPollFailed     EventType = "scheduler.poll.failed"
	EventSystemStartup  EventType = "system.startup"
	EventSystemShutdown EventType = "system.shutdown"

	// Advisory events carried by alert-class actions.

	EventAlert          EventType = "alert"
	EventStaleHeartbeat EventType = "stale_heartbeat"
	EventSLAViolation   EventType = "sla_violation"
	EventContextBudget  EventType = "context.budget"
)

// Event is one append-only record. EventID is strictly monotonic within a
// daily file; timestamps are informational and may repeat.
type Event struct {
	EventID   int64          `json:"eventId"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	TaskID    string         `json:"taskId,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// PayloadString returns a string payload field, or "" when absent or not a
// string. Notification templates and rule matches read payloads through this.
func (e Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	v, ok := e.Payload[key].(string)
	if !ok {
		return ""
	}
	return v
}
