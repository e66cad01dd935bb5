// Package task provides the task model and file-backed store for aof.
package task

import (
	"sort"
	"time"
)

// SchemaVersion is the current front-matter schema version.
const SchemaVersion = 1

// Status represents the current state of a task. A task's status always
// equals the name of the status directory its file lives in.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in-progress"
	StatusBlocked    Status = "blocked"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
)

// ValidStatuses returns all valid status values in pipeline order.
func ValidStatuses() []Status {
	return []Status{
		StatusBacklog, StatusReady, StatusInProgress,
		StatusBlocked, StatusReview, StatusDone,
	}
}

// IsValidStatus returns true if the status is a valid status value.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusBacklog, StatusReady, StatusInProgress,
		StatusBlocked, StatusReview, StatusDone:
		return true
	default:
		return false
	}
}

// validTransitions is the status graph. Completion never goes directly from
// in-progress to done; it passes through review.
var validTransitions = map[Status][]Status{
	StatusBacklog:    {StatusReady, StatusInProgress, StatusBlocked, StatusReview},
	StatusReady:      {StatusInProgress, StatusBlocked, StatusBacklog},
	StatusInProgress: {StatusReview, StatusBlocked, StatusReady},
	StatusBlocked:    {StatusReady, StatusBacklog},
	StatusReview:     {StatusDone, StatusInProgress, StatusBlocked},
	StatusDone:       {},
}

// CanTransition returns true if the status graph allows moving from one
// status to another.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority represents the urgency/importance of a task.
type Priority string

const (
	// PriorityCritical indicates urgent tasks that need immediate attention.
	PriorityCritical Priority = "critical"
	// PriorityHigh indicates important tasks that should be done soon.
	PriorityHigh Priority = "high"
	// PriorityNormal indicates regular tasks (default).
	PriorityNormal Priority = "normal"
	// PriorityLow indicates tasks that can wait.
	PriorityLow Priority = "low"
)

// ValidPriorities returns all valid priority values.
func ValidPriorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

// IsValidPriority returns true if the priority is a valid priority value.
func IsValidPriority(p Priority) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// PriorityOrder returns a numeric value for sorting (lower = higher priority).
func PriorityOrder(p Priority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2 // Default to normal
	}
}

// Routing describes where a task should be dispatched.
type Routing struct {
	// Workflow names the gate sequence the task moves through.
	Workflow string `yaml:"workflow,omitempty" json:"workflow,omitempty"`

	// Team owns the task for throttling and default-agent resolution.
	Team string `yaml:"team,omitempty" json:"team,omitempty"`

	// Role is the role expected to act on the task's current gate.
	Role string `yaml:"role,omitempty" json:"role,omitempty"`

	// Agent pins the task to a specific agent.
	Agent string `yaml:"agent,omitempty" json:"agent,omitempty"`

	// Tags carry freeform labels used by gate predicates.
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// HasTag returns true if the routing carries the given tag.
func (r Routing) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Lease is a time-bounded single-writer claim on a task.
type Lease struct {
	Agent        string    `yaml:"agent" json:"agent"`
	AcquiredAt   time.Time `yaml:"acquiredAt" json:"acquiredAt"`
	ExpiresAt    time.Time `yaml:"expiresAt" json:"expiresAt"`
	RenewalCount int       `yaml:"renewalCount" json:"renewalCount"`
}

// Active returns true if the lease has not expired at the given instant.
// Expiry is closed on the right: a lease with expiresAt == now is expired.
func (l *Lease) Active(now time.Time) bool {
	if l == nil {
		return false
	}
	return l.ExpiresAt.After(now)
}

// GateState records the workflow gate a task currently sits at.
type GateState struct {
	Current string    `yaml:"current" json:"current"`
	Entered time.Time `yaml:"entered" json:"entered"`
}

// GateHistoryEntry is one completed visit to a gate.
type GateHistoryEntry struct {
	Gate       string    `yaml:"gate" json:"gate"`
	Role       string    `yaml:"role,omitempty" json:"role,omitempty"`
	Entered    time.Time `yaml:"entered" json:"entered"`
	Exited     time.Time `yaml:"exited" json:"exited"`
	Outcome    string    `yaml:"outcome" json:"outcome"`
	Summary    string    `yaml:"summary,omitempty" json:"summary,omitempty"`
	Blockers   []string  `yaml:"blockers,omitempty" json:"blockers,omitempty"`
	DurationMs int64     `yaml:"durationMs" json:"durationMs"`
}

// ReviewContext carries rejection details back to the gate a task returns to.
type ReviewContext struct {
	FromGate string   `yaml:"fromGate" json:"fromGate"`
	FromRole string   `yaml:"fromRole,omitempty" json:"fromRole,omitempty"`
	Notes    string   `yaml:"notes,omitempty" json:"notes,omitempty"`
	Blockers []string `yaml:"blockers,omitempty" json:"blockers,omitempty"`
}

// Task represents a unit of work scheduled through the fabric.
type Task struct {
	// SchemaVersion is the front-matter schema version.
	SchemaVersion int `yaml:"schemaVersion" json:"schemaVersion"`

	// ID is the unique identifier (e.g., DEMO-20260824-001).
	ID string `yaml:"id" json:"id"`

	// Project references the enclosing project.
	Project string `yaml:"project,omitempty" json:"project,omitempty"`

	// Title is a short description of the task.
	Title string `yaml:"title" json:"title"`

	// Status is the current pipeline state, always equal to the status
	// directory the file lives in.
	Status Status `yaml:"status" json:"status"`

	// Priority indicates the urgency/importance of the task.
	Priority Priority `yaml:"priority" json:"priority"`

	// Routing describes where the task should be dispatched.
	Routing Routing `yaml:"routing" json:"routing"`

	// DependsOn lists task IDs that must be done before this task runs.
	DependsOn []string `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`

	// ParentID links this task to a parent task.
	ParentID string `yaml:"parentId,omitempty" json:"parentId,omitempty"`

	// Resource names an exclusive resource the task occupies while
	// in progress. At most one in-progress task may hold a resource.
	Resource string `yaml:"resource,omitempty" json:"resource,omitempty"`

	// Lease is the current ownership claim, if any.
	Lease *Lease `yaml:"lease,omitempty" json:"lease,omitempty"`

	// Gate is the workflow gate the task currently sits at.
	Gate *GateState `yaml:"gate,omitempty" json:"gate,omitempty"`

	// GateHistory is the ordered log of completed gate visits.
	GateHistory []GateHistoryEntry `yaml:"gateHistory,omitempty" json:"gateHistory,omitempty"`

	// ReviewContext carries the most recent rejection details.
	ReviewContext *ReviewContext `yaml:"reviewContext,omitempty" json:"reviewContext,omitempty"`

	// Metadata holds arbitrary key-value data.
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// CreatedAt is when the task was created.
	CreatedAt time.Time `yaml:"createdAt" json:"createdAt"`

	// UpdatedAt is when the task was last written.
	UpdatedAt time.Time `yaml:"updatedAt" json:"updatedAt"`

	// LastTransitionAt is when the task last changed status.
	LastTransitionAt time.Time `yaml:"lastTransitionAt" json:"lastTransitionAt"`

	// CreatedBy records the actor that created the task.
	CreatedBy string `yaml:"createdBy" json:"createdBy"`

	// Body is the markdown content below the front-matter.
	Body string `yaml:"-" json:"body,omitempty"`

	// Deadletter is true when the file lives in the deadletter bucket
	// under blocked/. Derived from the path, not stored.
	Deadletter bool `yaml:"-" json:"deadletter,omitempty"`

	// extra preserves unknown front-matter keys in their original order.
	extra []extraField
}

// New creates a task in backlog with defaulted fields.
func New(project, id, title, createdBy string) *Task {
	now := Now()
	return &Task{
		SchemaVersion: SchemaVersion,
		ID:            id,
		Project:       project,
		Title:         title,
		Status:        StatusBacklog,
		Priority:      PriorityNormal,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastTransitionAt: now,
		CreatedBy:     createdBy,
	}
}

// Now returns the current time normalized for front-matter timestamps
// (UTC, second precision).
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// GetPriority returns the task's priority, defaulting to normal if not set.
func (t *Task) GetPriority() Priority {
	if t.Priority == "" {
		return PriorityNormal
	}
	return t.Priority
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status == StatusDone
}

// HasActiveLease returns true if the task holds a non-expired lease.
func (t *Task) HasActiveLease(now time.Time) bool {
	return t.Lease.Active(now)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Routing.Tags = append([]string(nil), t.Routing.Tags...)
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.GateHistory = append([]GateHistoryEntry(nil), t.GateHistory...)
	if t.Lease != nil {
		l := *t.Lease
		c.Lease = &l
	}
	if t.Gate != nil {
		g := *t.Gate
		c.Gate = &g
	}
	if t.ReviewContext != nil {
		rc := *t.ReviewContext
		rc.Blockers = append([]string(nil), t.ReviewContext.Blockers...)
		c.ReviewContext = &rc
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	c.extra = append([]extraField(nil), t.extra...)
	return &c
}

// HasUnmetDependencies returns true if any task in DependsOn is not done.
func (t *Task) HasUnmetDependencies(tasks map[string]*Task) bool {
	return len(t.GetUnmetDependencies(tasks)) > 0
}

// GetUnmetDependencies returns the IDs of blockers that aren't done yet.
// A reference to a missing task counts as unmet.
func (t *Task) GetUnmetDependencies(tasks map[string]*Task) []string {
	var unmet []string
	for _, blockerID := range t.DependsOn {
		blocker, exists := tasks[blockerID]
		if !exists || blocker.Status != StatusDone {
			unmet = append(unmet, blockerID)
		}
	}
	return unmet
}

// DetectCircularDependency checks if adding a dependency would create a cycle.
// Returns the cycle path if a cycle would be created, nil otherwise.
func DetectCircularDependency(taskID string, newBlocker string, tasks map[string]*Task) []string {
	// Build adjacency list: task -> tasks it depends on.
	// Copy slices to avoid mutating original task data.
	dependsMap := make(map[string][]string)
	for _, t := range tasks {
		dependsMap[t.ID] = append([]string(nil), t.DependsOn...)
	}

	// Temporarily add the new dependency
	dependsMap[taskID] = append(dependsMap[taskID], newBlocker)

	// DFS to detect cycle starting from taskID
	visited := make(map[string]bool)
	path := make(map[string]bool)
	var cyclePath []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		if path[id] {
			// Found a cycle, reconstruct path
			cyclePath = append(cyclePath, id)
			return true
		}
		if visited[id] {
			return false
		}

		visited[id] = true
		path[id] = true

		for _, dep := range dependsMap[id] {
			if dfs(dep) {
				cyclePath = append(cyclePath, id)
				return true
			}
		}

		path[id] = false
		return false
	}

	if dfs(taskID) {
		// Reverse the path to show the cycle in order
		for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
			cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
		}
		return cyclePath
	}

	return nil
}

// FindCycle returns a dependency cycle reachable from the task through
// dependsOn edges, or nil. AddDep prevents new cycles, but hand-edited
// files can still carry them; dispatch planning checks before assigning.
func FindCycle(taskID string, tasks map[string]*Task) []string {
	visited := make(map[string]bool)
	path := make(map[string]bool)
	var cyclePath []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		if path[id] {
			cyclePath = append(cyclePath, id)
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		path[id] = true
		if t, ok := tasks[id]; ok {
			for _, dep := range t.DependsOn {
				if dfs(dep) {
					cyclePath = append(cyclePath, id)
					return true
				}
			}
		}
		path[id] = false
		return false
	}

	if dfs(taskID) {
		for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
			cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
		}
		return cyclePath
	}
	return nil
}

// ChildrenByParent indexes tasks by their parent id.
func ChildrenByParent(tasks []*Task) map[string][]*Task {
	children := make(map[string][]*Task)
	for _, t := range tasks {
		if t.ParentID != "" {
			children[t.ParentID] = append(children[t.ParentID], t)
		}
	}
	return children
}

// HasOpenChildren returns true if any direct child of the task is in a
// non-terminal status. A parent never completes while this holds.
func HasOpenChildren(id string, children map[string][]*Task) bool {
	for _, child := range children[id] {
		if !child.IsTerminal() {
			return true
		}
	}
	return false
}

// SortForDispatch orders tasks by priority (critical first), ties broken by
// createdAt ascending. This is the canonical dispatch order.
func SortForDispatch(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		pi, pj := PriorityOrder(tasks[i].GetPriority()), PriorityOrder(tasks[j].GetPriority())
		if pi != pj {
			return pi < pj
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
