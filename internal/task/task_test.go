package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	tk := New("demo", "DEMO-20260824-001", "Fix login flow", "operator")

	assert.Equal(t, "DEMO-20260824-001", tk.ID)
	assert.Equal(t, "demo", tk.Project)
	assert.Equal(t, "Fix login flow", tk.Title)
	assert.Equal(t, StatusBacklog, tk.Status)
	assert.Equal(t, PriorityNormal, tk.Priority)
	assert.Equal(t, "operator", tk.CreatedBy)
	assert.False(t, tk.CreatedAt.IsZero())
	assert.Equal(t, tk.CreatedAt, tk.UpdatedAt)
	assert.Equal(t, tk.CreatedAt, tk.LastTransitionAt)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		ok   bool
	}{
		{"backlog to ready", StatusBacklog, StatusReady, true},
		{"ready to in-progress", StatusReady, StatusInProgress, true},
		{"in-progress to review", StatusInProgress, StatusReview, true},
		{"in-progress to blocked", StatusInProgress, StatusBlocked, true},
		{"in-progress to ready on lease expiry", StatusInProgress, StatusReady, true},
		{"review to done", StatusReview, StatusDone, true},
		{"review rejected back to in-progress", StatusReview, StatusInProgress, true},
		{"blocked to ready", StatusBlocked, StatusReady, true},
		{"in-progress directly to done is forbidden", StatusInProgress, StatusDone, false},
		{"ready to done is forbidden", StatusReady, StatusDone, false},
		{"done is terminal", StatusDone, StatusReady, false},
		{"backlog straight to review administratively", StatusBacklog, StatusReview, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestLeaseActive(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	var nilLease *Lease
	assert.False(t, nilLease.Active(now))

	fresh := &Lease{Agent: "worker-1", ExpiresAt: now.Add(time.Minute)}
	assert.True(t, fresh.Active(now))

	// Expiry is closed on the right: expiresAt == now means expired.
	exact := &Lease{Agent: "worker-1", ExpiresAt: now}
	assert.False(t, exact.Active(now))

	stale := &Lease{Agent: "worker-1", ExpiresAt: now.Add(-time.Second)}
	assert.False(t, stale.Active(now))
}

func TestGetUnmetDependencies(t *testing.T) {
	all := map[string]*Task{
		"A": {ID: "A", Status: StatusDone},
		"B": {ID: "B", Status: StatusInProgress},
		"C": {ID: "C", Status: StatusReady},
	}

	tk := &Task{ID: "D", DependsOn: []string{"A"}}
	assert.False(t, tk.HasUnmetDependencies(all))

	tk.DependsOn = []string{"A", "B"}
	assert.Equal(t, []string{"B"}, tk.GetUnmetDependencies(all))

	// Blockers that no longer exist on disk count as unmet.
	tk.DependsOn = []string{"A", "GONE"}
	assert.Equal(t, []string{"GONE"}, tk.GetUnmetDependencies(all))

	for _, st := range []Status{StatusBacklog, StatusReady, StatusInProgress, StatusBlocked, StatusReview} {
		all["B"].Status = st
		tk.DependsOn = []string{"B"}
		assert.True(t, tk.HasUnmetDependencies(all), "status %s should gate dispatch", st)
	}
}

func TestDetectCircularDependency(t *testing.T) {
	all := map[string]*Task{
		"A": {ID: "A", DependsOn: []string{"B"}},
		"B": {ID: "B", DependsOn: []string{"C"}},
		"C": {ID: "C"},
	}

	// C -> A would close the loop A -> B -> C -> A.
	cycle := DetectCircularDependency("C", "A", all)
	assert.NotNil(t, cycle)
	assert.Contains(t, cycle, "A")
	assert.Contains(t, cycle, "C")

	// Pointing C at a fresh task is fine.
	all["D"] = &Task{ID: "D"}
	assert.Nil(t, DetectCircularDependency("C", "D", all))

	// Self-dependency is the degenerate cycle.
	assert.NotNil(t, DetectCircularDependency("C", "C", all))
}

func TestFindCycle(t *testing.T) {
	all := map[string]*Task{
		"A": {ID: "A", DependsOn: []string{"B"}},
		"B": {ID: "B", DependsOn: []string{"C"}},
		"C": {ID: "C", DependsOn: []string{"B"}},
		"D": {ID: "D", DependsOn: []string{"missing"}},
	}

	// A reaches the B <-> C loop even though A itself is not on it.
	cycle := FindCycle("A", all)
	assert.NotNil(t, cycle)
	assert.Contains(t, cycle, "B")
	assert.Contains(t, cycle, "C")

	assert.NotNil(t, FindCycle("B", all))
	assert.Nil(t, FindCycle("D", all), "dangling references are not cycles")

	all["C"].DependsOn = nil
	assert.Nil(t, FindCycle("A", all))
}

func TestHasOpenChildren(t *testing.T) {
	parent := &Task{ID: "P"}
	kids := []*Task{
		{ID: "K1", ParentID: "P", Status: StatusDone},
		{ID: "K2", ParentID: "P", Status: StatusInProgress},
	}
	children := ChildrenByParent(append(kids, parent))
	assert.True(t, HasOpenChildren("P", children))

	kids[1].Status = StatusDone
	children = ChildrenByParent(append(kids, parent))
	assert.False(t, HasOpenChildren("P", children))
	assert.False(t, HasOpenChildren("K1", children))
}

func TestSortForDispatch(t *testing.T) {
	t0 := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	tasks := []*Task{
		{ID: "low", Priority: PriorityLow, CreatedAt: t0},
		{ID: "crit-late", Priority: PriorityCritical, CreatedAt: t0.Add(time.Hour)},
		{ID: "crit-early", Priority: PriorityCritical, CreatedAt: t0},
		{ID: "normal", Priority: PriorityNormal, CreatedAt: t0},
		{ID: "high", Priority: PriorityHigh, CreatedAt: t0},
	}
	SortForDispatch(tasks)

	got := make([]string, len(tasks))
	for i, tk := range tasks {
		got[i] = tk.ID
	}
	assert.Equal(t, []string{"crit-early", "crit-late", "high", "normal", "low"}, got)
}

func TestClone(t *testing.T) {
	orig := New("demo", "DEMO-20260824-001", "Original", "op")
	orig.DependsOn = []string{"X"}
	orig.Lease = &Lease{Agent: "worker-1", ExpiresAt: Now().Add(time.Minute)}
	orig.Metadata = map[string]string{"k": "v"}

	c := orig.Clone()
	c.DependsOn[0] = "Y"
	c.Lease.Agent = "worker-2"
	c.Metadata["k"] = "changed"

	assert.Equal(t, "X", orig.DependsOn[0])
	assert.Equal(t, "worker-1", orig.Lease.Agent)
	assert.Equal(t, "v", orig.Metadata["k"])
}
