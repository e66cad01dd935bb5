package board

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/task"
)

func mkTask(id string, status task.Status, pri task.Priority, title string) *task.Task {
	return &task.Task{
		ID:        id,
		Title:     title,
		Status:    status,
		Priority:  pri,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func withLease(t *task.Task, agent string, expiresIn time.Duration) *task.Task {
	t.Lease = &task.Lease{
		Agent:      agent,
		AcquiredAt: time.Now().Add(-time.Minute),
		ExpiresAt:  time.Now().Add(expiresIn),
	}
	return t
}

func TestParseSwimlane(t *testing.T) {
	for _, ok := range []string{"status", "phase", "agent", "team"} {
		got, err := ParseSwimlane(ok)
		require.NoError(t, err)
		assert.Equal(t, Swimlane(ok), got)
	}

	_, err := ParseSwimlane("weather")
	require.Error(t, err)
	var aofErr *aoferrors.AOFError
	require.ErrorAs(t, err, &aofErr)
	assert.Equal(t, aoferrors.CodeConfigInvalid, aofErr.Code)
}

func TestBuildStatusBoardKeepsAllLanes(t *testing.T) {
	tasks := []*task.Task{
		mkTask("DEMO-001", task.StatusReady, task.PriorityNormal, "First"),
		mkTask("DEMO-002", task.StatusInProgress, task.PriorityHigh, "Second"),
	}
	b := Build("demo", tasks, SwimlaneStatus)

	require.Len(t, b.Lanes, 6, "status board keeps empty lanes")
	names := make([]string, 0, 6)
	for _, lane := range b.Lanes {
		names = append(names, lane.Name)
	}
	assert.Equal(t, []string{"backlog", "ready", "in-progress", "blocked", "review", "done"}, names)
	assert.Equal(t, 2, b.Total)
	assert.Len(t, b.Lanes[1].Tasks, 1)
	assert.Empty(t, b.Lanes[0].Tasks)
}

func TestBuildSortsLanesByDispatchOrder(t *testing.T) {
	older := mkTask("DEMO-001", task.StatusReady, task.PriorityNormal, "Older normal")
	older.CreatedAt = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	urgent := mkTask("DEMO-002", task.StatusReady, task.PriorityCritical, "Urgent")
	newer := mkTask("DEMO-003", task.StatusReady, task.PriorityNormal, "Newer normal")
	newer.CreatedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	b := Build("demo", []*task.Task{newer, older, urgent}, SwimlaneStatus)

	ready := b.Lanes[1]
	require.Len(t, ready.Tasks, 3)
	assert.Equal(t, "DEMO-002", ready.Tasks[0].ID)
	assert.Equal(t, "DEMO-001", ready.Tasks[1].ID)
	assert.Equal(t, "DEMO-003", ready.Tasks[2].ID)
}

func TestBuildAgentBoardPrefersLeaseholder(t *testing.T) {
	leased := mkTask("DEMO-001", task.StatusInProgress, task.PriorityNormal, "Leased")
	leased.Routing.Agent = "alice"
	withLease(leased, "bob", time.Hour)

	lapsed := mkTask("DEMO-002", task.StatusReady, task.PriorityNormal, "Lapsed")
	lapsed.Routing.Agent = "alice"
	withLease(lapsed, "bob", -time.Minute)

	unrouted := mkTask("DEMO-003", task.StatusBacklog, task.PriorityNormal, "Unrouted")

	b := Build("demo", []*task.Task{leased, lapsed, unrouted}, SwimlaneAgent)

	require.Len(t, b.Lanes, 3)
	assert.Equal(t, "alice", b.Lanes[0].Name, "an expired lease falls back to routing")
	assert.Equal(t, "bob", b.Lanes[1].Name, "an active lease wins over routing")
	assert.Equal(t, "(unassigned)", b.Lanes[2].Name, "pseudo-lanes sort last")
	assert.Equal(t, "DEMO-002", b.Lanes[0].Tasks[0].ID)
	assert.Equal(t, "DEMO-001", b.Lanes[1].Tasks[0].ID)
}

func TestBuildPhaseBoardGroupsByGate(t *testing.T) {
	gated := mkTask("DEMO-001", task.StatusReview, task.PriorityNormal, "Gated")
	gated.Gate = &task.GateState{Current: "qa-review"}
	plain := mkTask("DEMO-002", task.StatusReady, task.PriorityNormal, "Plain")

	b := Build("demo", []*task.Task{plain, gated}, SwimlanePhase)

	require.Len(t, b.Lanes, 2)
	assert.Equal(t, "qa-review", b.Lanes[0].Name)
	assert.Equal(t, "(no gate)", b.Lanes[1].Name)
}

func TestBuildTeamBoard(t *testing.T) {
	ops := mkTask("DEMO-001", task.StatusReady, task.PriorityNormal, "Ops work")
	ops.Routing.Team = "ops"
	platform := mkTask("DEMO-002", task.StatusReady, task.PriorityNormal, "Platform work")
	platform.Routing.Team = "platform"
	floating := mkTask("DEMO-003", task.StatusBacklog, task.PriorityNormal, "Floating")

	b := Build("demo", []*task.Task{floating, platform, ops}, SwimlaneTeam)

	require.Len(t, b.Lanes, 3)
	assert.Equal(t, "ops", b.Lanes[0].Name)
	assert.Equal(t, "platform", b.Lanes[1].Name)
	assert.Equal(t, "(no team)", b.Lanes[2].Name)
}

func TestRenderPlain(t *testing.T) {
	routed := mkTask("DEMO-001", task.StatusReady, task.PriorityHigh, "Rotate signing keys")
	routed.Routing.Agent = "alice"
	routed.Routing.Team = "platform"
	gated := mkTask("DEMO-002", task.StatusReview, task.PriorityNormal, "Update runbook")
	gated.Gate = &task.GateState{Current: "qa-review"}

	b := Build("demo", []*task.Task{routed, gated}, SwimlaneStatus)
	out := b.Render(RenderOptions{Color: false})

	assert.Contains(t, out, "demo · 2 task(s) · by status")
	assert.Contains(t, out, "ready (1)")
	assert.Contains(t, out, "review (1)")
	assert.Contains(t, out, "DEMO-001")
	assert.Contains(t, out, "Rotate signing keys")
	assert.Contains(t, out, "@alice")
	assert.Contains(t, out, "team:platform")
	assert.Contains(t, out, "gate:qa-review")
	assert.Contains(t, out, "empty", "empty lanes are labeled")
	assert.NotContains(t, out, "\x1b[", "plain mode emits no escape codes")
}

func TestRenderLeaseCountdown(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	leased := mkTask("DEMO-001", task.StatusInProgress, task.PriorityNormal, "Restore replica")
	leased.Lease = &task.Lease{Agent: "bob", AcquiredAt: now.Add(-time.Minute), ExpiresAt: now.Add(30 * time.Minute)}

	b := Build("demo", []*task.Task{leased}, SwimlaneStatus)
	out := b.Render(RenderOptions{Color: false, Now: now})

	assert.Contains(t, out, "bob lease 30m0s")
}

func TestRenderTruncatesLongTitles(t *testing.T) {
	long := mkTask("DEMO-001", task.StatusReady, task.PriorityNormal,
		"A very long title that keeps going well past any reasonable column width for a terminal board view")
	long.Routing.Team = "ops"

	b := Build("demo", []*task.Task{long}, SwimlaneStatus)
	out := b.Render(RenderOptions{Color: false, Width: 60})

	assert.Contains(t, out, "…")
	assert.NotContains(t, out, "terminal board view")
}

func TestRenderAgentBoardShowsStatus(t *testing.T) {
	t1 := mkTask("DEMO-001", task.StatusInProgress, task.PriorityNormal, "Working")
	t1.Routing.Agent = "alice"

	b := Build("demo", []*task.Task{t1}, SwimlaneAgent)
	out := b.Render(RenderOptions{Color: false})

	assert.Contains(t, out, "alice (1)")
	assert.Contains(t, out, "in-progress", "rows carry the status when not grouped by it")
	assert.NotContains(t, out, "@alice", "the lane already names the agent")
}
