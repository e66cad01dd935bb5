package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/task"
	"github.com/randalmurphal/aof/internal/workflow"
)

var evalNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func devFlow(t *testing.T) *workflow.Workflow {
	t.Helper()
	reg, err := workflow.LoadDefaults()
	require.NoError(t, err)
	w, err := reg.Get("dev")
	require.NoError(t, err)
	return w
}

func customFlow(t *testing.T, strategy workflow.RejectionStrategy, gates ...workflow.Gate) *workflow.Workflow {
	t.Helper()
	w := &workflow.Workflow{Name: "custom", RejectionStrategy: strategy, Gates: gates}
	require.NoError(t, w.Validate())
	require.Empty(t, w.Compile())
	return w
}

func taskAtGate(status task.Status, gateID string, entered time.Time) *task.Task {
	tk := task.New("demo", "DEMO-20260824-001", "Wire the signup form", "cli")
	tk.Status = status
	tk.Routing = task.Routing{Workflow: "dev", Team: "platform", Role: "developer"}
	if gateID != "" {
		tk.Gate = &task.GateState{Current: gateID, Entered: entered}
	}
	return tk
}

func TestEvaluateRejectsWrongRole(t *testing.T) {
	w := customFlow(t, workflow.RejectToOrigin,
		workflow.Gate{ID: "implement", Role: "developer"},
		workflow.Gate{ID: "code-review", Role: "architect", CanReject: true},
	)
	tk := taskAtGate(task.StatusReview, "code-review", evalNow.Add(-time.Hour))
	before := tk.Clone()

	_, err := Evaluate(Input{
		Task:       tk,
		Workflow:   w,
		Outcome:    OutcomeComplete,
		CallerRole: "backend",
		Now:        evalNow,
	})
	require.Error(t, err)
	var aofErr *aoferrors.AOFError
	require.ErrorAs(t, err, &aofErr)
	assert.Equal(t, aoferrors.CodeGateUnauthorized, aofErr.Code)
	assert.Equal(t, before, tk, "evaluation must not touch the task")
}

func TestEvaluateSkipsDisabledGates(t *testing.T) {
	w := devFlow(t)
	tk := taskAtGate(task.StatusReview, "qa", evalNow.Add(-time.Hour))
	tk.Routing.Tags = nil

	d, err := Evaluate(Input{
		Task:       tk,
		Workflow:   w,
		Outcome:    OutcomeComplete,
		CallerRole: "qa",
		Summary:    "regression suite green",
		Now:        evalNow,
	})
	require.NoError(t, err)
	assert.Equal(t, "qa", d.FromGate)
	assert.Equal(t, "po-accept", d.ToGate)
	assert.Equal(t, []string{"security"}, d.SkippedGates)
	assert.False(t, d.Done)
	assert.Empty(t, d.Transition, "review stays review while gates remain")
	require.NotNil(t, d.History)
	assert.Equal(t, "qa", d.History.Gate)
	assert.Equal(t, string(OutcomeComplete), d.History.Outcome)
	assert.Equal(t, "regression suite green", d.History.Summary)
}

func TestEvaluateKeepsConditionalGateForTaggedTask(t *testing.T) {
	w := devFlow(t)
	tk := taskAtGate(task.StatusReview, "qa", evalNow.Add(-time.Hour))
	tk.Routing.Tags = []string{"security"}

	d, err := Evaluate(Input{
		Task:       tk,
		Workflow:   w,
		Outcome:    OutcomeComplete,
		CallerRole: "qa",
		Now:        evalNow,
	})
	require.NoError(t, err)
	assert.Equal(t, "security", d.ToGate)
	assert.Empty(t, d.SkippedGates)
}

func TestEvaluateRejectToOrigin(t *testing.T) {
	w := devFlow(t)
	tk := taskAtGate(task.StatusReview, "qa", evalNow.Add(-2*time.Hour))

	d, err := Evaluate(Input{
		Task:       tk,
		Workflow:   w,
		Outcome:    OutcomeNeedsReview,
		CallerRole: "qa",
		Notes:      "login flow drops the session cookie",
		Blockers:   []string{"fix session handling"},
		Now:        evalNow,
	})
	require.NoError(t, err)
	assert.Equal(t, "qa", d.FromGate)
	assert.Equal(t, "implement", d.ToGate)
	assert.Equal(t, task.StatusInProgress, d.Transition, "rejection to the working gate reopens the task")
	require.NotNil(t, d.ReviewContext)
	assert.Equal(t, "qa", d.ReviewContext.FromGate)
	assert.Equal(t, "qa", d.ReviewContext.FromRole)
	assert.Equal(t, "login flow drops the session cookie", d.ReviewContext.Notes)
	assert.Equal(t, []string{"fix session handling"}, d.ReviewContext.Blockers)
	require.NotNil(t, d.History)
	assert.Equal(t, string(OutcomeNeedsReview), d.History.Outcome)
	assert.Equal(t, int64((2 * time.Hour).Milliseconds()), d.History.DurationMs)
}

func TestEvaluateRejectToPrevious(t *testing.T) {
	w := customFlow(t, workflow.RejectToPrevious,
		workflow.Gate{ID: "implement", Role: "developer"},
		workflow.Gate{ID: "review", Role: "reviewer", CanReject: true},
		workflow.Gate{ID: "qa", Role: "qa", CanReject: true},
	)
	tk := taskAtGate(task.StatusReview, "qa", evalNow.Add(-time.Hour))

	d, err := Evaluate(Input{
		Task:       tk,
		Workflow:   w,
		Outcome:    OutcomeNeedsReview,
		CallerRole: "qa",
		Now:        evalNow,
	})
	require.NoError(t, err)
	assert.Equal(t, "review", d.ToGate)
	assert.Empty(t, d.Transition, "a mid-chain rejection target keeps the task in review")
}

func TestEvaluateRejectionNotAllowed(t *testing.T) {
	w := devFlow(t)
	tk := taskAtGate(task.StatusInProgress, "implement", evalNow.Add(-time.Hour))

	_, err := Evaluate(Input{
		Task:       tk,
		Workflow:   w,
		Outcome:    OutcomeNeedsReview,
		CallerRole: "developer",
		Now:        evalNow,
	})
	var aofErr *aoferrors.AOFError
	require.ErrorAs(t, err, &aofErr)
	assert.Equal(t, aoferrors.CodeRejectionNotAllowed, aofErr.Code)
}

func TestEvaluateExhaustedWorkflowCompletes(t *testing.T) {
	w := devFlow(t)
	tk := taskAtGate(task.StatusReview, "po-accept", evalNow.Add(-time.Hour))

	d, err := Evaluate(Input{
		Task:       tk,
		Workflow:   w,
		Outcome:    OutcomeComplete,
		CallerRole: "product",
		Now:        evalNow,
	})
	require.NoError(t, err)
	assert.True(t, d.Done)
	assert.Empty(t, d.ToGate)
	assert.Equal(t, task.StatusDone, d.Transition)
}

func TestEvaluateBlockedParksWithoutHistory(t *testing.T) {
	w := devFlow(t)
	tk := taskAtGate(task.StatusReview, "qa", evalNow.Add(-time.Hour))

	d, err := Evaluate(Input{
		Task:       tk,
		Workflow:   w,
		Outcome:    OutcomeBlocked,
		CallerRole: "qa",
		Notes:      "staging database is down",
		Blockers:   []string{"restore staging"},
		Now:        evalNow,
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, d.Transition)
	assert.Empty(t, d.ToGate, "blocking never moves the gate")
	assert.Nil(t, d.History, "blocking is not a gate visit")
	require.NotNil(t, d.ReviewContext)
	assert.Equal(t, "qa", d.ReviewContext.FromGate)
	assert.Equal(t, []string{"restore staging"}, d.ReviewContext.Blockers)
}

func TestEvaluateDiscoversFirstGate(t *testing.T) {
	w := devFlow(t)
	tk := taskAtGate(task.StatusInProgress, "", time.Time{})

	d, err := Evaluate(Input{
		Task:       tk,
		Workflow:   w,
		Outcome:    OutcomeComplete,
		CallerRole: "developer",
		Now:        evalNow,
	})
	require.NoError(t, err)
	assert.Equal(t, "implement", d.FromGate)
	assert.Equal(t, "code-review", d.ToGate)
	assert.Equal(t, task.StatusReview, d.Transition, "leaving the working gate enters review")
}

func TestEvaluateRequiresActiveStatus(t *testing.T) {
	w := devFlow(t)
	for _, status := range []task.Status{task.StatusBacklog, task.StatusReady, task.StatusBlocked, task.StatusDone} {
		tk := taskAtGate(status, "implement", evalNow)
		_, err := Evaluate(Input{Task: tk, Workflow: w, Outcome: OutcomeComplete, CallerRole: "developer", Now: evalNow})
		var aofErr *aoferrors.AOFError
		require.ErrorAs(t, err, &aofErr, "status %s", status)
		assert.Equal(t, aoferrors.CodeValidationFailed, aofErr.Code)
	}
}

func TestEvaluateUnknownCurrentGate(t *testing.T) {
	w := devFlow(t)
	tk := taskAtGate(task.StatusReview, "shipping", evalNow)

	_, err := Evaluate(Input{Task: tk, Workflow: w, Outcome: OutcomeComplete, CallerRole: "qa", Now: evalNow})
	var aofErr *aoferrors.AOFError
	require.ErrorAs(t, err, &aofErr)
	assert.Equal(t, aoferrors.CodeInvalidGate, aofErr.Code)
}

func TestEvaluateIsPure(t *testing.T) {
	w := devFlow(t)
	tk := taskAtGate(task.StatusReview, "qa", evalNow.Add(-time.Hour))
	before := tk.Clone()
	in := Input{Task: tk, Workflow: w, Outcome: OutcomeComplete, CallerRole: "qa", Now: evalNow}

	first, err := Evaluate(in)
	require.NoError(t, err)
	second, err := Evaluate(in)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, before, tk)
}

func TestDecisionApplyAdvance(t *testing.T) {
	w := devFlow(t)
	tk := taskAtGate(task.StatusReview, "qa", evalNow.Add(-time.Hour))
	tk.ReviewContext = &task.ReviewContext{FromGate: "code-review", Notes: "stale"}

	d, err := Evaluate(Input{Task: tk, Workflow: w, Outcome: OutcomeComplete, CallerRole: "qa", Now: evalNow})
	require.NoError(t, err)
	d.Apply(tk)

	require.NotNil(t, tk.Gate)
	assert.Equal(t, "po-accept", tk.Gate.Current)
	assert.Equal(t, evalNow, tk.Gate.Entered)
	require.Len(t, tk.GateHistory, 1)
	assert.Equal(t, "qa", tk.GateHistory[0].Gate)
	assert.Nil(t, tk.ReviewContext, "advancing clears stale rejection context")
}

func TestDecisionApplyDone(t *testing.T) {
	w := devFlow(t)
	tk := taskAtGate(task.StatusReview, "po-accept", evalNow.Add(-time.Hour))

	d, err := Evaluate(Input{Task: tk, Workflow: w, Outcome: OutcomeComplete, CallerRole: "product", Now: evalNow})
	require.NoError(t, err)
	d.Apply(tk)

	assert.Nil(t, tk.Gate, "a completed task sits at no gate")
	require.Len(t, tk.GateHistory, 1)
}

func TestDecisionApplyBlocked(t *testing.T) {
	w := devFlow(t)
	tk := taskAtGate(task.StatusReview, "qa", evalNow.Add(-time.Hour))

	d, err := Evaluate(Input{
		Task: tk, Workflow: w, Outcome: OutcomeBlocked,
		CallerRole: "qa", Blockers: []string{"restore staging"}, Now: evalNow,
	})
	require.NoError(t, err)
	d.Apply(tk)

	require.NotNil(t, tk.Gate)
	assert.Equal(t, "qa", tk.Gate.Current, "gate survives a block")
	assert.Empty(t, tk.GateHistory)
	require.NotNil(t, tk.ReviewContext)
	assert.Equal(t, []string{"restore staging"}, tk.ReviewContext.Blockers)
}
