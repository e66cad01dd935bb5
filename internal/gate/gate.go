// Package gate turns review-gate outcomes into transition decisions.
// Evaluate is a pure function over its input; callers apply the returned
// decision to the store in a single write.
package gate

import (
	"time"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/task"
	"github.com/randalmurphal/aof/internal/workflow"
)

// Outcome is what the caller reports about the task at its current gate.
type Outcome string

const (
	// OutcomeComplete approves the gate and advances the task.
	OutcomeComplete Outcome = "complete"
	// OutcomeNeedsReview rejects the task back along the workflow.
	OutcomeNeedsReview Outcome = "needs_review"
	// OutcomeBlocked parks the task without advancing its gate.
	OutcomeBlocked Outcome = "blocked"
)

// Input is the full evaluation context. Evaluate reads it and never
// mutates the task.
type Input struct {
	Task     *task.Task
	Workflow *workflow.Workflow

	Outcome    Outcome
	CallerRole string
	Agent      string

	Summary  string
	Notes    string
	Blockers []string

	Now time.Time
}

// Decision describes the mutations a gate outcome implies. Transition names
// the status the task should end up in; appliers walk legal graph edges to
// get there. An empty Transition means the status does not change.
type Decision struct {
	Transition task.Status

	FromGate     string
	ToGate       string
	SkippedGates []string

	// Done is set when the workflow is exhausted and the task completes.
	Done bool

	History       *task.GateHistoryEntry
	ReviewContext *task.ReviewContext

	// At is the evaluation instant; the new gate's entered timestamp.
	At time.Time
}

// Apply writes the decision's gate, history and review-context mutations
// onto a task in memory. Status changes are the caller's job.
func (d Decision) Apply(t *task.Task) {
	if d.History != nil {
		t.GateHistory = append(t.GateHistory, *d.History)
	}
	switch {
	case d.Done:
		t.Gate = nil
	case d.ToGate != "":
		t.Gate = &task.GateState{Current: d.ToGate, Entered: d.At}
	}
	if d.ReviewContext != nil {
		t.ReviewContext = d.ReviewContext
	} else if d.Outgoing() {
		t.ReviewContext = nil
	}
}

// Outgoing reports whether the decision moves the task forward (approve),
// as opposed to rejecting or blocking it.
func (d Decision) Outgoing() bool {
	return d.ReviewContext == nil && (d.Done || d.ToGate != "")
}

// PredicateInput builds the when-expression view of a task.
func PredicateInput(t *task.Task) workflow.PredicateInput {
	return workflow.PredicateInput{
		Role:     t.Routing.Role,
		Team:     t.Routing.Team,
		Priority: string(t.GetPriority()),
		Agent:    t.Routing.Agent,
		Workflow: t.Routing.Workflow,
		Tags:     t.Routing.Tags,
	}
}

// Current resolves the task's current gate: gate.current when set, else the
// first when-enabled gate of the workflow.
func Current(t *task.Task, w *workflow.Workflow) (*workflow.Gate, error) {
	if t.Gate != nil && t.Gate.Current != "" {
		g := w.Gate(t.Gate.Current)
		if g == nil {
			return nil, aoferrors.ErrInvalidGate(t.Gate.Current, w.Name)
		}
		return g, nil
	}
	g, _ := w.FirstEnabled(PredicateInput(t))
	if g == nil {
		return nil, aoferrors.ErrInvalidGate("", w.Name)
	}
	return g, nil
}

// Evaluate applies the gate decision rules. It returns the mutations to
// perform or an authorization/validation error; the task is never touched.
func Evaluate(in Input) (Decision, error) {
	t := in.Task
	w := in.Workflow
	now := in.Now
	if now.IsZero() {
		now = task.Now()
	}

	switch t.Status {
	case task.StatusInProgress, task.StatusReview:
	default:
		return Decision{}, aoferrors.ErrValidationFailed(t.ID,
			"gate outcomes apply to in-progress or review tasks, not "+string(t.Status))
	}

	cur, err := Current(t, w)
	if err != nil {
		return Decision{}, err
	}

	if in.CallerRole != cur.Role {
		return Decision{}, aoferrors.ErrGateUnauthorized(cur.ID, cur.Role, in.CallerRole)
	}
	if in.Outcome == OutcomeNeedsReview && !cur.CanReject {
		return Decision{}, aoferrors.ErrRejectionNotAllowed(cur.ID)
	}

	pin := PredicateInput(t)
	entered := now
	if t.Gate != nil && !t.Gate.Entered.IsZero() {
		entered = t.Gate.Entered
	}
	history := func(outcome Outcome) *task.GateHistoryEntry {
		return &task.GateHistoryEntry{
			Gate:       cur.ID,
			Role:       in.CallerRole,
			Entered:    entered,
			Exited:     now,
			Outcome:    string(outcome),
			Summary:    in.Summary,
			Blockers:   in.Blockers,
			DurationMs: now.Sub(entered).Milliseconds(),
		}
	}

	switch in.Outcome {
	case OutcomeComplete:
		next, skipped := nextEnabled(w, cur.ID, pin)
		d := Decision{
			FromGate:     cur.ID,
			SkippedGates: skipped,
			History:      history(OutcomeComplete),
			At:           now,
		}
		if next == nil {
			d.Done = true
			d.Transition = task.StatusDone
			return d, nil
		}
		d.ToGate = next.ID
		if t.Status == task.StatusInProgress {
			d.Transition = task.StatusReview
		}
		return d, nil

	case OutcomeNeedsReview:
		target := rejectionTarget(w, cur.ID, pin)
		d := Decision{
			FromGate: cur.ID,
			ToGate:   target.ID,
			History:  history(OutcomeNeedsReview),
			ReviewContext: &task.ReviewContext{
				FromGate: cur.ID,
				FromRole: in.CallerRole,
				Notes:    in.Notes,
				Blockers: in.Blockers,
			},
			At: now,
		}
		first, _ := w.FirstEnabled(pin)
		if first != nil && target.ID == first.ID {
			// Back to the working gate: the task is reworked.
			if t.Status != task.StatusInProgress {
				d.Transition = task.StatusInProgress
			}
		} else if t.Status != task.StatusReview {
			d.Transition = task.StatusReview
		}
		return d, nil

	case OutcomeBlocked:
		return Decision{
			FromGate:   cur.ID,
			Transition: task.StatusBlocked,
			ReviewContext: &task.ReviewContext{
				FromGate: cur.ID,
				FromRole: in.CallerRole,
				Notes:    in.Notes,
				Blockers: in.Blockers,
			},
			At: now,
		}, nil

	default:
		return Decision{}, aoferrors.ErrValidationFailed(t.ID, "unknown gate outcome "+string(in.Outcome))
	}
}

// nextEnabled walks forward from the gate after cur, skipping disabled
// gates, and returns the first enabled gate plus everything skipped.
func nextEnabled(w *workflow.Workflow, cur string, pin workflow.PredicateInput) (*workflow.Gate, []string) {
	idx := w.GateIndex(cur)
	var skipped []string
	for i := idx + 1; i < len(w.Gates); i++ {
		g := &w.Gates[i]
		if g.Enabled(pin) {
			return g, skipped
		}
		skipped = append(skipped, g.ID)
	}
	return nil, skipped
}

// rejectionTarget resolves where a rejection sends the task: the first
// enabled gate for origin, the nearest prior enabled gate for previous.
// With nothing prior, previous degrades to origin.
func rejectionTarget(w *workflow.Workflow, cur string, pin workflow.PredicateInput) *workflow.Gate {
	first, _ := w.FirstEnabled(pin)
	if w.Strategy() == workflow.RejectToPrevious {
		idx := w.GateIndex(cur)
		for i := idx - 1; i >= 0; i-- {
			if w.Gates[i].Enabled(pin) {
				return &w.Gates[i]
			}
		}
	}
	if first == nil {
		// Degenerate: nothing enabled at all; stay put.
		return w.Gate(cur)
	}
	return first
}
