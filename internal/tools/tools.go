// Package tools implements the agent-facing tool contracts: dispatch,
// task_update, task_complete and status_report. Each is a thin wrapper
// around the guarded store plus the event logger; task_complete is also
// the applier for gate evaluator decisions.
package tools

import (
	"fmt"
	"log/slog"
	"strings"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/events"
	"github.com/randalmurphal/aof/internal/gate"
	"github.com/randalmurphal/aof/internal/guard"
	"github.com/randalmurphal/aof/internal/task"
	"github.com/randalmurphal/aof/internal/workflow"
)

// DefaultReportLimit caps the task list in a status report.
const DefaultReportLimit = 20

// RoleResolver maps an agent to its functional role (developer, qa, ...)
// for gate authorization. Distinct from the guard's permission rows.
type RoleResolver func(agent string) string

// Deps wires the tool surface. Events and Roles may be nil.
type Deps struct {
	Guard     *guard.Guard
	Workflows *workflow.Registry
	Events    *events.Logger
	Roles     RoleResolver
	Logger    *slog.Logger
}

// Tools is the bound tool surface over one project.
type Tools struct {
	guard  *guard.Guard
	store  *task.Store
	flows  *workflow.Registry
	events *events.Logger
	roles  RoleResolver
	log    *slog.Logger
}

// New builds the tool surface.
func New(d Deps) *Tools {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Tools{
		guard:  d.Guard,
		store:  d.Guard.Store(),
		flows:  d.Workflows,
		events: d.Events,
		roles:  d.Roles,
		log:    log,
	}
}

func (tl *Tools) emit(typ events.EventType, actor, taskID string, payload map[string]any) {
	if tl.events != nil {
		tl.events.Emit(typ, actor, taskID, payload)
	}
}

func (tl *Tools) roleOf(agent string) string {
	if tl.roles == nil {
		return ""
	}
	return tl.roles(agent)
}

// DispatchParams describes a new unit of work.
type DispatchParams struct {
	Title     string            `json:"title"`
	Brief     string            `json:"brief,omitempty"`
	Priority  task.Priority     `json:"priority,omitempty"`
	Routing   task.Routing      `json:"routing,omitempty"`
	DependsOn []string          `json:"dependsOn,omitempty"`
	ParentID  string            `json:"parentId,omitempty"`
	Resource  string            `json:"resource,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Actor     string            `json:"actor"`
}

// Dispatch creates a task and moves it straight to ready.
func (tl *Tools) Dispatch(p DispatchParams) (*task.Task, error) {
	for _, dep := range p.DependsOn {
		if _, err := tl.store.Get(dep); err != nil {
			return nil, err
		}
	}
	if p.ParentID != "" {
		if _, err := tl.store.Get(p.ParentID); err != nil {
			return nil, err
		}
	}

	tk, err := tl.guard.Create(p.Actor, task.CreateRequest{
		Title:     p.Title,
		Body:      p.Brief,
		Priority:  p.Priority,
		Routing:   p.Routing,
		DependsOn: p.DependsOn,
		ParentID:  p.ParentID,
		Resource:  p.Resource,
		Metadata:  p.Metadata,
		CreatedBy: p.Actor,
	})
	if err != nil {
		return nil, err
	}
	tl.emit(events.EventTaskCreated, p.Actor, tk.ID, map[string]any{
		"title":    tk.Title,
		"priority": string(tk.GetPriority()),
		"team":     tk.Routing.Team,
		"agent":    tk.Routing.Agent,
	})

	// The ready hop is part of the dispatch contract; create permission
	// covers it.
	tk, err = tl.store.Transition(tk.ID, task.StatusReady,
		task.TransitionOpts{Agent: p.Actor, Reason: "dispatched"})
	if err != nil {
		return nil, err
	}
	tl.emit(events.EventTaskTransitioned, p.Actor, tk.ID, map[string]any{
		"from": string(task.StatusBacklog),
		"to":   string(task.StatusReady),
	})
	tl.log.Info("task dispatched", "task", tk.ID, "title", tk.Title, "actor", p.Actor)
	return tk, nil
}

// UpdateParams is a partial task mutation: body, status, or both.
type UpdateParams struct {
	ID     string      `json:"id"`
	Body   *string     `json:"body,omitempty"`
	Status task.Status `json:"status,omitempty"`
	Reason string      `json:"reason,omitempty"`
	Actor  string      `json:"actor"`
}

// TaskUpdate applies an optional body update and an optional single-edge
// status transition.
func (tl *Tools) TaskUpdate(p UpdateParams) (*task.Task, error) {
	tk, err := tl.store.Get(p.ID)
	if err != nil {
		return nil, err
	}

	if p.Body != nil {
		tk, err = tl.guard.UpdateBody(p.Actor, p.ID, *p.Body)
		if err != nil {
			return nil, err
		}
		tl.emit(events.EventTaskUpdated, p.Actor, p.ID, map[string]any{
			"field": "body",
		})
	}

	if p.Status == "" || p.Status == tk.Status {
		return tk, nil
	}

	from := tk.Status
	switch {
	case p.Status == task.StatusBlocked:
		tk, err = tl.guard.Block(p.Actor, p.ID, p.Reason)
		if err != nil {
			return nil, err
		}
		tl.emit(events.EventTaskBlocked, p.Actor, p.ID, map[string]any{
			"reason": p.Reason,
		})
	case from == task.StatusBlocked && p.Status == task.StatusReady:
		tk, err = tl.guard.Unblock(p.Actor, p.ID)
		if err != nil {
			return nil, err
		}
		tl.emit(events.EventTaskUnblocked, p.Actor, p.ID, nil)
	default:
		tk, err = tl.guard.Transition(p.Actor, p.ID, p.Status, p.Reason)
		if err != nil {
			return nil, err
		}
		tl.emit(events.EventTaskTransitioned, p.Actor, p.ID, map[string]any{
			"from":   string(from),
			"to":     string(p.Status),
			"reason": p.Reason,
		})
	}
	return tk, nil
}

// CompleteParams finishes the actor's work on a task. Outcome defaults to
// complete; needs_review and blocked drive the gate evaluator's rejection
// and parking paths.
type CompleteParams struct {
	ID       string       `json:"id"`
	Summary  string       `json:"summary,omitempty"`
	Outcome  gate.Outcome `json:"outcome,omitempty"`
	Notes    string       `json:"notes,omitempty"`
	Blockers []string     `json:"blockers,omitempty"`
	Actor    string       `json:"actor"`
}

// TaskComplete finishes work on a task.
//
// Tasks with live gate state advance exactly one gate: the evaluator
// authorizes the caller's functional role and decides the target status,
// and the tool walks legal graph edges to get there. Tasks without gate
// state take the stepped path to done (blocked is unblocked first, then
// in-progress → review → done edge by edge), which keeps back-door
// completions impossible.
func (tl *Tools) TaskComplete(p CompleteParams) (*task.Task, error) {
	tk, err := tl.store.Get(p.ID)
	if err != nil {
		return nil, err
	}
	if tk.IsTerminal() {
		return nil, aoferrors.ErrInvalidTransition(p.ID, string(tk.Status), string(task.StatusDone))
	}

	if tk.Gate != nil && tk.Gate.Current != "" {
		wf, err := tl.flows.Get(tk.Routing.Workflow)
		if err != nil {
			return nil, err
		}
		return tl.completeGated(tk, wf, p)
	}
	if p.Outcome != "" && p.Outcome != gate.OutcomeComplete {
		return nil, aoferrors.ErrValidationFailed("outcome",
			fmt.Sprintf("outcome %s requires live gate state", p.Outcome))
	}
	return tl.completeStepped(tk, p)
}

// completeGated runs one gate evaluation and applies the decision.
func (tl *Tools) completeGated(tk *task.Task, wf *workflow.Workflow, p CompleteParams) (*task.Task, error) {
	// A blocked gated task resumes its gate first: ready, then the status
	// the gate position implies.
	if tk.Status == task.StatusBlocked {
		var err error
		if tk, err = tl.resumeGated(tk, wf, p.Actor); err != nil {
			return nil, err
		}
	}

	outcome := p.Outcome
	if outcome == "" {
		outcome = gate.OutcomeComplete
	}
	dec, err := gate.Evaluate(gate.Input{
		Task:       tk,
		Workflow:   wf,
		Outcome:    outcome,
		CallerRole: tl.roleOf(p.Actor),
		Agent:      p.Actor,
		Summary:    p.Summary,
		Notes:      p.Notes,
		Blockers:   p.Blockers,
		Now:        task.Now(),
	})
	if err != nil {
		return nil, err
	}

	if _, err := tl.store.Mutate(tk.ID, func(x *task.Task) error {
		dec.Apply(x)
		if dec.Done && p.Summary != "" {
			if x.Metadata == nil {
				x.Metadata = make(map[string]string)
			}
			x.Metadata["completionSummary"] = p.Summary
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := tl.applyGateTransition(tk, dec, p); err != nil {
		return nil, err
	}

	switch outcome {
	case gate.OutcomeComplete:
		tl.emit(events.EventGatePassed, p.Actor, tk.ID, map[string]any{
			"gate":         dec.FromGate,
			"toGate":       dec.ToGate,
			"skippedGates": dec.SkippedGates,
			"done":         dec.Done,
			"summary":      p.Summary,
		})
	case gate.OutcomeNeedsReview:
		tl.emit(events.EventGateRejected, p.Actor, tk.ID, map[string]any{
			"fromGate": dec.FromGate,
			"toGate":   dec.ToGate,
			"notes":    p.Notes,
			"blockers": p.Blockers,
		})
	}
	return tl.store.Get(tk.ID)
}

// applyGateTransition walks legal status edges to the decision's target.
func (tl *Tools) applyGateTransition(tk *task.Task, dec gate.Decision, p CompleteParams) error {
	from := tk.Status
	hop := func(to task.Status, reason string) error {
		_, err := tl.store.Transition(tk.ID, to, task.TransitionOpts{Agent: p.Actor, Reason: reason})
		if err != nil {
			return err
		}
		tl.emit(events.EventTaskTransitioned, p.Actor, tk.ID, map[string]any{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		})
		from = to
		return nil
	}

	switch dec.Transition {
	case "":
		return nil
	case task.StatusBlocked:
		reason := p.Notes
		if reason == "" {
			reason = fmt.Sprintf("blocked at gate %s", dec.FromGate)
		}
		if len(p.Blockers) > 0 {
			reason += " (" + strings.Join(p.Blockers, ", ") + ")"
		}
		_, err := tl.store.Block(tk.ID, reason)
		if err != nil {
			return err
		}
		tl.emit(events.EventTaskBlocked, p.Actor, tk.ID, map[string]any{
			"reason": reason,
			"gate":   dec.FromGate,
		})
		return nil
	case task.StatusDone:
		// done is only reachable through review.
		if from == task.StatusInProgress {
			if err := hop(task.StatusReview, "gate "+dec.FromGate+" passed"); err != nil {
				return err
			}
		}
		return hop(task.StatusDone, "workflow complete")
	default:
		if from == dec.Transition {
			return nil
		}
		return hop(dec.Transition, "gate "+dec.FromGate+" evaluated")
	}
}

// resumeGated unparks a blocked gated task back to its gate's status.
func (tl *Tools) resumeGated(tk *task.Task, wf *workflow.Workflow, actor string) (*task.Task, error) {
	tk, err := tl.guard.Unblock(actor, tk.ID)
	if err != nil {
		return nil, err
	}
	tl.emit(events.EventTaskUnblocked, actor, tk.ID, nil)

	tk, err = tl.store.Transition(tk.ID, task.StatusInProgress,
		task.TransitionOpts{Agent: actor, Reason: "resume gate"})
	if err != nil {
		return nil, err
	}
	// Tasks parked at a later gate live in review, not in-progress.
	first, _ := wf.FirstEnabled(gate.PredicateInput(tk))
	if first == nil || tk.Gate == nil || first.ID != tk.Gate.Current {
		tk, err = tl.store.Transition(tk.ID, task.StatusReview,
			task.TransitionOpts{Agent: actor, Reason: "resume gate"})
		if err != nil {
			return nil, err
		}
	}
	return tk, nil
}

// completeStepped drives a gateless task to done edge by edge.
func (tl *Tools) completeStepped(tk *task.Task, p CompleteParams) (*task.Task, error) {
	if tk.Status == task.StatusBlocked {
		var err error
		tk, err = tl.guard.Unblock(p.Actor, tk.ID)
		if err != nil {
			return nil, err
		}
		tl.emit(events.EventTaskUnblocked, p.Actor, tk.ID, nil)
	}

	steps := map[task.Status][]task.Status{
		task.StatusBacklog:    {task.StatusReady, task.StatusInProgress, task.StatusReview, task.StatusDone},
		task.StatusReady:      {task.StatusInProgress, task.StatusReview, task.StatusDone},
		task.StatusInProgress: {task.StatusReview, task.StatusDone},
		task.StatusReview:     {task.StatusDone},
	}
	from := tk.Status
	for _, to := range steps[tk.Status] {
		next, err := tl.guard.Transition(p.Actor, tk.ID, to, "completing")
		if err != nil {
			return nil, err
		}
		tl.emit(events.EventTaskTransitioned, p.Actor, tk.ID, map[string]any{
			"from": string(from),
			"to":   string(to),
		})
		from = to
		tk = next
	}

	if p.Summary != "" {
		var err error
		tk, err = tl.store.Mutate(tk.ID, func(x *task.Task) error {
			if x.Metadata == nil {
				x.Metadata = make(map[string]string)
			}
			x.Metadata["completionSummary"] = p.Summary
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	tl.log.Info("task completed", "task", tk.ID, "actor", p.Actor)
	return tk, nil
}

// ReportParams filters a status report.
type ReportParams struct {
	Agent   string      `json:"agent,omitempty"`
	Status  task.Status `json:"status,omitempty"`
	Compact bool        `json:"compact,omitempty"`
	Limit   int         `json:"limit,omitempty"`
}

// TaskSummary is one row of a status report.
type TaskSummary struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Status   task.Status   `json:"status"`
	Priority task.Priority `json:"priority"`
	Agent    string        `json:"agent,omitempty"`
	Team     string        `json:"team,omitempty"`
	Gate     string        `json:"gate,omitempty"`
}

// Report is the read-only tool response.
type Report struct {
	Project   string         `json:"project"`
	Counts    map[string]int `json:"counts"`
	Total     int            `json:"total"`
	Tasks     []TaskSummary  `json:"tasks,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
}

// StatusReport returns counts and a capped task list.
func (tl *Tools) StatusReport(p ReportParams) *Report {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultReportLimit
	}

	rep := &Report{
		Project: tl.store.Project(),
		Counts:  make(map[string]int),
	}
	for st, n := range tl.store.CountByStatus() {
		rep.Counts[string(st)] = n
		rep.Total += n
	}
	if p.Compact {
		return rep
	}

	list := tl.store.List(task.Filter{Status: p.Status, Agent: p.Agent})
	for _, t := range list {
		if len(rep.Tasks) >= limit {
			rep.Truncated = true
			break
		}
		row := TaskSummary{
			ID:       t.ID,
			Title:    t.Title,
			Status:   t.Status,
			Priority: t.GetPriority(),
			Team:     t.Routing.Team,
		}
		if t.Lease != nil {
			row.Agent = t.Lease.Agent
		} else {
			row.Agent = t.Routing.Agent
		}
		if t.Gate != nil {
			row.Gate = t.Gate.Current
		}
		rep.Tasks = append(rep.Tasks, row)
	}
	return rep
}
