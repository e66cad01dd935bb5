// Package scheduler implements the poll cycle: snapshot the store, expire
// leases, escalate overdue gates, plan dispatches under the throttle, and
// execute the resulting actions. Exactly one poll runs at a time; the
// supervisor owns the cadence.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/randalmurphal/aof/internal/config"
	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/events"
	"github.com/randalmurphal/aof/internal/executor"
	"github.com/randalmurphal/aof/internal/gate"
	"github.com/randalmurphal/aof/internal/lease"
	"github.com/randalmurphal/aof/internal/metrics"
	"github.com/randalmurphal/aof/internal/task"
	"github.com/randalmurphal/aof/internal/throttle"
	"github.com/randalmurphal/aof/internal/util"
	"github.com/randalmurphal/aof/internal/workflow"
)

// ActionType names one kind of scheduler action.
type ActionType string

const (
	ActionExpireLease    ActionType = "expire_lease"
	ActionBlock          ActionType = "block"
	ActionAssign         ActionType = "assign"
	ActionAlert          ActionType = "alert"
	ActionStaleHeartbeat ActionType = "stale_heartbeat"
	ActionSLAViolation   ActionType = "sla_violation"
	ActionDeadletter     ActionType = "deadletter"
)

// executionOrder fixes the pass order of step 7: expiries free capacity
// before dispatches; advisories and deadletters run last.
var executionOrder = [][]ActionType{
	{ActionExpireLease},
	{ActionBlock},
	{ActionAssign},
	{ActionAlert, ActionStaleHeartbeat, ActionSLAViolation},
	{ActionDeadletter},
}

// Action is one planned mutation or advisory.
type Action struct {
	Type   ActionType `json:"type"`
	TaskID string     `json:"taskId"`
	Agent  string     `json:"agent,omitempty"`
	Team   string     `json:"team,omitempty"`
	Gate   string     `json:"gate,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// Stats is the task population of one poll snapshot.
type Stats struct {
	Total      int `json:"total"`
	Backlog    int `json:"backlog"`
	Ready      int `json:"ready"`
	InProgress int `json:"inProgress"`
	Blocked    int `json:"blocked"`
	Review     int `json:"review"`
	Done       int `json:"done"`
}

// PollResult summarizes one poll cycle.
type PollResult struct {
	ScannedAt       time.Time `json:"scannedAt"`
	DurationMs      int64     `json:"durationMs"`
	DryRun          bool      `json:"dryRun"`
	Actions         []Action  `json:"actions"`
	Stats           Stats     `json:"stats"`
	ActionsExecuted int       `json:"actionsExecuted"`
	ActionsFailed   int       `json:"actionsFailed"`

	// BlockedBySubtasks lists ready tasks skipped for unmet dependencies;
	// CircularDeps lists ready tasks sitting on a dependency cycle.
	BlockedBySubtasks []string `json:"blockedBySubtasks,omitempty"`
	CircularDeps      []string `json:"circularDeps,omitempty"`
}

// AgentResolver maps a task's team and role to a default agent when the
// routing pins none. The org chart provides the usual implementation.
type AgentResolver func(team, role string) string

// DefaultAgent is assigned when neither routing nor the resolver names one.
const DefaultAgent = "auto"

// dispatchFailuresKey is the metadata counter of consecutive spawn
// failures; it resets on the first successful dispatch.
const dispatchFailuresKey = "dispatchFailures"

// Deps wires a scheduler. Events and ResolveAgent may be nil.
type Deps struct {
	Store        *task.Store
	Leases       *lease.Manager
	Throttle     *throttle.Controller
	Workflows    *workflow.Registry
	Executor     executor.Executor
	Events       *events.Logger
	Config       config.SchedulerConfig
	Logger       *slog.Logger
	ResolveAgent AgentResolver
}

// Scheduler plans and executes poll actions over a single project store.
type Scheduler struct {
	store     *task.Store
	leases    *lease.Manager
	throttle  *throttle.Controller
	workflows *workflow.Registry
	exec      executor.Executor
	events    *events.Logger
	cfg       config.SchedulerConfig
	log       *slog.Logger
	resolve   AgentResolver
}

// New builds a scheduler from its dependencies.
func New(d Deps) *Scheduler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:     d.Store,
		leases:    d.Leases,
		throttle:  d.Throttle,
		workflows: d.Workflows,
		exec:      d.Executor,
		events:    d.Events,
		cfg:       d.Config,
		log:       log,
		resolve:   d.ResolveAgent,
	}
}

// Poll runs one cycle over a consistent snapshot. In dry-run mode nothing
// mutates: expiry and alert actions are reported, dispatch planning is
// skipped entirely. The error return is reserved for an aborted poll
// (cancelled or timed-out context); per-action failures are counted in the
// result instead.
func (s *Scheduler) Poll(ctx context.Context, dryRun bool) (*PollResult, error) {
	start := time.Now()
	now := task.Now()
	defer func() {
		metrics.SchedulerLoopDuration.Observe(time.Since(start).Seconds())
	}()

	// 1. Snapshot.
	all := s.store.List(task.Filter{})
	byID := make(map[string]*task.Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}
	res := &PollResult{
		ScannedAt: now,
		DryRun:    dryRun,
		Stats:     computeStats(all),
	}
	metrics.ObserveTasks(all)

	// 2. Children index.
	children := task.ChildrenByParent(all)
	if held := heldParents(all, children); held > 0 {
		s.log.Debug("parents held open by children", "count", held)
	}

	// 3. Resource occupancy.
	occupied := make(map[string]string)
	teamInProgress := make(map[string]int)
	for _, t := range all {
		if t.Status != task.StatusInProgress {
			continue
		}
		if t.Resource != "" {
			occupied[t.Resource] = t.ID
		}
		if t.Routing.Team != "" {
			teamInProgress[t.Routing.Team]++
		}
	}

	// 4. Lease expiry.
	res.Actions = append(res.Actions, s.planExpiries(all, now)...)

	// 5. Gate timeouts.
	res.Actions = append(res.Actions, s.planGateTimeouts(all, now, dryRun)...)

	// 6. Dispatch planning.
	if !dryRun {
		s.throttle.BeginPoll()
		res.Actions = append(res.Actions,
			s.planDispatches(ctx, res, all, byID, occupied, teamInProgress, now)...)
	}

	// 7. Execute.
	if !dryRun {
		s.execute(ctx, res, now)
	}

	// 8. Result.
	res.DurationMs = time.Since(start).Milliseconds()
	return res, ctx.Err()
}

func computeStats(all []*task.Task) Stats {
	st := Stats{Total: len(all)}
	for _, t := range all {
		switch t.Status {
		case task.StatusBacklog:
			st.Backlog++
		case task.StatusReady:
			st.Ready++
		case task.StatusInProgress:
			st.InProgress++
		case task.StatusBlocked:
			st.Blocked++
		case task.StatusReview:
			st.Review++
		case task.StatusDone:
			st.Done++
		}
	}
	return st
}

func heldParents(all []*task.Task, children map[string][]*task.Task) int {
	held := 0
	for _, t := range all {
		if t.Status == task.StatusReview && task.HasOpenChildren(t.ID, children) {
			held++
		}
	}
	return held
}

// planExpiries finds every in-progress or blocked task whose lease ran out.
func (s *Scheduler) planExpiries(all []*task.Task, now time.Time) []Action {
	var actions []Action
	for _, t := range all {
		if t.Status != task.StatusInProgress && t.Status != task.StatusBlocked {
			continue
		}
		if t.Lease == nil || t.Lease.Active(now) {
			continue
		}
		overdue := now.Sub(t.Lease.ExpiresAt).Truncate(time.Second)
		actions = append(actions, Action{
			Type:   ActionExpireLease,
			TaskID: t.ID,
			Agent:  t.Lease.Agent,
			Reason: fmt.Sprintf("lease expired: agent %s overdue by %s", t.Lease.Agent, overdue),
		})
	}
	return actions
}

// planGateTimeouts escalates tasks that sat at a gate past its timeout.
// Escalation rewrites the routing role, records a history entry and
// restarts the gate clock, so a still-stuck task escalates again only
// after another full timeout. Without an escalation role only the alert
// fires.
func (s *Scheduler) planGateTimeouts(all []*task.Task, now time.Time, dryRun bool) []Action {
	var actions []Action
	for _, t := range all {
		if t.Status != task.StatusInProgress && t.Status != task.StatusReview {
			continue
		}
		if t.Gate == nil || t.Gate.Current == "" {
			continue
		}
		wf, err := s.workflows.Get(t.Routing.Workflow)
		if err != nil {
			s.log.Warn("task references unknown workflow",
				"task", t.ID, "workflow", t.Routing.Workflow)
			continue
		}
		g := wf.Gate(t.Gate.Current)
		if g == nil || g.Timeout.Std() <= 0 {
			continue
		}
		overdue := now.Sub(t.Gate.Entered) - g.Timeout.Std()
		if overdue <= 0 {
			continue
		}

		actions = append(actions, Action{
			Type:   ActionAlert,
			TaskID: t.ID,
			Gate:   g.ID,
			Team:   t.Routing.Team,
			Reason: fmt.Sprintf("gate %s timed out after %s", g.ID, g.Timeout.Std()),
		})
		if dryRun {
			continue
		}

		metrics.GateTimeouts.WithLabelValues(s.store.Project(), wf.Name, g.ID).Inc()
		if g.EscalateTo != "" {
			s.escalate(t, wf, g, now)
		}
		if s.events != nil {
			s.events.Emit(events.EventGateTimeout, "scheduler", t.ID, map[string]any{
				"gate":        g.ID,
				"workflow":    wf.Name,
				"timeout":     g.Timeout.Std().String(),
				"overdueMs":   overdue.Milliseconds(),
				"escalatedTo": g.EscalateTo,
			})
		}
	}
	return actions
}

func (s *Scheduler) escalate(t *task.Task, wf *workflow.Workflow, g *workflow.Gate, now time.Time) {
	_, err := s.store.Mutate(t.ID, func(tk *task.Task) error {
		if tk.Gate == nil || tk.Gate.Current != g.ID {
			return nil // moved on since the snapshot
		}
		tk.GateHistory = append(tk.GateHistory, task.GateHistoryEntry{
			Gate:       g.ID,
			Role:       tk.Routing.Role,
			Entered:    tk.Gate.Entered,
			Exited:     now,
			Outcome:    "gate_timeout",
			Summary:    fmt.Sprintf("escalated to %s after timeout", g.EscalateTo),
			DurationMs: now.Sub(tk.Gate.Entered).Milliseconds(),
		})
		tk.Routing.Role = g.EscalateTo
		tk.Gate.Entered = now
		return nil
	})
	if err != nil {
		s.log.Error("gate escalation failed", "task", t.ID, "gate", g.ID, "error", err)
		return
	}
	metrics.GateEscalations.WithLabelValues(s.store.Project(), wf.Name, g.ID, g.EscalateTo).Inc()
	s.log.Info("gate escalated",
		"task", t.ID, "gate", g.ID, "to_role", g.EscalateTo)
}

// planDispatches walks ready tasks in dispatch order and plans assigns
// until the throttle says stop. Planned assigns consume throttle tokens
// and occupy resources immediately so later candidates see them.
func (s *Scheduler) planDispatches(
	ctx context.Context,
	res *PollResult,
	all []*task.Task,
	byID map[string]*task.Task,
	occupied map[string]string,
	teamInProgress map[string]int,
	now time.Time,
) []Action {
	var ready []*task.Task
	for _, t := range all {
		if t.Status == task.StatusReady {
			ready = append(ready, t)
		}
	}
	task.SortForDispatch(ready)

	var actions []Action
	for _, t := range ready {
		if ctx.Err() != nil {
			break
		}
		// A cycle classifies before the plain unmet-deps skip; a task on
		// a cycle always has unmet deps, so the order matters.
		if cycle := task.FindCycle(t.ID, byID); cycle != nil {
			res.CircularDeps = append(res.CircularDeps, t.ID)
			actions = append(actions, Action{
				Type:   ActionBlock,
				TaskID: t.ID,
				Reason: "circular_dep",
			})
			continue
		}
		if unmet := t.GetUnmetDependencies(byID); len(unmet) > 0 {
			res.BlockedBySubtasks = append(res.BlockedBySubtasks, t.ID)
			continue
		}
		if t.Resource != "" {
			if holder, busy := occupied[t.Resource]; busy {
				s.log.Debug("resource occupied",
					"task", t.ID, "resource", t.Resource, "holder", holder)
				continue
			}
		}

		verdict := s.throttle.Check(throttle.CheckParams{
			Team:           t.Routing.Team,
			InProgress:     res.Stats.InProgress,
			TeamInProgress: teamInProgress[t.Routing.Team],
			Now:            now,
		})
		if !verdict.Allowed {
			s.log.Debug("throttled, stopping dispatch planning",
				"task", t.ID, "reason", verdict.Reason, "waitMs", verdict.WaitMs)
			break
		}
		s.throttle.MarkDispatched(t.Routing.Team, now)

		agent := s.agentFor(t)
		actions = append(actions, Action{
			Type:   ActionAssign,
			TaskID: t.ID,
			Agent:  agent,
			Team:   t.Routing.Team,
			Gate:   s.entryGate(t),
		})
		if t.Resource != "" {
			occupied[t.Resource] = t.ID
		}
		if t.Routing.Team != "" {
			teamInProgress[t.Routing.Team]++
		}
	}
	return actions
}

func (s *Scheduler) agentFor(t *task.Task) string {
	if t.Routing.Agent != "" {
		return t.Routing.Agent
	}
	if s.resolve != nil {
		if agent := s.resolve(t.Routing.Team, t.Routing.Role); agent != "" {
			return agent
		}
	}
	return DefaultAgent
}

// entryGate resolves the gate a dispatched task starts at.
func (s *Scheduler) entryGate(t *task.Task) string {
	if t.Gate != nil && t.Gate.Current != "" {
		return t.Gate.Current
	}
	wf, err := s.workflows.Get(t.Routing.Workflow)
	if err != nil {
		return ""
	}
	g, _ := wf.FirstEnabled(gate.PredicateInput(t))
	if g == nil {
		return ""
	}
	return g.ID
}

// execute runs the planned actions in the fixed pass order. Every action is
// crash-isolated: a panic or error is recorded and the poll moves on.
func (s *Scheduler) execute(ctx context.Context, res *PollResult, now time.Time) {
	queue := res.Actions
	for _, group := range executionOrder {
		for i := 0; i < len(queue); i++ {
			a := queue[i]
			if !typeIn(a.Type, group) {
				continue
			}
			extra, err := s.runAction(ctx, a, now)
			if err != nil {
				res.ActionsFailed++
				s.log.Error("action failed",
					"type", a.Type, "task", a.TaskID, "error", err)
			} else {
				res.ActionsExecuted++
			}
			if len(extra) > 0 {
				queue = append(queue, extra...)
				res.Actions = queue
			}
		}
	}
}

func typeIn(t ActionType, group []ActionType) bool {
	for _, g := range group {
		if t == g {
			return true
		}
	}
	return false
}

// runAction executes one action, converting panics into errors. Follow-up
// actions (a deadletter after exhausted dispatch failures) are returned
// for the later passes.
func (s *Scheduler) runAction(ctx context.Context, a Action, now time.Time) (extra []Action, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = aoferrors.ErrInternal(
				fmt.Sprintf("action %s on %s panicked", a.Type, a.TaskID),
				fmt.Errorf("%v", r))
		}
	}()

	switch a.Type {
	case ActionExpireLease:
		return nil, s.runExpireLease(ctx, a, now)
	case ActionBlock:
		return nil, s.runBlock(ctx, a)
	case ActionAssign:
		return s.runAssign(ctx, a)
	case ActionAlert, ActionStaleHeartbeat, ActionSLAViolation:
		s.emitAdvisory(a)
		return nil, nil
	case ActionDeadletter:
		return nil, s.runDeadletter(ctx, a)
	default:
		return nil, aoferrors.ErrInternal(fmt.Sprintf("unknown action type %q", a.Type), nil)
	}
}

// runExpireLease clears an expired lease. The persisted lease field is the
// source of truth: a renewal that landed since the snapshot keeps the lease
// and the expiry becomes a no-op.
func (s *Scheduler) runExpireLease(ctx context.Context, a Action, now time.Time) error {
	expired := false
	err := s.retry(ctx, func() error {
		_, err := s.store.Mutate(a.TaskID, func(t *task.Task) error {
			expired = false
			if t.Lease == nil || t.Lease.Active(task.Now()) {
				return nil
			}
			if t.Status == task.StatusBlocked {
				// Blocked tasks keep their status; record why the
				// lease vanished.
				if t.Metadata == nil {
					t.Metadata = make(map[string]string)
				}
				t.Metadata["leaseExpired"] = a.Reason
			}
			t.Lease = nil
			expired = true
			return nil
		})
		return err
	})
	if err != nil || !expired {
		return err
	}

	s.leases.StopRenewal(a.TaskID)

	t, err := s.store.Get(a.TaskID)
	if err != nil {
		return err
	}
	if t.Status == task.StatusInProgress {
		err = s.retry(ctx, func() error {
			_, terr := s.store.Transition(a.TaskID, task.StatusReady,
				task.TransitionOpts{Agent: "scheduler", Reason: a.Reason})
			return terr
		})
		if err != nil {
			return err
		}
	}
	if s.events != nil {
		s.events.Emit(events.EventLeaseExpired, "scheduler", a.TaskID, map[string]any{
			"agent":  a.Agent,
			"reason": a.Reason,
		})
	}
	return nil
}

func (s *Scheduler) runBlock(ctx context.Context, a Action) error {
	err := s.retry(ctx, func() error {
		_, berr := s.store.Block(a.TaskID, a.Reason)
		return berr
	})
	if err != nil {
		return err
	}
	if s.events != nil {
		s.events.Emit(events.EventTaskBlocked, "scheduler", a.TaskID, map[string]any{
			"reason": a.Reason,
		})
	}
	return nil
}

// runAssign dispatches one ready task: lease, transition, renewal timer,
// spawn. A lost acquire race fails fast; a spawn failure rolls everything
// back and counts toward the deadletter threshold.
func (s *Scheduler) runAssign(ctx context.Context, a Action) ([]Action, error) {
	if _, err := s.leases.Acquire(a.TaskID, a.Agent, 0); err != nil {
		return nil, err
	}

	err := s.retry(ctx, func() error {
		_, terr := s.store.Transition(a.TaskID, task.StatusInProgress,
			task.TransitionOpts{Agent: a.Agent, Reason: "dispatched"})
		return terr
	})
	if err != nil {
		releaseErr := s.leases.Release(a.TaskID, a.Agent)
		if releaseErr != nil {
			s.log.Error("lease release after failed transition",
				"task", a.TaskID, "error", releaseErr)
		}
		return nil, err
	}

	// Entering in-progress is where the working gate starts ticking.
	if a.Gate != "" {
		_, err = s.store.Mutate(a.TaskID, func(t *task.Task) error {
			if t.Gate == nil || t.Gate.Current == "" {
				t.Gate = &task.GateState{Current: a.Gate, Entered: task.Now()}
			}
			return nil
		})
		if err != nil {
			s.log.Warn("gate init failed", "task", a.TaskID, "error", err)
		}
	}

	s.leases.StartRenewal(a.TaskID, a.Agent, 0)

	t, err := s.store.Get(a.TaskID)
	if err != nil {
		return nil, err
	}
	spawn, spawnErr := s.exec.Spawn(ctx, executor.ContextFor(t, a.Agent, a.Gate))
	if spawnErr != nil {
		return s.rollbackAssign(ctx, a, spawnErr)
	}

	// Success resets the consecutive-failure counter.
	if _, ok := t.Metadata[dispatchFailuresKey]; ok {
		_, _ = s.store.Mutate(a.TaskID, func(tk *task.Task) error {
			delete(tk.Metadata, dispatchFailuresKey)
			return nil
		})
	}

	if s.events != nil {
		s.events.Emit(events.EventTaskTransitioned, a.Agent, a.TaskID, map[string]any{
			"from":   string(task.StatusReady),
			"to":     string(task.StatusInProgress),
			"reason": "dispatched",
		})
		s.events.Emit(events.EventDispatchRequested, "scheduler", a.TaskID, map[string]any{
			"agent":     a.Agent,
			"team":      a.Team,
			"gate":      a.Gate,
			"sessionId": spawn.SessionID,
		})
	}
	s.log.Info("task dispatched",
		"task", a.TaskID, "agent", a.Agent, "session", spawn.SessionID)
	return nil, nil
}

// rollbackAssign undoes a dispatch whose spawn failed and decides whether
// the task has earned the deadletter bucket.
func (s *Scheduler) rollbackAssign(ctx context.Context, a Action, spawnErr error) ([]Action, error) {
	if err := s.leases.Release(a.TaskID, a.Agent); err != nil {
		s.log.Error("lease release after failed spawn", "task", a.TaskID, "error", err)
	}
	err := s.retry(ctx, func() error {
		_, terr := s.store.Transition(a.TaskID, task.StatusReady,
			task.TransitionOpts{Agent: "scheduler", Reason: "dispatch failed: " + spawnErr.Error()})
		return terr
	})
	if err != nil {
		s.log.Error("revert after failed spawn", "task", a.TaskID, "error", err)
	}

	failures := 0
	_, merr := s.store.Mutate(a.TaskID, func(t *task.Task) error {
		failures, _ = strconv.Atoi(t.Metadata[dispatchFailuresKey])
		failures++
		if t.Metadata == nil {
			t.Metadata = make(map[string]string)
		}
		t.Metadata[dispatchFailuresKey] = strconv.Itoa(failures)
		return nil
	})
	if merr != nil {
		s.log.Error("failure counter update", "task", a.TaskID, "error", merr)
	}

	metrics.DispatchFailures.WithLabelValues(a.Agent).Inc()
	if s.events != nil {
		s.events.Emit(events.EventDispatchFailed, "scheduler", a.TaskID, map[string]any{
			"agent":    a.Agent,
			"error":    spawnErr.Error(),
			"failures": failures,
		})
	}

	var extra []Action
	if s.cfg.DeadletterAfter > 0 && failures >= s.cfg.DeadletterAfter {
		extra = append(extra, Action{
			Type:   ActionDeadletter,
			TaskID: a.TaskID,
			Agent:  a.Agent,
			Reason: fmt.Sprintf("%d consecutive dispatch failures, last: %v", failures, spawnErr),
		})
	}
	return extra, fmt.Errorf("spawn %s: %w", a.TaskID, spawnErr)
}

func (s *Scheduler) runDeadletter(ctx context.Context, a Action) error {
	err := s.retry(ctx, func() error {
		_, derr := s.store.Deadletter(a.TaskID, a.Reason)
		return derr
	})
	if err != nil {
		return err
	}
	if s.events != nil {
		s.events.Emit(events.EventTaskDeadlettered, "scheduler", a.TaskID, map[string]any{
			"reason": a.Reason,
		})
	}
	s.log.Warn("task deadlettered", "task", a.TaskID, "reason", a.Reason)
	return nil
}

// emitAdvisory publishes advisory actions as events, nothing else.
func (s *Scheduler) emitAdvisory(a Action) {
	if s.events == nil {
		return
	}
	s.events.Emit(events.EventType(a.Type), "scheduler", a.TaskID, map[string]any{
		"reason": a.Reason,
		"gate":   a.Gate,
	})
}

func (s *Scheduler) retry(ctx context.Context, fn func() error) error {
	return util.Retry(ctx, s.cfg.RetryAttempts, s.cfg.RetryBackoff.Std(), fn)
}
