// Package service runs the daemon lifecycle: startup reconciliation, the
// periodic poll loop, message-triggered polls, and graceful drain.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/aof/internal/config"
	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/events"
	"github.com/randalmurphal/aof/internal/lease"
	"github.com/randalmurphal/aof/internal/metrics"
	"github.com/randalmurphal/aof/internal/scheduler"
	"github.com/randalmurphal/aof/internal/task"
)

// Message is a protocol message handed to the supervisor; routing is
// optional, the poll trigger is not.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Router handles protocol messages before the triggered poll.
type Router interface {
	Route(ctx context.Context, msg Message) error
}

// Status is the observable supervisor state.
type Status struct {
	Running        bool       `json:"running"`
	LastPollAt     *time.Time `json:"lastPollAt,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	PollIntervalMs int64      `json:"pollIntervalMs"`
}

// Deps wires a supervisor. Events and RouterImpl may be nil.
type Deps struct {
	Store     *task.Store
	Scheduler *scheduler.Scheduler
	Leases    *lease.Manager
	Events    *events.Logger
	Config    config.SchedulerConfig
	Logger    *slog.Logger
	Router    Router
}

// Supervisor owns the poll loop of one project. Exactly one poll runs at a
// time; triggered polls coalesce while one is pending.
type Supervisor struct {
	store  *task.Store
	sched  *scheduler.Scheduler
	leases *lease.Manager
	events *events.Logger
	cfg    config.SchedulerConfig
	log    *slog.Logger
	router Router

	pollMu sync.Mutex // serializes polls

	mu         sync.Mutex
	running    bool
	lastPollAt time.Time
	lastError  string
	cancel     context.CancelFunc
	done       chan struct{}
	trigger    chan string
}

// New builds a supervisor.
func New(d Deps) *Supervisor {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		store:  d.Store,
		sched:  d.Scheduler,
		leases: d.Leases,
		events: d.Events,
		cfg:    d.Config,
		log:    log,
		router: d.Router,
	}
}

// Start brings the daemon up: layout, orphan reconciliation, the startup
// event, one synchronous poll, then the periodic loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return aoferrors.ErrInternal("supervisor already running", nil)
	}
	s.running = true
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.trigger = make(chan string, 1)
	s.mu.Unlock()

	if err := s.store.EnsureLayout(); err != nil {
		cancel()
		s.markStopped()
		return err
	}
	s.ReconcileOrphans()
	s.reportQuarantined()

	metrics.SchedulerUp.Set(1)
	s.emit(events.EventSystemStartup, map[string]any{
		"project":        s.store.Project(),
		"pollIntervalMs": s.cfg.PollInterval.Std().Milliseconds(),
	})

	s.RunPoll(ctx, "startup")
	go s.loop(loopCtx)
	s.log.Info("supervisor started",
		"project", s.store.Project(), "pollInterval", s.cfg.PollInterval.Std())
	return nil
}

// ReconcileOrphans returns every in-progress task without an active lease
// to ready and reports how many were reclaimed. Safe to run repeatedly.
func (s *Supervisor) ReconcileOrphans() int {
	now := task.Now()
	reclaimed := 0
	for _, t := range s.store.List(task.Filter{Status: task.StatusInProgress}) {
		if t.Lease != nil && t.Lease.Active(now) {
			continue
		}
		_, err := s.store.Transition(t.ID, task.StatusReady,
			task.TransitionOpts{Agent: "system", Reason: "orphan reclaimed at startup"})
		if err != nil {
			s.log.Warn("orphan reclaim failed", "task", t.ID, "error", err)
			continue
		}
		s.log.Info("orphan reclaimed", "task", t.ID, "title", t.Title)
		reclaimed++
	}
	if reclaimed > 0 {
		s.log.Info(fmt.Sprintf("%d task(s) reclaimed", reclaimed))
	}
	return reclaimed
}

// reportQuarantined surfaces corrupt task files found by the startup
// scan. The files stay in place; the linter lists them too.
func (s *Supervisor) reportQuarantined() {
	s.store.List(task.Filter{})
	for path, reason := range s.store.Quarantined() {
		s.log.Warn("task file quarantined", "path", path, "reason", reason)
		s.emit(events.EventTaskValidationFailed, map[string]any{
			"path":   path,
			"reason": reason,
		})
	}
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PollInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunPoll(ctx, "interval")
		case reason := <-s.trigger:
			s.RunPoll(ctx, reason)
		}
	}
}

// RunPoll executes one poll under the poll timeout, crash-isolated. Errors
// land in lastError and the failure metric; the loop always continues.
func (s *Supervisor) RunPoll(ctx context.Context, reason string) (*scheduler.PollResult, error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	// A poll in flight during shutdown finishes on its own clock.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PollTimeout.Std())
	defer cancel()

	var res *scheduler.PollResult
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = aoferrors.ErrInternal("scheduler poll panicked", fmt.Errorf("%v", r))
			}
		}()
		res, err = s.sched.Poll(pctx, false)
	}()

	s.mu.Lock()
	s.lastPollAt = time.Now()
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		metrics.PollFailures.Inc()
		s.log.Error("poll failed", "reason", reason, "error", err)
		s.emit(events.EventPollFailed, map[string]any{
			"reason": reason,
			"error":  err.Error(),
		})
		return nil, err
	}

	s.cleanupTimers()
	s.emit(events.EventPollCompleted, map[string]any{
		"reason":     reason,
		"actions":    len(res.Actions),
		"executed":   res.ActionsExecuted,
		"failed":     res.ActionsFailed,
		"durationMs": res.DurationMs,
	})
	s.log.Debug("poll complete",
		"reason", reason, "actions", len(res.Actions), "failed", res.ActionsFailed)
	return res, nil
}

// cleanupTimers stops renewal timers for tasks no longer in-progress.
func (s *Supervisor) cleanupTimers() {
	if s.leases == nil {
		return
	}
	live := make(map[string]bool)
	for _, t := range s.store.List(task.Filter{Status: task.StatusInProgress}) {
		live[t.ID] = true
	}
	if n := s.leases.Cleanup(live); n > 0 {
		s.log.Debug("stale renewal timers stopped", "count", n)
	}
}

// Trigger requests an immediate poll; requests coalesce while one is
// already pending.
func (s *Supervisor) Trigger(reason string) {
	s.mu.Lock()
	ch := s.trigger
	running := s.running
	s.mu.Unlock()
	if !running || ch == nil {
		return
	}
	select {
	case ch <- reason:
	default:
	}
}

// HandleMessage routes a protocol message, then triggers a poll. Routing
// failures are logged and never block the poll.
func (s *Supervisor) HandleMessage(ctx context.Context, msg Message) {
	if s.router != nil {
		if err := s.router.Route(ctx, msg); err != nil {
			s.log.Warn("message routing failed", "type", msg.Type, "error", err)
		}
	}
	s.Trigger("message")
}

// Stop drains the loop: it waits for any in-flight poll up to the drain
// timeout, then stops renewal timers, emits the shutdown event and closes
// the event logger.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(s.cfg.DrainTimeout.Std()):
		s.log.Warn("drain timeout exceeded, shutting down anyway",
			"timeout", s.cfg.DrainTimeout.Std())
	}

	if s.leases != nil {
		s.leases.StopAll()
	}
	metrics.SchedulerUp.Set(0)
	s.emit(events.EventSystemShutdown, map[string]any{
		"project": s.store.Project(),
	})
	if s.events != nil {
		s.events.Close()
	}
	s.markStopped()
	s.log.Info("supervisor stopped", "project", s.store.Project())
	return nil
}

func (s *Supervisor) markStopped() {
	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.mu.Unlock()
}

// Status reports the observable supervisor state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:        s.running,
		LastError:      s.lastError,
		PollIntervalMs: s.cfg.PollInterval.Std().Milliseconds(),
	}
	if !s.lastPollAt.IsZero() {
		at := s.lastPollAt
		st.LastPollAt = &at
	}
	return st
}

func (s *Supervisor) emit(typ events.EventType, payload map[string]any) {
	if s.events != nil {
		s.events.Emit(typ, "system", "", payload)
	}
}
