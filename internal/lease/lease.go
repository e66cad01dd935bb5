// Package lease enforces single-writer task ownership through time-bounded
// leases. The persisted lease field on the task file is the source of truth;
// the manager adds in-process renewal timers on top of it.
package lease

import (
	"log/slog"
	"sync"
	"time"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/events"
	"github.com/randalmurphal/aof/internal/task"
)

// Manager acquires, renews and releases leases against a single project's
// store, and runs one renewal timer per held lease.
type Manager struct {
	store       *task.Store
	events      *events.Logger
	log         *slog.Logger
	ttl         time.Duration
	maxRenewals int

	mu     sync.Mutex
	timers map[string]*renewal
}

// renewal is one in-process renewal loop. stopCh is closed exactly once by
// whoever pops the entry out of the timer table; done closes when the loop
// goroutine returns.
type renewal struct {
	taskID string
	agent  string
	stopCh chan struct{}
	done   chan struct{}
}

// NewManager builds a lease manager. The event logger may be nil (no events
// emitted); ttl and maxRenewals come from the lease section of aof.yaml.
func NewManager(store *task.Store, ttl time.Duration, maxRenewals int, ev *events.Logger, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:       store,
		events:      ev,
		log:         log,
		ttl:         ttl,
		maxRenewals: maxRenewals,
		timers:      make(map[string]*renewal),
	}
}

// TTL returns the configured lease duration.
func (m *Manager) TTL() time.Duration { return m.ttl }

// IsActive reports whether a lease is live at the given instant. Expiry is
// closed on the right: a lease with expiresAt == now is expired.
func IsActive(l *task.Lease, now time.Time) bool { return l.Active(now) }

func (m *Manager) key(taskID string) string {
	return m.store.Project() + ":" + taskID
}

func (m *Manager) emit(typ events.EventType, agent, taskID string, payload map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Emit(typ, agent, taskID, payload)
}

// Acquire claims the task for an agent. It fails with LeaseHeld while any
// active lease exists, including the caller's own; an expired lease is
// overwritten. The store's mutate lock is the atomicity boundary, so two
// concurrent acquires can never both succeed. ttl <= 0 uses the configured
// default.
func (m *Manager) Acquire(taskID, agent string, ttl time.Duration) (*task.Lease, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	var lease task.Lease
	_, err := m.store.Mutate(taskID, func(t *task.Task) error {
		now := task.Now()
		if t.Lease.Active(now) {
			return aoferrors.ErrLeaseHeld(taskID, t.Lease.Agent)
		}
		lease = task.Lease{
			Agent:      agent,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		t.Lease = &lease
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.emit(events.EventLeaseAcquired, agent, taskID, map[string]any{
		"agent":     agent,
		"expiresAt": lease.ExpiresAt.Format(time.RFC3339),
	})
	return &lease, nil
}

// Renew extends the caller's lease by the configured TTL and bumps the
// renewal count. Only the current leaseholder may renew, and the count is
// capped at maxRenewals; last-write-wins against a concurrent expiry, so a
// renewal landing before a poll reads the task keeps the lease fresh.
func (m *Manager) Renew(taskID, agent string) (*task.Lease, error) {
	var lease task.Lease
	_, err := m.store.Mutate(taskID, func(t *task.Task) error {
		if t.Lease == nil {
			return aoferrors.ErrNotLeaseholder(taskID, agent, "")
		}
		if t.Lease.Agent != agent {
			return aoferrors.ErrNotLeaseholder(taskID, agent, t.Lease.Agent)
		}
		if t.Lease.RenewalCount+1 > m.maxRenewals {
			return aoferrors.ErrRenewalsExhausted(taskID, m.maxRenewals)
		}
		lease = *t.Lease
		lease.ExpiresAt = task.Now().Add(m.ttl)
		lease.RenewalCount++
		t.Lease = &lease
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.emit(events.EventLeaseRenewed, agent, taskID, map[string]any{
		"renewalCount": lease.RenewalCount,
		"expiresAt":    lease.ExpiresAt.Format(time.RFC3339),
	})
	return &lease, nil
}

// Release clears the caller's lease and stops its renewal timer. Releasing
// a task with no lease is a no-op, so acquire-then-release always returns
// the task to its prior state.
func (m *Manager) Release(taskID, agent string) error {
	released := false
	_, err := m.store.Mutate(taskID, func(t *task.Task) error {
		if t.Lease == nil {
			return nil
		}
		if t.Lease.Agent != agent {
			return aoferrors.ErrNotLeaseholder(taskID, agent, t.Lease.Agent)
		}
		t.Lease = nil
		released = true
		return nil
	})
	if err != nil {
		return err
	}
	m.StopRenewal(taskID)
	if released {
		m.emit(events.EventLeaseReleased, agent, taskID, map[string]any{"agent": agent})
	}
	return nil
}

// StartRenewal schedules an in-process timer that renews the agent's lease
// every ttl/2 until stopped, the renewal cap is reached, or the lease is
// lost. At most one timer runs per task; a second call is a no-op.
func (m *Manager) StartRenewal(taskID, agent string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	interval := ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	key := m.key(taskID)

	m.mu.Lock()
	if _, exists := m.timers[key]; exists {
		m.mu.Unlock()
		return
	}
	r := &renewal{
		taskID: taskID,
		agent:  agent,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.timers[key] = r
	m.mu.Unlock()

	go m.renewLoop(key, r, interval)
}

func (m *Manager) renewLoop(key string, r *renewal, interval time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if _, err := m.Renew(r.taskID, r.agent); err != nil {
				m.log.Warn("lease renewal stopped",
					"task", r.taskID, "agent", r.agent, "error", err)
				m.mu.Lock()
				if m.timers[key] == r {
					delete(m.timers, key)
				}
				m.mu.Unlock()
				return
			}
		}
	}
}

// StopRenewal stops the renewal timer for a task, if one is running, and
// waits for its loop to exit.
func (m *Manager) StopRenewal(taskID string) {
	key := m.key(taskID)
	m.mu.Lock()
	r, ok := m.timers[key]
	if ok {
		delete(m.timers, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	close(r.stopCh)
	<-r.done
}

// Cleanup stops renewal timers for tasks that are no longer in progress.
// The scheduler calls this each poll with the live in-progress id set.
// Returns the number of timers stopped.
func (m *Manager) Cleanup(inProgress map[string]bool) int {
	m.mu.Lock()
	var stale []*renewal
	for key, r := range m.timers {
		if !inProgress[r.taskID] {
			delete(m.timers, key)
			stale = append(stale, r)
		}
	}
	m.mu.Unlock()

	for _, r := range stale {
		close(r.stopCh)
		<-r.done
	}
	return len(stale)
}

// StopAll stops every renewal timer. Called on supervisor shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*renewal, 0, len(m.timers))
	for key, r := range m.timers {
		delete(m.timers, key)
		all = append(all, r)
	}
	m.mu.Unlock()

	for _, r := range all {
		close(r.stopCh)
		<-r.done
	}
}

// ActiveTimers returns the number of running renewal timers.
func (m *Manager) ActiveTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
