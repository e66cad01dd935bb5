package project

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/util"
)

const (
	// LockFileName is the advisory lock file in the project directory. It
	// marks which supervisor owns the project's write path; CLI commands
	// that mutate tasks check it before touching files.
	LockFileName = ".aof.lock"

	// DefaultLockTTL is how long a lock survives without a heartbeat.
	DefaultLockTTL = 2 * time.Minute
)

// Lock is the advisory lock file content.
type Lock struct {
	Owner     string        `yaml:"owner"`
	PID       int           `yaml:"pid"`
	Acquired  time.Time     `yaml:"acquired"`
	Heartbeat time.Time     `yaml:"heartbeat"`
	TTL       util.Duration `yaml:"ttl"`
}

// IsStale reports whether the holder stopped heartbeating, or its process
// is gone from this host.
func (l *Lock) IsStale() bool {
	ttl := l.TTL.Std()
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if time.Since(l.Heartbeat) > ttl {
		return true
	}
	return l.PID > 0 && !processAlive(l.PID)
}

// LockError reports a lock conflict. It is advisory: callers decide whether
// to wait, steal, or give up.
type LockError struct {
	Dir    string
	Owner  string
	PID    int
	Reason string
}

func (e *LockError) Error() string {
	return fmt.Sprintf("project at %s is locked by %s (pid %d): %s", e.Dir, e.Owner, e.PID, e.Reason)
}

func lockPath(dir string) string {
	return filepath.Join(dir, LockFileName)
}

// ReadLock returns the current lock, or nil when the project is unlocked.
func ReadLock(dir string) (*Lock, error) {
	data, err := os.ReadFile(lockPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, aoferrors.ErrIO("read project lock", err)
	}
	var l Lock
	if err := yaml.Unmarshal(data, &l); err != nil {
		// An unreadable lock file is treated as stale and claimable.
		return &Lock{Heartbeat: time.Time{}}, nil
	}
	return &l, nil
}

// AcquireLock takes the project lock for owner. A live lock held by someone
// else yields a LockError; a stale lock is claimed; re-acquiring an own
// lock refreshes it.
func AcquireLock(dir, owner string, ttl time.Duration, logger *slog.Logger) (*Lock, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	existing, err := ReadLock(dir)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Owner != owner {
		if !existing.IsStale() {
			return nil, &LockError{
				Dir:    dir,
				Owner:  existing.Owner,
				PID:    existing.PID,
				Reason: "lock is live",
			}
		}
		logger.Warn("claiming stale project lock",
			"dir", dir, "previousOwner", existing.Owner, "previousPid", existing.PID)
	}

	now := time.Now().UTC()
	l := &Lock{
		Owner:     owner,
		PID:       os.Getpid(),
		Acquired:  now,
		Heartbeat: now,
		TTL:       util.Duration(ttl),
	}
	if existing != nil && existing.Owner == owner {
		l.Acquired = existing.Acquired
	}
	if err := writeLock(dir, l); err != nil {
		return nil, err
	}
	return l, nil
}

// HeartbeatLock refreshes the heartbeat timestamp. The lock must be held by
// owner; a vanished lock is an error so the holder notices it was stolen.
func HeartbeatLock(dir, owner string) error {
	l, err := ReadLock(dir)
	if err != nil {
		return err
	}
	if l == nil {
		return &LockError{Dir: dir, Reason: "lock file is gone"}
	}
	if l.Owner != owner {
		return &LockError{Dir: dir, Owner: l.Owner, PID: l.PID, Reason: "lock is held by another owner"}
	}
	l.Heartbeat = time.Now().UTC()
	return writeLock(dir, l)
}

// ReleaseLock removes the lock. Releasing an unheld lock is a no-op;
// releasing someone else's lock is refused.
func ReleaseLock(dir, owner string) error {
	l, err := ReadLock(dir)
	if err != nil {
		return err
	}
	if l == nil {
		return nil
	}
	if l.Owner != owner {
		return &LockError{Dir: dir, Owner: l.Owner, PID: l.PID, Reason: "lock is held by another owner"}
	}
	if err := os.Remove(lockPath(dir)); err != nil && !os.IsNotExist(err) {
		return aoferrors.ErrIO("remove project lock", err)
	}
	return nil
}

func writeLock(dir string, l *Lock) error {
	data, err := yaml.Marshal(l)
	if err != nil {
		return aoferrors.ErrInternal("marshal project lock", err)
	}
	if err := util.AtomicWriteFile(lockPath(dir), data, 0644); err != nil {
		return aoferrors.ErrIO("write project lock", err)
	}
	return nil
}

// processAlive checks for a process with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// HeartbeatRunner refreshes a held lock on a ticker until stopped. The
// supervisor runs one per project for the lifetime of its poll loop.
type HeartbeatRunner struct {
	dir      string
	owner    string
	interval time.Duration
	log      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeatRunner builds a runner beating at a third of the TTL.
func NewHeartbeatRunner(dir, owner string, ttl time.Duration, logger *slog.Logger) *HeartbeatRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	interval := ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	return &HeartbeatRunner{dir: dir, owner: owner, interval: interval, log: logger}
}

// Start begins heartbeating until Stop or context cancellation.
func (h *HeartbeatRunner) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := HeartbeatLock(h.dir, h.owner); err != nil {
					h.log.Warn("project lock heartbeat failed", "dir", h.dir, "error", err)
				}
			}
		}
	}()
}

// Stop halts heartbeating and waits for the goroutine to exit.
func (h *HeartbeatRunner) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}
