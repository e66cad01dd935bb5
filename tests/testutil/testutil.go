// Package testutil scaffolds throwaway vaults and a fully wired fabric
// engine for integration tests. The wiring mirrors aof serve, with the
// mock executor standing in for real agents.
package testutil

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/aof/internal/config"
	"github.com/randalmurphal/aof/internal/events"
	"github.com/randalmurphal/aof/internal/executor"
	"github.com/randalmurphal/aof/internal/guard"
	"github.com/randalmurphal/aof/internal/lease"
	"github.com/randalmurphal/aof/internal/org"
	"github.com/randalmurphal/aof/internal/project"
	"github.com/randalmurphal/aof/internal/scheduler"
	"github.com/randalmurphal/aof/internal/service"
	"github.com/randalmurphal/aof/internal/task"
	"github.com/randalmurphal/aof/internal/throttle"
	"github.com/randalmurphal/aof/internal/tools"
	"github.com/randalmurphal/aof/internal/util"
	"github.com/randalmurphal/aof/internal/workflow"
)

// Vault is a temp fabric root with one scaffolded project.
type Vault struct {
	Root    string
	Config  *config.Config
	Project *project.Project
	Logger  *slog.Logger
}

// NewVault creates a vault under t.TempDir with timings tightened for
// tests: the poll loop stays quiet (tests poll by hand) and the throttle
// intervals are zeroed so dispatch planning never waits.
func NewVault(t *testing.T, projectID string) *Vault {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.DefaultProject = projectID
	cfg.Scheduler.PollInterval = util.Duration(time.Hour)
	cfg.Scheduler.DrainTimeout = util.Duration(time.Second)
	cfg.Throttle.MaxDispatches = 16
	cfg.Throttle.MaxDispatchesPerPoll = 16
	cfg.Throttle.MinDispatchInterval = 0
	cfg.Throttle.TeamMinInterval = 0
	cfg.Throttle.TeamMaxConcurrent = 16
	require.NoError(t, cfg.SaveTo(root))

	log := slog.New(slog.DiscardHandler)
	p, err := project.Create(root, projectID,
		project.CreateOptions{Name: projectID, Actor: "testutil"}, log)
	require.NoError(t, err)

	return &Vault{Root: root, Config: cfg, Project: p, Logger: log}
}

// WriteChart persists an org chart at the vault root and returns it
// reloaded, with its lookup maps built.
func (v *Vault) WriteChart(t *testing.T, chart *org.Chart) *org.Chart {
	t.Helper()
	require.NoError(t, chart.SaveTo(v.Root))
	loaded, err := org.Load(v.Root)
	require.NoError(t, err)
	return loaded
}

// Fabric is the engine stack over one vault: store, event log, leases,
// throttle, scheduler, tool surface and supervisor, spawning into a mock.
type Fabric struct {
	Vault      *Vault
	Chart      *org.Chart
	Store      *task.Store
	Events     *events.Logger
	Executor   *executor.Mock
	Leases     *lease.Manager
	Tools      *tools.Tools
	Scheduler  *scheduler.Scheduler
	Supervisor *service.Supervisor
}

// NewFabric wires the full engine. chart may be nil; routing then falls
// back to the scheduler's default agent and every actor acts as a member.
func NewFabric(t *testing.T, v *Vault, chart *org.Chart) *Fabric {
	t.Helper()
	log := v.Logger
	store := v.Project.Store(log)

	ev, err := events.NewLogger(filepath.Join(v.Project.Dir(), "events"), log)
	require.NoError(t, err)
	t.Cleanup(ev.Close)

	flows, err := workflow.Load(v.Root, log)
	require.NoError(t, err)

	mock := executor.NewMock()
	leases := lease.NewManager(store, v.Config.Lease.TTL.Std(), v.Config.Lease.MaxRenewals, ev, log)
	ctrl := throttle.NewController(v.Config.Throttle)

	var resolve scheduler.AgentResolver
	var roles guard.RoleResolver
	if chart != nil {
		chart.ApplyLimits(ctrl)
		resolve = chart.DefaultAgent
		roles = chart.RoleOf
	}

	sched := scheduler.New(scheduler.Deps{
		Store:        store,
		Leases:       leases,
		Throttle:     ctrl,
		Workflows:    flows,
		Executor:     mock,
		Events:       ev,
		Config:       v.Config.Scheduler,
		Logger:       log,
		ResolveAgent: resolve,
	})
	tl := tools.New(tools.Deps{
		Guard:     guard.New(store, roles, log),
		Workflows: flows,
		Events:    ev,
		Roles:     tools.RoleResolver(roles),
		Logger:    log,
	})
	sup := service.New(service.Deps{
		Store:     store,
		Scheduler: sched,
		Leases:    leases,
		Events:    ev,
		Config:    v.Config.Scheduler,
		Logger:    log,
	})

	return &Fabric{
		Vault:      v,
		Chart:      chart,
		Store:      store,
		Events:     ev,
		Executor:   mock,
		Leases:     leases,
		Tools:      tl,
		Scheduler:  sched,
		Supervisor: sup,
	}
}

// LoggedEvents flushes the event buffer and returns every persisted event
// in chronological order.
func (f *Fabric) LoggedEvents(t *testing.T) []events.Event {
	t.Helper()
	f.Events.Flush()
	evs, err := events.ReadAll(filepath.Join(f.Vault.Project.Dir(), "events"))
	require.NoError(t, err)
	return evs
}

// EventTypes reduces logged events to their type sequence, for coarse
// lifecycle assertions.
func EventTypes(evs []events.Event) []events.EventType {
	out := make([]events.EventType, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}
