package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/aof/internal/config"
	"github.com/randalmurphal/aof/internal/events"
	"github.com/randalmurphal/aof/internal/executor"
	"github.com/randalmurphal/aof/internal/lease"
	"github.com/randalmurphal/aof/internal/task"
	"github.com/randalmurphal/aof/internal/throttle"
	"github.com/randalmurphal/aof/internal/workflow"
)

type testEnv struct {
	store  *task.Store
	leases *lease.Manager
	mock   *executor.Mock
	sched  *Scheduler

	mu   sync.Mutex
	seen []events.Event
}

func (e *testEnv) eventsOf(typ events.EventType) []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []events.Event
	for _, ev := range e.seen {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// newEnv wires a scheduler over a temp store with a wide-open throttle;
// tests tighten the knobs they exercise via mutate.
func newEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Throttle.MaxDispatches = 100
	cfg.Throttle.MaxDispatchesPerPoll = 100
	cfg.Throttle.MinDispatchInterval = 0
	cfg.Throttle.TeamMaxConcurrent = 100
	cfg.Throttle.TeamMinInterval = 0
	cfg.Scheduler.RetryAttempts = 1
	cfg.Scheduler.RetryBackoff = 0
	if mutate != nil {
		mutate(cfg)
	}

	log := slog.New(slog.DiscardHandler)
	store := task.NewStore(t.TempDir(), "demo", log)
	require.NoError(t, store.EnsureLayout())

	logger, err := events.NewLogger(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })

	env := &testEnv{store: store}
	logger.AddSink(events.SinkFunc(func(e events.Event) {
		env.mu.Lock()
		env.seen = append(env.seen, e)
		env.mu.Unlock()
	}))

	env.leases = lease.NewManager(store, cfg.Lease.TTL.Std(), cfg.Lease.MaxRenewals, logger, log)
	t.Cleanup(env.leases.StopAll)

	reg, err := workflow.LoadDefaults()
	require.NoError(t, err)

	env.mock = executor.NewMock()
	env.sched = New(Deps{
		Store:     store,
		Leases:    env.leases,
		Throttle:  throttle.NewController(cfg.Throttle),
		Workflows: reg,
		Executor:  env.mock,
		Events:    logger,
		Config:    cfg.Scheduler,
		Logger:    log,
	})
	return env
}

func (e *testEnv) poll(t *testing.T) *PollResult {
	t.Helper()
	res, err := e.sched.Poll(context.Background(), false)
	require.NoError(t, err)
	return res
}

type taskOpt func(*task.CreateRequest)

func withPriority(p task.Priority) taskOpt {
	return func(r *task.CreateRequest) { r.Priority = p }
}

func withTeam(team string) taskOpt {
	return func(r *task.CreateRequest) { r.Routing.Team = team }
}

func withResource(res string) taskOpt {
	return func(r *task.CreateRequest) { r.Resource = res }
}

func withDeps(ids ...string) taskOpt {
	return func(r *task.CreateRequest) { r.DependsOn = ids }
}

func withAgent(agent string) taskOpt {
	return func(r *task.CreateRequest) { r.Routing.Agent = agent }
}

func (e *testEnv) create(t *testing.T, title string, opts ...taskOpt) *task.Task {
	t.Helper()
	req := task.CreateRequest{Title: title, CreatedBy: "test"}
	for _, o := range opts {
		o(&req)
	}
	tk, err := e.store.Create(req)
	require.NoError(t, err)
	return tk
}

func (e *testEnv) mkReady(t *testing.T, title string, opts ...taskOpt) *task.Task {
	t.Helper()
	tk := e.create(t, title, opts...)
	tk, err := e.store.Transition(tk.ID, task.StatusReady, task.TransitionOpts{})
	require.NoError(t, err)
	return tk
}

// mkInProgress moves a task to in-progress holding a lease that expires at
// the given instant.
func (e *testEnv) mkInProgress(t *testing.T, title, agent string, expires time.Time, opts ...taskOpt) *task.Task {
	t.Helper()
	tk := e.mkReady(t, title, opts...)
	_, err := e.store.Transition(tk.ID, task.StatusInProgress, task.TransitionOpts{Agent: agent})
	require.NoError(t, err)
	tk, err = e.store.Mutate(tk.ID, func(x *task.Task) error {
		x.Lease = &task.Lease{
			Agent:      agent,
			AcquiredAt: expires.Add(-30 * time.Minute),
			ExpiresAt:  expires,
		}
		return nil
	})
	require.NoError(t, err)
	return tk
}

func actionsOf(res *PollResult, typ ActionType) []Action {
	var out []Action
	for _, a := range res.Actions {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func TestPollExpiresOverdueLease(t *testing.T) {
	env := newEnv(t, nil)
	tk := env.mkInProgress(t, "stale work", "agent-red", time.Now().Add(-time.Second))

	res := env.poll(t)

	expiries := actionsOf(res, ActionExpireLease)
	require.Len(t, expiries, 1)
	assert.Equal(t, tk.ID, expiries[0].TaskID)
	assert.Equal(t, "agent-red", expiries[0].Agent)
	assert.Empty(t, actionsOf(res, ActionAssign), "expired task must not dispatch in the same poll")

	got, err := env.store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
	assert.Nil(t, got.Lease)

	require.Len(t, env.eventsOf(events.EventLeaseExpired), 1)
	assert.Equal(t, 1, res.ActionsExecuted)
	assert.Zero(t, res.ActionsFailed)
}

func TestPollExpiryKeepsBlockedTasksParked(t *testing.T) {
	env := newEnv(t, nil)
	tk := env.mkInProgress(t, "parked work", "agent-red", time.Now().Add(-time.Minute))
	_, err := env.store.Block(tk.ID, "waiting on vendor")
	require.NoError(t, err)
	// Blocking does not touch the lease; re-attach the expired one.
	_, err = env.store.Mutate(tk.ID, func(x *task.Task) error {
		x.Lease = &task.Lease{Agent: "agent-red", ExpiresAt: time.Now().Add(-time.Minute)}
		return nil
	})
	require.NoError(t, err)

	env.poll(t)

	got, err := env.store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, got.Status)
	assert.Nil(t, got.Lease)
	assert.Contains(t, got.Metadata["leaseExpired"], "agent-red")
}

func TestPollSkipsFreshlyRenewedLease(t *testing.T) {
	env := newEnv(t, nil)
	tk := env.mkInProgress(t, "racing work", "agent-red", time.Now().Add(30*time.Minute))

	res := env.poll(t)

	assert.Empty(t, actionsOf(res, ActionExpireLease))
	got, err := env.store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
	require.NotNil(t, got.Lease)
}

func TestPollCapsDispatchesPerPoll(t *testing.T) {
	env := newEnv(t, func(c *config.Config) {
		c.Throttle.MaxDispatchesPerPoll = 3
	})
	for i := 0; i < 10; i++ {
		env.mkReady(t, "job "+strconv.Itoa(i))
	}

	res := env.poll(t)

	assigns := actionsOf(res, ActionAssign)
	assert.Len(t, assigns, 3)
	assert.Len(t, env.mock.Spawned(), 3)

	counts := env.store.CountByStatus()
	assert.Equal(t, 3, counts[task.StatusInProgress])
	assert.Equal(t, 7, counts[task.StatusReady])
}

func TestPollHonorsGlobalConcurrency(t *testing.T) {
	env := newEnv(t, func(c *config.Config) {
		c.Throttle.MaxDispatches = 2
	})
	env.mkInProgress(t, "running", "agent-red", time.Now().Add(30*time.Minute))
	for i := 0; i < 4; i++ {
		env.mkReady(t, "queued "+strconv.Itoa(i))
	}

	res := env.poll(t)

	// One slot left: 1 running + 1 pending reaches the ceiling.
	assert.Len(t, actionsOf(res, ActionAssign), 1)
}

func TestPollDispatchesByPriority(t *testing.T) {
	env := newEnv(t, func(c *config.Config) {
		c.Throttle.MaxDispatchesPerPoll = 1
	})
	env.mkReady(t, "routine", withPriority(task.PriorityLow))
	urgent := env.mkReady(t, "incident", withPriority(task.PriorityCritical))

	res := env.poll(t)

	assigns := actionsOf(res, ActionAssign)
	require.Len(t, assigns, 1)
	assert.Equal(t, urgent.ID, assigns[0].TaskID)
}

func TestPollSkipsUnmetDependencies(t *testing.T) {
	env := newEnv(t, nil)
	dep := env.create(t, "groundwork")
	blocked := env.mkReady(t, "follow-up", withDeps(dep.ID))

	res := env.poll(t)

	assert.Empty(t, actionsOf(res, ActionAssign))
	assert.Contains(t, res.BlockedBySubtasks, blocked.ID)

	got, err := env.store.Get(blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status, "skip must not mutate the task")
}

func TestPollDispatchesWhenDependenciesDone(t *testing.T) {
	env := newEnv(t, nil)
	dep := env.create(t, "groundwork")
	follow := env.mkReady(t, "follow-up", withDeps(dep.ID))

	for _, st := range []task.Status{task.StatusReady, task.StatusInProgress, task.StatusReview, task.StatusDone} {
		_, err := env.store.Transition(dep.ID, st, task.TransitionOpts{})
		require.NoError(t, err)
	}

	res := env.poll(t)

	assigns := actionsOf(res, ActionAssign)
	require.Len(t, assigns, 1)
	assert.Equal(t, follow.ID, assigns[0].TaskID)
}

func TestPollBlocksCircularDependencies(t *testing.T) {
	env := newEnv(t, nil)
	a := env.mkReady(t, "chicken")
	b := env.mkReady(t, "egg", withDeps(a.ID))
	// AddDep refuses cycles, so fake a hand-edited file.
	_, err := env.store.Mutate(a.ID, func(x *task.Task) error {
		x.DependsOn = append(x.DependsOn, b.ID)
		return nil
	})
	require.NoError(t, err)

	res := env.poll(t)

	assert.ElementsMatch(t, []string{a.ID, b.ID}, res.CircularDeps)
	blocks := actionsOf(res, ActionBlock)
	require.Len(t, blocks, 2)
	for _, act := range blocks {
		assert.Equal(t, "circular_dep", act.Reason)
	}

	for _, id := range []string{a.ID, b.ID} {
		got, err := env.store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusBlocked, got.Status)
	}
	assert.Len(t, env.eventsOf(events.EventTaskBlocked), 2)
}

func TestPollSerializesResourceHolders(t *testing.T) {
	env := newEnv(t, nil)
	first := env.mkReady(t, "migrate users", withPriority(task.PriorityHigh), withResource("db-main"))
	second := env.mkReady(t, "migrate orders", withResource("db-main"))
	free := env.mkReady(t, "docs pass")

	res := env.poll(t)

	assigns := actionsOf(res, ActionAssign)
	var ids []string
	for _, a := range assigns {
		ids = append(ids, a.TaskID)
	}
	assert.ElementsMatch(t, []string{first.ID, free.ID}, ids)

	got, err := env.store.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
}

func TestPollRespectsOccupiedResource(t *testing.T) {
	env := newEnv(t, nil)
	env.mkInProgress(t, "holding the db", "agent-red", time.Now().Add(30*time.Minute), withResource("db-main"))
	waiting := env.mkReady(t, "wants the db", withResource("db-main"))

	res := env.poll(t)

	assert.Empty(t, actionsOf(res, ActionAssign))
	got, err := env.store.Get(waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
}

func TestPollAssignStartsLeaseAndGate(t *testing.T) {
	env := newEnv(t, nil)
	tk := env.mkReady(t, "fresh work")

	res := env.poll(t)

	require.Len(t, actionsOf(res, ActionAssign), 1)
	got, err := env.store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
	require.NotNil(t, got.Lease)
	assert.Equal(t, DefaultAgent, got.Lease.Agent)
	require.NotNil(t, got.Gate)
	assert.Equal(t, "implement", got.Gate.Current)

	require.Len(t, env.mock.Spawned(), 1)
	spawned := env.mock.Spawned()[0]
	assert.Equal(t, tk.ID, spawned.TaskID)
	assert.Equal(t, "implement", spawned.Gate)

	assert.Len(t, env.eventsOf(events.EventDispatchRequested), 1)
	env.leases.StopRenewal(tk.ID)
}

func TestPollUsesRoutingAgentAndResolver(t *testing.T) {
	env := newEnv(t, nil)
	env.sched.resolve = func(team, role string) string {
		if team == "platform" {
			return "agent-platform-1"
		}
		return ""
	}
	pinned := env.mkReady(t, "pinned", withAgent("agent-pin"))
	teamed := env.mkReady(t, "teamed", withTeam("platform"))
	bare := env.mkReady(t, "bare")

	res := env.poll(t)

	byTask := make(map[string]string)
	for _, a := range actionsOf(res, ActionAssign) {
		byTask[a.TaskID] = a.Agent
	}
	assert.Equal(t, "agent-pin", byTask[pinned.ID])
	assert.Equal(t, "agent-platform-1", byTask[teamed.ID])
	assert.Equal(t, DefaultAgent, byTask[bare.ID])
	for _, tk := range []*task.Task{pinned, teamed, bare} {
		env.leases.StopRenewal(tk.ID)
	}
}

func TestPollSpawnFailureRevertsToReady(t *testing.T) {
	env := newEnv(t, nil)
	tk := env.mkReady(t, "doomed")
	env.mock.FailTask(tk.ID, errors.New("no runner available"))

	res := env.poll(t)

	assert.Equal(t, 1, res.ActionsFailed)
	got, err := env.store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
	assert.Nil(t, got.Lease)
	assert.Equal(t, "1", got.Metadata["dispatchFailures"])

	require.Len(t, env.eventsOf(events.EventDispatchFailed), 1)
	assert.Empty(t, env.eventsOf(events.EventDispatchRequested))
}

func TestPollDeadlettersAfterRepeatedFailures(t *testing.T) {
	env := newEnv(t, func(c *config.Config) {
		c.Scheduler.DeadletterAfter = 3
	})
	tk := env.mkReady(t, "cursed")
	env.mock.FailTask(tk.ID, errors.New("spawn refused"))

	env.poll(t)
	env.poll(t)
	res := env.poll(t)

	require.Len(t, actionsOf(res, ActionDeadletter), 1)
	got, err := env.store.Get(tk.ID)
	require.NoError(t, err)
	assert.True(t, got.Deadletter)
	assert.Equal(t, task.StatusBlocked, got.Status)
	assert.Len(t, env.eventsOf(events.EventTaskDeadlettered), 1)
}

func TestPollSuccessResetsFailureCounter(t *testing.T) {
	env := newEnv(t, nil)
	tk := env.mkReady(t, "flaky")
	env.mock.FailNext(errors.New("transient"))

	env.poll(t)
	got, err := env.store.Get(tk.ID)
	require.NoError(t, err)
	require.Equal(t, "1", got.Metadata["dispatchFailures"])

	env.poll(t)
	got, err = env.store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
	assert.Empty(t, got.Metadata["dispatchFailures"])
	env.leases.StopRenewal(tk.ID)
}

func TestPollGateTimeoutEscalates(t *testing.T) {
	env := newEnv(t, nil)
	tk := env.mkReady(t, "stuck in review")
	_, err := env.store.Transition(tk.ID, task.StatusInProgress, task.TransitionOpts{})
	require.NoError(t, err)
	_, err = env.store.Transition(tk.ID, task.StatusReview, task.TransitionOpts{})
	require.NoError(t, err)
	entered := task.Now().Add(-5 * time.Hour)
	_, err = env.store.Mutate(tk.ID, func(x *task.Task) error {
		x.Routing.Role = "reviewer"
		x.Gate = &task.GateState{Current: "code-review", Entered: entered}
		return nil
	})
	require.NoError(t, err)

	res := env.poll(t)

	alerts := actionsOf(res, ActionAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, "code-review", alerts[0].Gate)

	got, err := env.store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "lead", got.Routing.Role)
	require.NotNil(t, got.Gate)
	assert.True(t, got.Gate.Entered.After(entered), "escalation restarts the gate clock")
	require.NotEmpty(t, got.GateHistory)
	last := got.GateHistory[len(got.GateHistory)-1]
	assert.Equal(t, "gate_timeout", last.Outcome)
	assert.Equal(t, "code-review", last.Gate)

	require.Len(t, env.eventsOf(events.EventGateTimeout), 1)
	require.Len(t, env.eventsOf(events.EventAlert), 1)
}

func TestPollGateTimeoutWithoutEscalationAlertsOnly(t *testing.T) {
	env := newEnv(t, nil)
	tk := env.mkReady(t, "slow qa")
	_, err := env.store.Transition(tk.ID, task.StatusInProgress, task.TransitionOpts{})
	require.NoError(t, err)
	_, err = env.store.Transition(tk.ID, task.StatusReview, task.TransitionOpts{})
	require.NoError(t, err)
	_, err = env.store.Mutate(tk.ID, func(x *task.Task) error {
		x.Routing.Role = "qa"
		x.Gate = &task.GateState{Current: "qa", Entered: task.Now().Add(-9 * time.Hour)}
		return nil
	})
	require.NoError(t, err)

	res := env.poll(t)

	require.Len(t, actionsOf(res, ActionAlert), 1)
	got, err := env.store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "qa", got.Routing.Role, "no escalation role configured")
	assert.Empty(t, got.GateHistory)
}

func TestPollWithinGateTimeoutIsQuiet(t *testing.T) {
	env := newEnv(t, nil)
	tk := env.mkReady(t, "fresh review")
	_, err := env.store.Transition(tk.ID, task.StatusInProgress, task.TransitionOpts{})
	require.NoError(t, err)
	_, err = env.store.Transition(tk.ID, task.StatusReview, task.TransitionOpts{})
	require.NoError(t, err)
	_, err = env.store.Mutate(tk.ID, func(x *task.Task) error {
		x.Gate = &task.GateState{Current: "code-review", Entered: task.Now().Add(-time.Hour)}
		return nil
	})
	require.NoError(t, err)

	res := env.poll(t)

	assert.Empty(t, actionsOf(res, ActionAlert))
	assert.Empty(t, env.eventsOf(events.EventGateTimeout))
}

func TestPollDryRunMutatesNothing(t *testing.T) {
	env := newEnv(t, nil)
	expired := env.mkInProgress(t, "stale", "agent-red", time.Now().Add(-time.Minute))
	ready := env.mkReady(t, "waiting")

	res, err := env.sched.Poll(context.Background(), true)
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.Len(t, actionsOf(res, ActionExpireLease), 1)
	assert.Empty(t, actionsOf(res, ActionAssign), "dry run plans no dispatches")
	assert.Zero(t, res.ActionsExecuted)

	got, err := env.store.Get(expired.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
	require.NotNil(t, got.Lease)

	got, err = env.store.Get(ready.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
	assert.Empty(t, env.mock.Spawned())
	assert.Empty(t, env.seen)
}

func TestPollStats(t *testing.T) {
	env := newEnv(t, func(c *config.Config) {
		c.Throttle.MaxDispatchesPerPoll = 0 // planning counts nothing this poll
	})
	env.create(t, "idea")
	env.mkReady(t, "queued")
	env.mkInProgress(t, "active", "agent-red", time.Now().Add(30*time.Minute))
	blocked := env.create(t, "waiting")
	_, err := env.store.Transition(blocked.ID, task.StatusReady, task.TransitionOpts{})
	require.NoError(t, err)
	_, err = env.store.Block(blocked.ID, "external")
	require.NoError(t, err)

	res := env.poll(t)

	assert.Equal(t, Stats{Total: 4, Backlog: 1, Ready: 1, InProgress: 1, Blocked: 1}, res.Stats)
	assert.NotZero(t, res.ScannedAt)
}

func TestPollThrottleStopsFurtherCandidates(t *testing.T) {
	env := newEnv(t, func(c *config.Config) {
		c.Throttle.TeamMaxConcurrent = 1
	})
	// Two platform tasks then an unthrottled teamless one. The team limit
	// trips on the second candidate and planning stops for the whole poll.
	env.mkReady(t, "platform a", withTeam("platform"), withPriority(task.PriorityHigh))
	env.mkReady(t, "platform b", withTeam("platform"), withPriority(task.PriorityHigh))
	env.mkReady(t, "solo")

	res := env.poll(t)

	assigns := actionsOf(res, ActionAssign)
	require.Len(t, assigns, 1)
	assert.Equal(t, "platform", assigns[0].Team)
}
