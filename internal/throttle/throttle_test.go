package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/randalmurphal/aof/internal/config"
	"github.com/randalmurphal/aof/internal/util"
)

var throttleNow = time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

func openCfg() config.ThrottleConfig {
	return config.ThrottleConfig{
		MaxDispatches:        100,
		MaxDispatchesPerPoll: 100,
		TeamMaxConcurrent:    100,
	}
}

func TestFreshControllerAllows(t *testing.T) {
	c := NewController(config.Default().Throttle)
	v := c.Check(CheckParams{Team: "platform", Now: throttleNow})
	assert.True(t, v.Allowed)
	assert.Empty(t, v.Reason)
}

func TestGlobalConcurrencyBoundary(t *testing.T) {
	cfg := openCfg()
	cfg.MaxDispatches = 4
	c := NewController(cfg)

	v := c.Check(CheckParams{InProgress: 3, Now: throttleNow})
	assert.True(t, v.Allowed, "one slot left")

	v = c.Check(CheckParams{InProgress: 4, Now: throttleNow})
	assert.False(t, v.Allowed, "at the ceiling nothing dispatches")
	assert.Contains(t, v.Reason, "global concurrency")
	assert.Zero(t, v.WaitMs)
}

func TestGlobalConcurrencyCountsPending(t *testing.T) {
	cfg := openCfg()
	cfg.MaxDispatches = 4
	c := NewController(cfg)

	c.MarkDispatched("", throttleNow)
	v := c.Check(CheckParams{InProgress: 3, Now: throttleNow})
	assert.False(t, v.Allowed, "3 running + 1 planned this poll fills the ceiling")
	assert.Contains(t, v.Reason, "global concurrency")
}

func TestTeamConcurrency(t *testing.T) {
	cfg := openCfg()
	cfg.TeamMaxConcurrent = 2
	c := NewController(cfg)

	v := c.Check(CheckParams{Team: "platform", TeamInProgress: 1, Now: throttleNow})
	assert.True(t, v.Allowed)

	v = c.Check(CheckParams{Team: "platform", TeamInProgress: 2, Now: throttleNow})
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "team platform concurrency")
}

func TestTeamlessTaskSkipsTeamRules(t *testing.T) {
	cfg := openCfg()
	cfg.TeamMaxConcurrent = 0
	cfg.TeamMinInterval = util.Duration(time.Hour)
	c := NewController(cfg)

	v := c.Check(CheckParams{Now: throttleNow})
	assert.True(t, v.Allowed)
}

func TestGlobalInterval(t *testing.T) {
	cfg := openCfg()
	cfg.MinDispatchInterval = util.Duration(2 * time.Second)
	c := NewController(cfg)

	v := c.Check(CheckParams{Now: throttleNow})
	assert.True(t, v.Allowed, "a fresh bucket is full")

	c.MarkDispatched("", throttleNow)
	v = c.Check(CheckParams{Now: throttleNow})
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "global dispatch interval")
	assert.Greater(t, v.WaitMs, int64(0))
	assert.LessOrEqual(t, v.WaitMs, int64(2000))

	v = c.Check(CheckParams{Now: throttleNow.Add(2 * time.Second)})
	assert.True(t, v.Allowed, "the interval has elapsed")
}

func TestTeamInterval(t *testing.T) {
	cfg := openCfg()
	cfg.TeamMinInterval = util.Duration(5 * time.Second)
	c := NewController(cfg)

	c.MarkDispatched("platform", throttleNow)

	v := c.Check(CheckParams{Team: "platform", Now: throttleNow.Add(time.Second)})
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "team platform dispatch interval")
	assert.Greater(t, v.WaitMs, int64(0))

	v = c.Check(CheckParams{Team: "search", Now: throttleNow.Add(time.Second)})
	assert.True(t, v.Allowed, "each team has its own bucket")

	v = c.Check(CheckParams{Team: "platform", Now: throttleNow.Add(5 * time.Second)})
	assert.True(t, v.Allowed)
}

func TestPerPollCap(t *testing.T) {
	cfg := openCfg()
	cfg.MaxDispatchesPerPoll = 2
	c := NewController(cfg)

	c.BeginPoll()
	c.MarkDispatched("", throttleNow)
	c.MarkDispatched("", throttleNow)
	assert.Equal(t, 2, c.DispatchedThisPoll())

	v := c.Check(CheckParams{Now: throttleNow})
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "per-poll dispatch cap")

	c.BeginPoll()
	v = c.Check(CheckParams{Now: throttleNow})
	assert.True(t, v.Allowed, "the cap resets every poll")
}

func TestFirstFailingRuleWins(t *testing.T) {
	cfg := openCfg()
	cfg.MaxDispatches = 2
	cfg.MaxDispatchesPerPoll = 1
	c := NewController(cfg)

	c.MarkDispatched("", throttleNow)
	v := c.Check(CheckParams{InProgress: 2, Now: throttleNow})
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "global concurrency", "rule order is fixed; concurrency trumps the poll cap")
}

func TestCheckConsumesNothing(t *testing.T) {
	cfg := openCfg()
	cfg.MinDispatchInterval = util.Duration(time.Minute)
	c := NewController(cfg)

	for i := 0; i < 5; i++ {
		v := c.Check(CheckParams{Now: throttleNow})
		assert.True(t, v.Allowed, "check %d", i)
	}
}

func TestTeamOverrides(t *testing.T) {
	cfg := openCfg()
	cfg.TeamMaxConcurrent = 1
	cfg.TeamMinInterval = util.Duration(time.Hour)
	c := NewController(cfg)
	c.SetTeamLimits("platform", TeamLimits{MaxConcurrent: 5, MinInterval: time.Second})

	v := c.Check(CheckParams{Team: "platform", TeamInProgress: 3, Now: throttleNow})
	assert.True(t, v.Allowed, "override raises the team ceiling")

	c.MarkDispatched("platform", throttleNow)
	v = c.Check(CheckParams{Team: "platform", TeamInProgress: 3, Now: throttleNow.Add(time.Second)})
	assert.True(t, v.Allowed, "override shortens the team interval")

	v = c.Check(CheckParams{Team: "search", TeamInProgress: 1, Now: throttleNow})
	assert.False(t, v.Allowed, "other teams keep the configured ceiling")
}
