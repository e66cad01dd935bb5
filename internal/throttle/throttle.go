// Package throttle gates dispatch decisions behind global and per-team
// concurrency and rate limits. Rules apply in a fixed order and the first
// failing rule wins; interval limits ride on token buckets that survive
// across polls.
package throttle

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/randalmurphal/aof/internal/config"
)

// Verdict is the outcome of a throttle check. WaitMs estimates how long
// until an interval rule would pass; concurrency rules report no wait.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	WaitMs  int64  `json:"waitMs,omitempty"`
}

// CheckParams carries the poll-snapshot numbers a check runs against. The
// scheduler keeps these current as it plans, so dispatches planned earlier
// in the same poll count against later checks.
type CheckParams struct {
	Team           string
	InProgress     int
	TeamInProgress int
	Now            time.Time
}

// TeamLimits overrides the configured per-team ceiling and interval for a
// single team; the org chart is the usual source.
type TeamLimits struct {
	MaxConcurrent int
	MinInterval   time.Duration
}

// Controller applies the dispatch throttle rules. State persists across
// polls except the per-poll counter, which BeginPoll resets.
type Controller struct {
	cfg config.ThrottleConfig

	mu         sync.Mutex
	global     *rate.Limiter
	teams      map[string]*rate.Limiter
	overrides  map[string]TeamLimits
	dispatched int
}

// NewController builds a controller from the throttle section of aof.yaml.
// Fresh token buckets start full, so the first dispatch is never delayed.
func NewController(cfg config.ThrottleConfig) *Controller {
	return &Controller{
		cfg:       cfg,
		global:    rate.NewLimiter(rate.Every(cfg.MinDispatchInterval.Std()), 1),
		teams:     make(map[string]*rate.Limiter),
		overrides: make(map[string]TeamLimits),
	}
}

// SetTeamLimits installs an org-chart override for one team.
func (c *Controller) SetTeamLimits(team string, l TeamLimits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[team] = l
	// A limiter built from the old interval is stale; rebuild lazily.
	delete(c.teams, team)
}

// BeginPoll resets the per-poll dispatch counter. Interval buckets and
// concurrency state carry over.
func (c *Controller) BeginPoll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatched = 0
}

// DispatchedThisPoll returns how many dispatches the current poll has
// recorded via MarkDispatched.
func (c *Controller) DispatchedThisPoll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatched
}

// Check applies the five throttle rules in order and returns the first
// failure, or an allowed verdict. Checking consumes nothing; call
// MarkDispatched after the dispatch actually happens.
func (c *Controller) Check(p CheckParams) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}

	// 1. Global concurrency: running plus planned stays under the ceiling.
	if p.InProgress+c.dispatched >= c.cfg.MaxDispatches {
		return Verdict{
			Allowed: false,
			Reason: fmt.Sprintf("global concurrency limit reached (%d running + %d pending >= %d)",
				p.InProgress, c.dispatched, c.cfg.MaxDispatches),
		}
	}

	// 2. Per-team concurrency.
	if p.Team != "" {
		limit := c.teamMaxConcurrentLocked(p.Team)
		if limit > 0 && p.TeamInProgress >= limit {
			return Verdict{
				Allowed: false,
				Reason:  fmt.Sprintf("team %s concurrency limit reached (%d >= %d)", p.Team, p.TeamInProgress, limit),
			}
		}
	}

	// 3. Global minimum interval.
	if wait := waitFor(c.global, now); wait > 0 {
		return Verdict{
			Allowed: false,
			Reason:  "global dispatch interval not elapsed",
			WaitMs:  wait,
		}
	}

	// 4. Per-team minimum interval.
	if p.Team != "" {
		if wait := waitFor(c.teamLimiterLocked(p.Team), now); wait > 0 {
			return Verdict{
				Allowed: false,
				Reason:  fmt.Sprintf("team %s dispatch interval not elapsed", p.Team),
				WaitMs:  wait,
			}
		}
	}

	// 5. Per-poll cap.
	if c.dispatched >= c.cfg.MaxDispatchesPerPoll {
		return Verdict{
			Allowed: false,
			Reason:  fmt.Sprintf("per-poll dispatch cap reached (%d)", c.cfg.MaxDispatchesPerPoll),
		}
	}

	return Verdict{Allowed: true}
}

// MarkDispatched records a successful dispatch: it consumes the global and
// team interval tokens and bumps the per-poll counter.
func (c *Controller) MarkDispatched(team string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.IsZero() {
		now = time.Now()
	}
	c.global.AllowN(now, 1)
	if team != "" {
		c.teamLimiterLocked(team).AllowN(now, 1)
	}
	c.dispatched++
}

func (c *Controller) teamMaxConcurrentLocked(team string) int {
	if o, ok := c.overrides[team]; ok && o.MaxConcurrent > 0 {
		return o.MaxConcurrent
	}
	return c.cfg.TeamMaxConcurrent
}

func (c *Controller) teamLimiterLocked(team string) *rate.Limiter {
	if lim, ok := c.teams[team]; ok {
		return lim
	}
	interval := c.cfg.TeamMinInterval.Std()
	if o, ok := c.overrides[team]; ok && o.MinInterval > 0 {
		interval = o.MinInterval
	}
	lim := rate.NewLimiter(rate.Every(interval), 1)
	c.teams[team] = lim
	return lim
}

// waitFor reports how many milliseconds until the bucket holds a full
// token, or 0 if one is available now.
func waitFor(lim *rate.Limiter, now time.Time) int64 {
	tokens := lim.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	limit := float64(lim.Limit())
	if limit <= 0 {
		return 0
	}
	return int64(math.Ceil((1 - tokens) / limit * 1000))
}
