// Package org loads the organization chart: teams, their members and
// roles, default agents for routing, and per-team dispatch limits. The
// chart is input data; the fabric consumes it but never rewrites it.
package org

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/throttle"
	"github.com/randalmurphal/aof/internal/util"
)

// ChartFileName is the org chart file at the vault root.
const ChartFileName = "org.yaml"

// Member is one person or agent in a team. Name doubles as the agent
// identifier used in routing and leases.
type Member struct {
	Name string `yaml:"name"`
	Role string `yaml:"role,omitempty"`
}

// Team groups members and may override the configured dispatch limits.
type Team struct {
	Name string `yaml:"name"`

	// DefaultAgent receives the team's work when no member matches the
	// requested role.
	DefaultAgent string `yaml:"defaultAgent,omitempty"`

	// MaxConcurrent overrides throttle.team_max_concurrent for this team.
	MaxConcurrent int `yaml:"maxConcurrent,omitempty"`

	// MinInterval overrides throttle.team_min_interval for this team.
	MinInterval util.Duration `yaml:"minInterval,omitempty"`

	Members []Member `yaml:"members,omitempty"`
}

type membership struct {
	role string
	team string
}

// Chart is the loaded org chart. Lookup maps are built once at load; the
// chart is read-only afterwards and safe for concurrent use.
type Chart struct {
	Version int    `yaml:"version"`
	Teams   []Team `yaml:"teams,omitempty"`

	members map[string]membership
	teams   map[string]*Team
	roles   map[string]bool
}

// permission roles are always valid notification audiences, chart or not.
var structuralAudiences = map[string]bool{
	"admin":    true,
	"lead":     true,
	"observer": true,
}

// Empty reports whether the chart names nobody.
func (c *Chart) Empty() bool {
	return len(c.members) == 0
}

// RoleOf returns an agent's role, or "" for agents the chart does not
// know. The guard maps unknown roles to member-level permissions.
func (c *Chart) RoleOf(agent string) string {
	return c.members[agent].role
}

// TeamOf returns the team an agent belongs to, or "".
func (c *Chart) TeamOf(agent string) string {
	return c.members[agent].team
}

// MemberNames returns every member name in team order.
func (c *Chart) MemberNames() []string {
	var out []string
	for _, t := range c.Teams {
		for _, m := range t.Members {
			out = append(out, m.Name)
		}
	}
	return out
}

// DefaultAgent resolves routing without an explicit agent. Within a team,
// a member holding the requested role wins over the team's defaultAgent,
// which wins over the first listed member. With no team, the first member
// anywhere holding the role wins. Returns "" when nothing resolves; the
// scheduler substitutes its own fallback.
func (c *Chart) DefaultAgent(team, role string) string {
	if team != "" {
		t, ok := c.teams[team]
		if !ok {
			return ""
		}
		if role != "" {
			for _, m := range t.Members {
				if m.Role == role {
					return m.Name
				}
			}
		}
		if t.DefaultAgent != "" {
			return t.DefaultAgent
		}
		if len(t.Members) > 0 {
			return t.Members[0].Name
		}
		return ""
	}
	if role != "" {
		for _, t := range c.Teams {
			for _, m := range t.Members {
				if m.Role == role {
					return m.Name
				}
			}
		}
	}
	return ""
}

// KnownAudience reports whether a notification audience names something
// in the org: a team, a member, a role in use, or one of the permission
// roles. An empty chart admits everything, since there is no roster to
// filter against.
func (c *Chart) KnownAudience(name string) bool {
	if c.Empty() {
		return true
	}
	if structuralAudiences[name] {
		return true
	}
	if _, ok := c.teams[name]; ok {
		return true
	}
	if _, ok := c.members[name]; ok {
		return true
	}
	return c.roles[name]
}

// KnownTeam reports whether a team exists in the chart. An empty chart
// admits everything.
func (c *Chart) KnownTeam(name string) bool {
	if c.Empty() {
		return true
	}
	_, ok := c.teams[name]
	return ok
}

// KnownAgent reports whether a name can legitimately hold work: a roster
// member or some team's default agent. An empty chart admits everything.
func (c *Chart) KnownAgent(name string) bool {
	if c.Empty() {
		return true
	}
	if _, ok := c.members[name]; ok {
		return true
	}
	for _, t := range c.Teams {
		if t.DefaultAgent != "" && t.DefaultAgent == name {
			return true
		}
	}
	return false
}

// KnownRole reports whether a role appears in the roster or is one of the
// permission roles. An empty chart admits everything.
func (c *Chart) KnownRole(role string) bool {
	if c.Empty() {
		return true
	}
	return c.roles[role] || structuralAudiences[role]
}

// ApplyLimits installs each team's dispatch overrides on the throttle
// controller.
func (c *Chart) ApplyLimits(ctrl *throttle.Controller) {
	for _, t := range c.Teams {
		if t.MaxConcurrent <= 0 && t.MinInterval <= 0 {
			continue
		}
		ctrl.SetTeamLimits(t.Name, throttle.TeamLimits{
			MaxConcurrent: t.MaxConcurrent,
			MinInterval:   t.MinInterval.Std(),
		})
	}
}

// index builds the lookup maps and validates the chart.
func (c *Chart) index() error {
	c.members = make(map[string]membership)
	c.teams = make(map[string]*Team)
	c.roles = make(map[string]bool)

	for i := range c.Teams {
		t := &c.Teams[i]
		if t.Name == "" {
			return aoferrors.ErrConfigInvalid("org.teams", "team without a name")
		}
		if _, dup := c.teams[t.Name]; dup {
			return aoferrors.ErrConfigInvalid("org.teams", fmt.Sprintf("duplicate team %q", t.Name))
		}
		c.teams[t.Name] = t

		for _, m := range t.Members {
			if m.Name == "" {
				return aoferrors.ErrConfigInvalid("org.teams",
					fmt.Sprintf("team %q has an unnamed member", t.Name))
			}
			if prev, dup := c.members[m.Name]; dup {
				return aoferrors.ErrConfigInvalid("org.teams",
					fmt.Sprintf("member %q appears in both %q and %q", m.Name, prev.team, t.Name))
			}
			c.members[m.Name] = membership{role: m.Role, team: t.Name}
			if m.Role != "" {
				c.roles[m.Role] = true
			}
		}
	}
	return nil
}

// Load reads org.yaml from the vault root. A missing file yields an
// empty chart; every lookup then falls back to its default.
func Load(root string) (*Chart, error) {
	path := filepath.Join(root, ChartFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c := &Chart{Version: 1}
			return c, c.index()
		}
		return nil, aoferrors.ErrIO("read org chart", err)
	}

	var c Chart
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, aoferrors.ErrConfigInvalid(path, err.Error())
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveTo writes the chart to org.yaml under the vault root. The wizard
// uses this to scaffold a starter chart.
func (c *Chart) SaveTo(root string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return aoferrors.ErrInternal("marshal org chart", err)
	}
	if err := os.WriteFile(filepath.Join(root, ChartFileName), data, 0644); err != nil {
		return aoferrors.ErrIO("write org chart", err)
	}
	return nil
}
