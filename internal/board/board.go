// Package board renders the task population as a swimlane board. The
// board is a read-only view: it groups whatever tasks it is handed and
// never touches the store.
package board

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/task"
)

// Swimlane selects the grouping dimension.
type Swimlane string

const (
	SwimlaneStatus Swimlane = "status"
	SwimlanePhase  Swimlane = "phase"
	SwimlaneAgent  Swimlane = "agent"
	SwimlaneTeam   Swimlane = "team"
)

// Pseudo-lane names for tasks that have no value on the grouping
// dimension. Parenthesized so they read as placeholders, and sorted
// after the real lanes.
const (
	laneNoGate     = "(no gate)"
	laneUnassigned = "(unassigned)"
	laneNoTeam     = "(no team)"
)

// ParseSwimlane validates a --swimlane flag value.
func ParseSwimlane(s string) (Swimlane, error) {
	switch Swimlane(s) {
	case SwimlaneStatus, SwimlanePhase, SwimlaneAgent, SwimlaneTeam:
		return Swimlane(s), nil
	}
	return "", aoferrors.ErrConfigInvalid("swimlane",
		fmt.Sprintf("%q is not one of status, phase, agent, team", s))
}

// Lane is one group of tasks.
type Lane struct {
	Name  string       `json:"name"`
	Tasks []*task.Task `json:"tasks"`
}

// Board is the grouped view over a project's tasks.
type Board struct {
	Project  string   `json:"project"`
	Swimlane Swimlane `json:"swimlane"`
	Lanes    []Lane   `json:"lanes"`
	Total    int      `json:"total"`
}

// Build groups tasks into lanes. Status boards always show all six
// status lanes so the board keeps its shape when lanes are empty; the
// other dimensions show only lanes that have tasks.
func Build(project string, tasks []*task.Task, by Swimlane) *Board {
	now := time.Now()
	byLane := make(map[string][]*task.Task)
	for _, t := range tasks {
		key := laneKey(t, by, now)
		byLane[key] = append(byLane[key], t)
	}

	b := &Board{Project: project, Swimlane: by, Total: len(tasks)}
	for _, name := range laneOrder(byLane, by) {
		lane := Lane{Name: name, Tasks: byLane[name]}
		task.SortForDispatch(lane.Tasks)
		b.Lanes = append(b.Lanes, lane)
	}
	return b
}

func laneKey(t *task.Task, by Swimlane, now time.Time) string {
	switch by {
	case SwimlanePhase:
		if t.Gate != nil && t.Gate.Current != "" {
			return t.Gate.Current
		}
		return laneNoGate
	case SwimlaneAgent:
		if t.HasActiveLease(now) {
			return t.Lease.Agent
		}
		if t.Routing.Agent != "" {
			return t.Routing.Agent
		}
		return laneUnassigned
	case SwimlaneTeam:
		if t.Routing.Team != "" {
			return t.Routing.Team
		}
		return laneNoTeam
	default:
		return string(t.Status)
	}
}

func laneOrder(byLane map[string][]*task.Task, by Swimlane) []string {
	if by == SwimlaneStatus || by == "" {
		names := make([]string, 0, 6)
		for _, st := range task.ValidStatuses() {
			names = append(names, string(st))
		}
		return names
	}
	var names, pseudo []string
	for name := range byLane {
		if strings.HasPrefix(name, "(") {
			pseudo = append(pseudo, name)
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	sort.Strings(pseudo)
	return append(names, pseudo...)
}

// Styles holds the board's visual styling.
type Styles struct {
	Header   lipgloss.Style
	Lane     lipgloss.Style
	LaneNote lipgloss.Style
	TaskID   lipgloss.Style
	Critical lipgloss.Style
	High     lipgloss.Style
	Low      lipgloss.Style
	Meta     lipgloss.Style
	Empty    lipgloss.Style
}

// DefaultStyles returns the colored board styling.
func DefaultStyles() Styles {
	return Styles{
		Header:   lipgloss.NewStyle().Bold(true),
		Lane:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		LaneNote: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		TaskID:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		Critical: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		High:     lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		Low:      lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Meta:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Empty:    lipgloss.NewStyle().Faint(true),
	}
}

// PlainStyles returns styling that renders text unchanged, for pipes
// and --no-color.
func PlainStyles() Styles {
	return Styles{}
}

// RenderOptions configures Render.
type RenderOptions struct {
	// Color selects DefaultStyles over PlainStyles.
	Color bool
	// Width is the target terminal width; zero means 80.
	Width int
	// Now anchors lease countdowns; zero means time.Now().
	Now time.Time
}

// Render draws the board as text, one lane section per group.
func (b *Board) Render(opts RenderOptions) string {
	styles := PlainStyles()
	if opts.Color {
		styles = DefaultStyles()
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	width := opts.Width
	if width <= 0 {
		width = 80
	}
	titleWidth := width - 32
	if titleWidth < 20 {
		titleWidth = 20
	}

	var sb strings.Builder
	header := fmt.Sprintf("%s · %d task(s) · by %s", b.Project, b.Total, b.Swimlane)
	sb.WriteString(styles.Header.Render(header))
	sb.WriteString("\n")
	sb.WriteString(styles.LaneNote.Render(strings.Repeat("─", min(utf8.RuneCountInString(header), width))))
	sb.WriteString("\n")

	for _, lane := range b.Lanes {
		sb.WriteString("\n")
		sb.WriteString(styles.Lane.Render(lane.Name))
		sb.WriteString(" ")
		sb.WriteString(styles.LaneNote.Render(fmt.Sprintf("(%d)", len(lane.Tasks))))
		sb.WriteString("\n")

		if len(lane.Tasks) == 0 {
			sb.WriteString("  ")
			sb.WriteString(styles.Empty.Render("empty"))
			sb.WriteString("\n")
			continue
		}
		for _, t := range lane.Tasks {
			sb.WriteString(b.renderRow(t, styles, now, titleWidth))
		}
	}
	return sb.String()
}

func (b *Board) renderRow(t *task.Task, styles Styles, now time.Time, titleWidth int) string {
	var sb strings.Builder
	sb.WriteString("  ")
	sb.WriteString(styles.TaskID.Render(fmt.Sprintf("%-12s", t.ID)))
	sb.WriteString(" ")
	sb.WriteString(priorityStyle(t.GetPriority(), styles).Render(fmt.Sprintf("%-8s", t.GetPriority())))
	sb.WriteString(" ")
	title := truncate(t.Title, titleWidth)
	if meta := b.rowMeta(t, now); meta != "" {
		sb.WriteString(fmt.Sprintf("%-*s", titleWidth, title))
		sb.WriteString("  ")
		sb.WriteString(styles.Meta.Render(meta))
	} else {
		sb.WriteString(title)
	}
	sb.WriteString("\n")
	return sb.String()
}

// rowMeta annotates a row with everything informative that is not the
// grouping dimension itself.
func (b *Board) rowMeta(t *task.Task, now time.Time) string {
	var parts []string
	if b.Swimlane != SwimlaneStatus && b.Swimlane != "" {
		parts = append(parts, string(t.Status))
	}
	if b.Swimlane != SwimlanePhase && t.Gate != nil && t.Gate.Current != "" {
		parts = append(parts, "gate:"+t.Gate.Current)
	}
	if b.Swimlane != SwimlaneAgent {
		if t.HasActiveLease(now) {
			remaining := t.Lease.ExpiresAt.Sub(now).Round(time.Second)
			parts = append(parts, fmt.Sprintf("%s lease %s", t.Lease.Agent, remaining))
		} else if t.Routing.Agent != "" {
			parts = append(parts, "@"+t.Routing.Agent)
		}
	}
	if b.Swimlane != SwimlaneTeam && t.Routing.Team != "" {
		parts = append(parts, "team:"+t.Routing.Team)
	}
	return strings.Join(parts, " · ")
}

func priorityStyle(p task.Priority, styles Styles) lipgloss.Style {
	switch p {
	case task.PriorityCritical:
		return styles.Critical
	case task.PriorityHigh:
		return styles.High
	case task.PriorityLow:
		return styles.Low
	}
	return lipgloss.NewStyle()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 1 {
		return string(runes[:n])
	}
	return string(runes[:n-1]) + "…"
}
