// Package workflow defines gate sequences and loads them from YAML.
// A workflow is an ordered list of review gates; tasks walk the list
// forward on approval and jump backward on rejection.
package workflow

import (
	"fmt"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/util"
)

// RejectionStrategy selects where a rejected task returns to.
type RejectionStrategy string

const (
	// RejectToOrigin returns rejected tasks to the first gate.
	RejectToOrigin RejectionStrategy = "origin"
	// RejectToPrevious returns rejected tasks to the nearest prior
	// enabled gate.
	RejectToPrevious RejectionStrategy = "previous"
)

// Gate is one review stage in a workflow.
type Gate struct {
	// ID names the gate within its workflow.
	ID string `yaml:"id"`

	// Role required to act on the gate.
	Role string `yaml:"role"`

	// CanReject allows outcome needs_review at this gate.
	CanReject bool `yaml:"canReject"`

	// Timeout escalates the gate when a task sits at it longer than this.
	// Zero means no timeout.
	Timeout util.Duration `yaml:"timeout,omitempty"`

	// EscalateTo is the role the task is rerouted to on timeout.
	EscalateTo string `yaml:"escalateTo,omitempty"`

	// When is a predicate expression; a gate whose predicate evaluates
	// false for a task is skipped. Empty means always enabled.
	When string `yaml:"when,omitempty"`

	pred    Predicate
	predErr error
}

// Enabled reports whether the gate applies to a task. Gates whose When
// expression failed to parse are disabled.
func (g *Gate) Enabled(in PredicateInput) bool {
	if g.When == "" {
		return true
	}
	if g.predErr != nil || g.pred == nil {
		return false
	}
	return g.pred(in)
}

// Workflow is a named, ordered gate sequence.
type Workflow struct {
	Name              string            `yaml:"name"`
	Description       string            `yaml:"description,omitempty"`
	RejectionStrategy RejectionStrategy `yaml:"rejectionStrategy,omitempty"`
	Gates             []Gate            `yaml:"gates"`
}

// Strategy returns the effective rejection strategy; origin is the default.
func (w *Workflow) Strategy() RejectionStrategy {
	if w.RejectionStrategy == RejectToPrevious {
		return RejectToPrevious
	}
	return RejectToOrigin
}

// GateIndex returns the position of a gate id, or -1.
func (w *Workflow) GateIndex(id string) int {
	for i := range w.Gates {
		if w.Gates[i].ID == id {
			return i
		}
	}
	return -1
}

// Gate returns the gate with the given id, or nil.
func (w *Workflow) Gate(id string) *Gate {
	if i := w.GateIndex(id); i >= 0 {
		return &w.Gates[i]
	}
	return nil
}

// FirstEnabled returns the first gate whose predicate passes for the input,
// plus the ids of gates skipped on the way. Returns nil when every gate is
// disabled.
func (w *Workflow) FirstEnabled(in PredicateInput) (*Gate, []string) {
	var skipped []string
	for i := range w.Gates {
		if w.Gates[i].Enabled(in) {
			return &w.Gates[i], skipped
		}
		skipped = append(skipped, w.Gates[i].ID)
	}
	return nil, skipped
}

// Validate checks structural integrity: non-empty name, at least one gate,
// unique gate ids, a role on every gate and a known rejection strategy.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return aoferrors.ErrConfigInvalid("workflow.name", "must not be empty")
	}
	if len(w.Gates) == 0 {
		return aoferrors.ErrConfigInvalid("workflow.gates", fmt.Sprintf("workflow %q has no gates", w.Name))
	}
	seen := make(map[string]bool, len(w.Gates))
	for i := range w.Gates {
		g := &w.Gates[i]
		if g.ID == "" {
			return aoferrors.ErrConfigInvalid("gate.id", fmt.Sprintf("workflow %q gate %d has no id", w.Name, i))
		}
		if seen[g.ID] {
			return aoferrors.ErrConfigInvalid("gate.id", fmt.Sprintf("workflow %q repeats gate %q", w.Name, g.ID))
		}
		seen[g.ID] = true
		if g.Role == "" {
			return aoferrors.ErrConfigInvalid("gate.role", fmt.Sprintf("workflow %q gate %q has no role", w.Name, g.ID))
		}
	}
	switch w.RejectionStrategy {
	case "", RejectToOrigin, RejectToPrevious:
	default:
		return aoferrors.ErrConfigInvalid("workflow.rejectionStrategy",
			fmt.Sprintf("workflow %q: unknown strategy %q", w.Name, w.RejectionStrategy))
	}
	return nil
}

// Compile parses every gate's When expression. Parse failures disable the
// gate and are returned for lint reporting; they do not fail the load.
func (w *Workflow) Compile() []Issue {
	var issues []Issue
	for i := range w.Gates {
		g := &w.Gates[i]
		if g.When == "" {
			continue
		}
		g.pred, g.predErr = ParsePredicate(g.When)
		if g.predErr != nil {
			issues = append(issues, Issue{
				Workflow: w.Name,
				Gate:     g.ID,
				Detail:   fmt.Sprintf("when %q: %v (gate disabled)", g.When, g.predErr),
			})
		}
	}
	return issues
}

// Issue is a non-fatal workflow problem surfaced by lint.
type Issue struct {
	Workflow string `json:"workflow"`
	Gate     string `json:"gate,omitempty"`
	Detail   string `json:"detail"`
}
