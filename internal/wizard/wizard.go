// Package wizard is a small bubbletea step runner used by aof init.
// Steps collect answers into a shared State; the runner owns progress,
// styling and cancellation.
package wizard

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// State carries the answers collected so far, keyed by step.
type State map[string]any

// String reads a string answer, or "" when unset.
func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Bool reads a boolean answer, or false when unset.
func (s State) Bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// Step is one screen of the wizard.
type Step interface {
	// ID keys the step's answer in State.
	ID() string

	// Title is the heading shown above the step.
	Title() string

	// Hint is optional help text under the title.
	Hint() string

	// Skip reports whether the step applies given earlier answers.
	Skip(state State) bool

	// Model builds the step's bubbletea model.
	Model(state State) tea.Model

	// Store writes the completed model's answer into state.
	Store(model tea.Model, state State)
}

// Styles is the wizard palette.
type Styles struct {
	Title    lipgloss.Style
	Hint     lipgloss.Style
	Progress lipgloss.Style
	Error    lipgloss.Style
	Subtle   lipgloss.Style
}

// DefaultStyles returns the standard palette.
func DefaultStyles() Styles {
	return Styles{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1),
		Hint:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginBottom(1),
		Progress: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Error:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Subtle:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

// Wizard walks a fixed sequence of steps.
type Wizard struct {
	steps   []Step
	current int
	state   State
	model   tea.Model
	err     error
	styles  Styles
}

// New builds a wizard over the given steps.
func New(steps ...Step) *Wizard {
	return &Wizard{steps: steps, state: make(State), styles: DefaultStyles()}
}

// WithState seeds answers before the wizard runs.
func (w *Wizard) WithState(state State) *Wizard {
	w.state = state
	return w
}

// State returns the collected answers.
func (w *Wizard) State() State { return w.state }

// Run executes the wizard on the terminal. Ctrl+C and esc cancel.
func (w *Wizard) Run() error {
	w.advance()
	if w.current >= len(w.steps) {
		return nil
	}
	w.model = w.steps[w.current].Model(w.state)
	if _, err := tea.NewProgram(w).Run(); err != nil {
		return fmt.Errorf("wizard: %w", err)
	}
	return w.err
}

// advance moves past steps that do not apply.
func (w *Wizard) advance() {
	for w.current < len(w.steps) && w.steps[w.current].Skip(w.state) {
		w.current++
	}
}

// Init implements tea.Model.
func (w *Wizard) Init() tea.Cmd {
	if w.model == nil {
		return nil
	}
	return w.model.Init()
}

// Update implements tea.Model.
func (w *Wizard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if k := msg.String(); k == "ctrl+c" || k == "esc" {
			w.err = fmt.Errorf("cancelled")
			return w, tea.Quit
		}

	case stepDoneMsg:
		w.steps[w.current].Store(w.model, w.state)
		w.current++
		w.advance()
		if w.current >= len(w.steps) {
			return w, tea.Quit
		}
		w.model = w.steps[w.current].Model(w.state)
		return w, w.model.Init()
	}

	if w.model != nil {
		var cmd tea.Cmd
		w.model, cmd = w.model.Update(msg)
		return w, cmd
	}
	return w, nil
}

// View implements tea.Model.
func (w *Wizard) View() string {
	if w.current >= len(w.steps) {
		return ""
	}
	step := w.steps[w.current]

	out := w.styles.Progress.Render(fmt.Sprintf("Step %d of %d", w.current+1, len(w.steps))) + "\n\n"
	out += w.styles.Title.Render(step.Title()) + "\n"
	if hint := step.Hint(); hint != "" {
		out += w.styles.Hint.Render(hint) + "\n"
	}
	if w.model != nil {
		out += w.model.View()
	}
	return out
}

// stepDoneMsg signals that the current step finished.
type stepDoneMsg struct{}

// Done returns the command a step model emits when it completes.
func Done() tea.Cmd {
	return func() tea.Msg { return stepDoneMsg{} }
}
