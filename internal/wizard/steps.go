package wizard

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	cursorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Option is one selectable choice.
type Option struct {
	Value string
	Label string
	Help  string
}

// SelectStep picks one option from a list.
type SelectStep struct {
	id      string
	title   string
	hint    string
	options []Option
	skip    func(State) bool
}

// NewSelectStep builds a single-choice step.
func NewSelectStep(id, title string, options []Option) *SelectStep {
	return &SelectStep{id: id, title: title, options: options}
}

// WithHint sets the help text.
func (s *SelectStep) WithHint(hint string) *SelectStep {
	s.hint = hint
	return s
}

// SkipWhen disables the step when fn returns true.
func (s *SelectStep) SkipWhen(fn func(State) bool) *SelectStep {
	s.skip = fn
	return s
}

func (s *SelectStep) ID() string    { return s.id }
func (s *SelectStep) Title() string { return s.title }
func (s *SelectStep) Hint() string  { return s.hint }

func (s *SelectStep) Skip(state State) bool {
	return s.skip != nil && s.skip(state)
}

func (s *SelectStep) Model(State) tea.Model {
	return &selectModel{options: s.options, chosen: -1}
}

func (s *SelectStep) Store(model tea.Model, state State) {
	if m, ok := model.(*selectModel); ok && m.chosen >= 0 {
		state[s.id] = m.options[m.chosen].Value
	}
}

type selectModel struct {
	options []Option
	cursor  int
	chosen  int
}

func (m *selectModel) Init() tea.Cmd { return nil }

func (m *selectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.options)-1 {
				m.cursor++
			}
		case "enter", " ":
			m.chosen = m.cursor
			return m, Done()
		}
	}
	return m, nil
}

func (m *selectModel) View() string {
	var b strings.Builder
	for i, opt := range m.options {
		line := "  " + opt.Label
		if i == m.cursor {
			line = "> " + opt.Label
		}
		if opt.Help != "" {
			line += " - " + subtleStyle.Render(opt.Help)
		}
		if i == m.cursor {
			line = cursorStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n" + subtleStyle.Render("↑/↓: navigate • enter: select"))
	return b.String()
}

// InputStep collects a line of text.
type InputStep struct {
	id          string
	title       string
	hint        string
	placeholder string
	initial     string
	skip        func(State) bool
	validate    func(string) error
}

// NewInputStep builds a text input step.
func NewInputStep(id, title string) *InputStep {
	return &InputStep{id: id, title: title}
}

// WithHint sets the help text.
func (s *InputStep) WithHint(hint string) *InputStep {
	s.hint = hint
	return s
}

// WithPlaceholder sets the empty-field placeholder.
func (s *InputStep) WithPlaceholder(p string) *InputStep {
	s.placeholder = p
	return s
}

// WithDefault pre-fills the field.
func (s *InputStep) WithDefault(v string) *InputStep {
	s.initial = v
	return s
}

// WithValidate rejects answers until fn accepts them.
func (s *InputStep) WithValidate(fn func(string) error) *InputStep {
	s.validate = fn
	return s
}

// SkipWhen disables the step when fn returns true.
func (s *InputStep) SkipWhen(fn func(State) bool) *InputStep {
	s.skip = fn
	return s
}

func (s *InputStep) ID() string    { return s.id }
func (s *InputStep) Title() string { return s.title }
func (s *InputStep) Hint() string  { return s.hint }

func (s *InputStep) Skip(state State) bool {
	return s.skip != nil && s.skip(state)
}

func (s *InputStep) Model(State) tea.Model {
	ti := textinput.New()
	ti.Placeholder = s.placeholder
	ti.SetValue(s.initial)
	ti.Focus()
	ti.Width = 50
	return &inputModel{input: ti, validate: s.validate}
}

func (s *InputStep) Store(model tea.Model, state State) {
	if m, ok := model.(*inputModel); ok {
		state[s.id] = strings.TrimSpace(m.input.Value())
	}
}

type inputModel struct {
	input    textinput.Model
	validate func(string) error
	err      error
}

func (m *inputModel) Init() tea.Cmd { return textinput.Blink }

func (m *inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "enter" {
		if m.validate != nil {
			if err := m.validate(strings.TrimSpace(m.input.Value())); err != nil {
				m.err = err
				return m, nil
			}
		}
		return m, Done()
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *inputModel) View() string {
	out := m.input.View() + "\n\n"
	if m.err != nil {
		out += errorStyle.Render("Error: "+m.err.Error()) + "\n"
	}
	return out + subtleStyle.Render("enter: confirm")
}

// ConfirmStep asks yes or no.
type ConfirmStep struct {
	id      string
	title   string
	hint    string
	initial bool
	skip    func(State) bool
}

// NewConfirmStep builds a yes/no step defaulting to yes.
func NewConfirmStep(id, title string) *ConfirmStep {
	return &ConfirmStep{id: id, title: title, initial: true}
}

// WithHint sets the help text.
func (s *ConfirmStep) WithHint(hint string) *ConfirmStep {
	s.hint = hint
	return s
}

// WithDefault sets the pre-selected answer.
func (s *ConfirmStep) WithDefault(v bool) *ConfirmStep {
	s.initial = v
	return s
}

// SkipWhen disables the step when fn returns true.
func (s *ConfirmStep) SkipWhen(fn func(State) bool) *ConfirmStep {
	s.skip = fn
	return s
}

func (s *ConfirmStep) ID() string    { return s.id }
func (s *ConfirmStep) Title() string { return s.title }
func (s *ConfirmStep) Hint() string  { return s.hint }

func (s *ConfirmStep) Skip(state State) bool {
	return s.skip != nil && s.skip(state)
}

func (s *ConfirmStep) Model(State) tea.Model {
	return &confirmModel{value: s.initial}
}

func (s *ConfirmStep) Store(model tea.Model, state State) {
	if m, ok := model.(*confirmModel); ok {
		state[s.id] = m.value
	}
}

type confirmModel struct {
	value bool
}

func (m *confirmModel) Init() tea.Cmd { return nil }

func (m *confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "y", "Y":
			m.value = true
			return m, Done()
		case "n", "N":
			m.value = false
			return m, Done()
		case "left", "h":
			m.value = true
		case "right", "l":
			m.value = false
		case "enter":
			return m, Done()
		}
	}
	return m, nil
}

func (m *confirmModel) View() string {
	on := cursorStyle.Bold(true)
	yes, no := subtleStyle.Render(" Yes "), subtleStyle.Render(" No ")
	if m.value {
		yes = on.Render("[Yes]")
	} else {
		no = on.Render("[No]")
	}
	return fmt.Sprintf("%s / %s\n\n%s", yes, no,
		subtleStyle.Render("y/n: select • ←/→: toggle • enter: confirm"))
}
