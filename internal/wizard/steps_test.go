package wizard

import (
	"fmt"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
	}
}

func TestSelectStepStoresChosenValue(t *testing.T) {
	step := NewSelectStep("workflow", "Pick a workflow", []Option{
		{Value: "dev", Label: "Development"},
		{Value: "ops", Label: "Operations"},
	})

	m := step.Model(State{})
	m, _ = m.Update(key("down"))
	m, cmd := m.Update(key("enter"))
	require.NotNil(t, cmd, "enter should complete the step")

	state := State{}
	step.Store(m, state)
	assert.Equal(t, "ops", state.String("workflow"))
}

func TestInputStepValidationBlocksCompletion(t *testing.T) {
	step := NewInputStep("project", "Project id").
		WithValidate(func(v string) error {
			if v == "" {
				return fmt.Errorf("required")
			}
			return nil
		})

	m := step.Model(State{})
	m, cmd := m.Update(key("enter"))
	assert.Nil(t, cmd, "empty answer must not complete")

	m, _ = m.Update(key("d"))
	_, cmd = m.Update(key("enter"))
	assert.NotNil(t, cmd, "valid answer completes")
}

func TestConfirmStepDirectAnswer(t *testing.T) {
	step := NewConfirmStep("watch", "Watch rules file?").WithDefault(true)

	m := step.Model(State{})
	m, cmd := m.Update(key("n"))
	require.NotNil(t, cmd)

	state := State{}
	step.Store(m, state)
	assert.False(t, state.Bool("watch"))
}

func TestWizardSkipsDisabledSteps(t *testing.T) {
	url := NewInputStep("webhook_url", "Webhook URL").
		SkipWhen(func(s State) bool { return s.String("executor") != "webhook" })

	state := State{"executor": "mock"}
	w := New(url).WithState(state)

	// Run would start the terminal program; exercise the skip path directly.
	w.advance()
	assert.Equal(t, 1, w.current, "the only step is skipped, wizard is done")
}
