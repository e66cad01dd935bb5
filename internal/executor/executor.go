// Package executor starts agents for dispatched tasks. The scheduler calls
// Spawn and moves on; agents report progress back through the tool surface,
// never through the executor.
package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/aof/internal/config"
	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/task"
)

// Executor kinds selectable in aof.yaml.
const (
	KindMock    = "mock"
	KindWebhook = "webhook"
)

// TaskContext is the read-only dispatch view handed to an executor. It is
// what a freshly spawned agent knows about its assignment.
type TaskContext struct {
	TaskID    string   `json:"taskId"`
	Project   string   `json:"project"`
	Title     string   `json:"title"`
	Brief     string   `json:"brief,omitempty"`
	Agent     string   `json:"agent"`
	Team      string   `json:"team,omitempty"`
	Workflow  string   `json:"workflow,omitempty"`
	Gate      string   `json:"gate,omitempty"`
	Priority  string   `json:"priority"`
	Resource  string   `json:"resource,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// ContextFor builds the dispatch view of a task. gate names the workflow
// gate the agent will work toward; agent is the resolved assignee.
func ContextFor(t *task.Task, agent, gate string) TaskContext {
	return TaskContext{
		TaskID:    t.ID,
		Project:   t.Project,
		Title:     t.Title,
		Brief:     t.Body,
		Agent:     agent,
		Team:      t.Routing.Team,
		Workflow:  t.Routing.Workflow,
		Gate:      gate,
		Priority:  string(t.GetPriority()),
		Resource:  t.Resource,
		DependsOn: append([]string(nil), t.DependsOn...),
		Tags:      append([]string(nil), t.Routing.Tags...),
	}
}

// SpawnResult is what a successful spawn reports back.
type SpawnResult struct {
	// SessionID correlates the spawned agent session with later tool
	// calls and transcript artifacts.
	SessionID string `json:"sessionId"`
}

// Executor assigns a task to an agent. Spawn returns once the agent is
// started (or refused); it never waits for the work itself.
type Executor interface {
	Name() string
	Spawn(ctx context.Context, tc TaskContext) (SpawnResult, error)
}

// New builds the executor selected by the config. An empty kind means mock.
func New(cfg config.ExecutorConfig, log *slog.Logger) (Executor, error) {
	switch cfg.Kind {
	case "", KindMock:
		return NewMock(), nil
	case KindWebhook:
		if cfg.WebhookURL == "" {
			return nil, aoferrors.ErrConfigInvalid("executor.webhook_url",
				"the webhook executor needs a url")
		}
		return NewWebhook(cfg.WebhookURL, cfg.SpawnTimeout.Std(), log), nil
	default:
		return nil, aoferrors.ErrConfigInvalid("executor.kind",
			fmt.Sprintf("unknown executor kind %q (want mock or webhook)", cfg.Kind))
	}
}
