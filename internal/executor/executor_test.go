package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/aof/internal/config"
	"github.com/randalmurphal/aof/internal/task"
	"github.com/randalmurphal/aof/internal/util"
)

func sampleContext() TaskContext {
	return TaskContext{
		TaskID:   "DEMO-20260824-001",
		Project:  "demo",
		Title:    "Wire the signup form",
		Agent:    "agent-red",
		Team:     "platform",
		Workflow: "dev",
		Gate:     "implement",
		Priority: "normal",
	}
}

func TestContextFor(t *testing.T) {
	tk := task.New("demo", "DEMO-20260824-001", "Wire the signup form", "cli")
	tk.Body = "## Goal\n\nShip it."
	tk.Routing = task.Routing{Workflow: "dev", Team: "platform", Tags: []string{"frontend"}}
	tk.DependsOn = []string{"DEMO-20260824-000"}
	tk.Priority = task.PriorityHigh

	tc := ContextFor(tk, "agent-red", "implement")
	assert.Equal(t, "DEMO-20260824-001", tc.TaskID)
	assert.Equal(t, "agent-red", tc.Agent)
	assert.Equal(t, "implement", tc.Gate)
	assert.Equal(t, "high", tc.Priority)
	assert.Equal(t, []string{"DEMO-20260824-000"}, tc.DependsOn)
	assert.Equal(t, "## Goal\n\nShip it.", tc.Brief)

	// The view owns its slices.
	tc.DependsOn[0] = "mutated"
	assert.Equal(t, "DEMO-20260824-000", tk.DependsOn[0])
}

func TestMockSpawn(t *testing.T) {
	m := NewMock()
	res, err := m.Spawn(context.Background(), sampleContext())
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, 1, m.SpawnCount("DEMO-20260824-001"))
	require.Len(t, m.Spawned(), 1)
	assert.Equal(t, "agent-red", m.Spawned()[0].Agent)
}

func TestMockScriptedFailures(t *testing.T) {
	m := NewMock()
	boom := errors.New("agent pool exhausted")

	m.FailNext(boom)
	_, err := m.Spawn(context.Background(), sampleContext())
	assert.ErrorIs(t, err, boom)

	_, err = m.Spawn(context.Background(), sampleContext())
	assert.NoError(t, err, "FailNext only fails once")

	m.FailTask("DEMO-20260824-001", boom)
	_, err = m.Spawn(context.Background(), sampleContext())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, m.SpawnCount("DEMO-20260824-001"), "failed spawns are not recorded")
}

func TestMockHonorsContext(t *testing.T) {
	m := NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Spawn(ctx, sampleContext())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWebhookSpawn(t *testing.T) {
	var got TaskContext
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"sessionId": "sess-42"})
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, time.Second, slog.New(slog.DiscardHandler))
	res, err := wh.Spawn(context.Background(), sampleContext())
	require.NoError(t, err)
	assert.Equal(t, "sess-42", res.SessionID)
	assert.Equal(t, "DEMO-20260824-001", got.TaskID)
}

func TestWebhookGeneratesSessionWhenMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, time.Second, slog.New(slog.DiscardHandler))
	res, err := wh.Spawn(context.Background(), sampleContext())
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
}

func TestWebhookNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, time.Second, slog.New(slog.DiscardHandler))
	_, err := wh.Spawn(context.Background(), sampleContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "no capacity")
}

func TestNewFromConfig(t *testing.T) {
	log := slog.New(slog.DiscardHandler)

	ex, err := New(config.ExecutorConfig{Kind: "mock"}, log)
	require.NoError(t, err)
	assert.Equal(t, KindMock, ex.Name())

	ex, err = New(config.ExecutorConfig{}, log)
	require.NoError(t, err)
	assert.Equal(t, KindMock, ex.Name(), "empty kind defaults to mock")

	ex, err = New(config.ExecutorConfig{
		Kind:         "webhook",
		WebhookURL:   "http://127.0.0.1:9/spawn",
		SpawnTimeout: util.Duration(time.Second),
	}, log)
	require.NoError(t, err)
	assert.Equal(t, KindWebhook, ex.Name())

	_, err = New(config.ExecutorConfig{Kind: "webhook"}, log)
	assert.Error(t, err, "webhook without url is a config error")

	_, err = New(config.ExecutorConfig{Kind: "carrier-pigeon"}, log)
	assert.Error(t, err)
}
