package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const defaultSpawnTimeout = 30 * time.Second

// Webhook posts the task context to an HTTP endpoint that starts the agent.
// A 2xx response means spawned; the endpoint may return a session id of its
// own, otherwise one is generated.
type Webhook struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

// NewWebhook builds a webhook executor with the given per-spawn timeout.
func NewWebhook(url string, timeout time.Duration, log *slog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = defaultSpawnTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Name implements Executor.
func (w *Webhook) Name() string { return KindWebhook }

// Spawn posts the context and interprets the response.
func (w *Webhook) Spawn(ctx context.Context, tc TaskContext) (SpawnResult, error) {
	body, err := json.Marshal(tc)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("encode task context: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return SpawnResult{}, fmt.Errorf("build spawn request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("spawn %s: %w", tc.TaskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SpawnResult{}, fmt.Errorf("spawn %s: endpoint returned %d: %s",
			tc.TaskID, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out SpawnResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil || out.SessionID == "" {
		out.SessionID = uuid.NewString()
	}
	w.log.Debug("agent spawned", "task", tc.TaskID, "agent", tc.Agent, "session", out.SessionID)
	return out, nil
}
