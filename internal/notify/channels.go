package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/aof/internal/events"
)

// Built-in channel names.
const (
	ChannelLog     = "log"
	ChannelFile    = "file"
	ChannelWebhook = "webhook"
)

// NotificationsFile is the file channel's target under a project's state
// directory.
const NotificationsFile = "notifications.log"

// Notification is one rendered message bound for a channel.
type Notification struct {
	Rule      string           `json:"rule"`
	Severity  Severity         `json:"severity"`
	Audience  []string         `json:"audience,omitempty"`
	Channel   string           `json:"channel"`
	Message   string           `json:"message"`
	EventType events.EventType `json:"eventType"`
	TaskID    string           `json:"taskId,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Channel delivers notifications. Send failures are logged by the engine
// and never propagate to emitters.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// LogChannel writes notifications to the structured log at the level the
// severity maps to.
type LogChannel struct {
	log *slog.Logger
}

// NewLogChannel builds the log channel.
func NewLogChannel(log *slog.Logger) *LogChannel {
	if log == nil {
		log = slog.Default()
	}
	return &LogChannel{log: log}
}

// Name implements Channel.
func (c *LogChannel) Name() string { return ChannelLog }

// Send implements Channel. It cannot fail.
func (c *LogChannel) Send(ctx context.Context, n Notification) error {
	attrs := []slog.Attr{
		slog.String("event", string(n.EventType)),
		slog.String("rule", n.Rule),
	}
	if n.TaskID != "" {
		attrs = append(attrs, slog.String("task", n.TaskID))
	}
	if len(n.Audience) > 0 {
		attrs = append(attrs, slog.String("audience", strings.Join(n.Audience, ",")))
	}
	c.log.LogAttrs(ctx, n.Severity.Level(), n.Message, attrs...)
	return nil
}

// FileChannel appends one line per notification to a log file, creating
// the parent directory on first use.
type FileChannel struct {
	path string

	mu sync.Mutex
}

// NewFileChannel builds a file channel writing to the given path.
func NewFileChannel(path string) *FileChannel {
	return &FileChannel{path: path}
}

// StateNotificationsPath is the canonical file channel target for a
// project directory.
func StateNotificationsPath(projectDir string) string {
	return filepath.Join(projectDir, "state", NotificationsFile)
}

// Name implements Channel.
func (c *FileChannel) Name() string { return ChannelFile }

// Send implements Channel.
func (c *FileChannel) Send(ctx context.Context, n Notification) error {
	line := fmt.Sprintf("%s [%s] %s", n.Timestamp.UTC().Format(time.RFC3339), n.Severity, n.Message)
	if len(n.Audience) > 0 {
		line += " (to " + strings.Join(n.Audience, ", ") + ")"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("create notifications directory: %w", err)
	}
	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open notifications log: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("append notification: %w", err)
	}
	return nil
}

const defaultWebhookTimeout = 10 * time.Second

// WebhookChannel posts each notification as JSON to an HTTP endpoint.
// Any 2xx response counts as delivered.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel builds a webhook channel with the given per-send
// timeout.
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Name implements Channel.
func (c *WebhookChannel) Name() string { return ChannelWebhook }

// Send implements Channel.
func (c *WebhookChannel) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notification endpoint returned %d: %s",
			resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
