// Package notify routes events to notification channels through a
// rule table. Rules live in an embedded default set or a YAML file under
// the vault root; the file may be hot-reloaded while the engine runs.
package notify

import (
	"embed"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/aof/internal/events"
)

//go:embed defaults/rules.yaml
var defaultsFS embed.FS

// Severity classifies a notification. Unknown severities collapse to info.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// NormalizeSeverity maps arbitrary input to a known severity.
func NormalizeSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityDebug:
		return SeverityDebug
	case SeverityWarning, "warn":
		return SeverityWarning
	case SeverityCritical, "error", "crit":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// Level maps a severity onto the slog level used by the log channel.
func (s Severity) Level() slog.Level {
	switch s {
	case SeverityDebug:
		return slog.LevelDebug
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Match selects the events a rule applies to. EventType is an exact type
// or a doublestar pattern over dot-separated segments ("task.*" matches
// task.created but not task.validation.failed; "task.**" matches both).
// Payload entries are gjson paths that must resolve to the given value.
type Match struct {
	EventType string            `yaml:"eventType"`
	Payload   map[string]string `yaml:"payload,omitempty"`
}

// Rule is one row of the notification table. The first rule matching an
// event wins; later rules never see it.
type Rule struct {
	Name           string   `yaml:"name,omitempty"`
	Match          Match    `yaml:"match"`
	Severity       string   `yaml:"severity,omitempty"`
	Audience       []string `yaml:"audience,omitempty"`
	Channel        string   `yaml:"channel"`
	Template       string   `yaml:"template"`
	DedupeWindowMs int      `yaml:"dedupeWindowMs,omitempty"`
	NeverSuppress  bool     `yaml:"neverSuppress,omitempty"`
}

// label names a rule in logs, falling back to its position.
func (r *Rule) label(idx int) string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("rule[%d]", idx)
}

// validate reports why a rule cannot fire. Invalid rules are skipped at
// load time, never at match time.
func (r *Rule) validate() error {
	if r.Match.EventType == "" {
		return fmt.Errorf("match.eventType is required")
	}
	if r.Channel == "" {
		return fmt.Errorf("channel is required")
	}
	if r.Template == "" {
		return fmt.Errorf("template is required")
	}
	if r.DedupeWindowMs < 0 {
		return fmt.Errorf("dedupeWindowMs must not be negative")
	}
	if _, err := doublestar.Match(dotPath(r.Match.EventType), ""); err != nil {
		return fmt.Errorf("match.eventType: %w", err)
	}
	return nil
}

// matches reports whether the rule applies to the event. payloadJSON is
// the JSON-encoded event payload, computed once per event.
func (r *Rule) matches(e events.Event, payloadJSON []byte) bool {
	if !matchEventType(r.Match.EventType, string(e.Type)) {
		return false
	}
	for path, want := range r.Match.Payload {
		got := gjson.GetBytes(payloadJSON, path)
		if !got.Exists() || got.String() != want {
			return false
		}
	}
	return true
}

// matchEventType compares an event type against a rule pattern. Dots are
// treated as segment separators so "*" stays within one segment and "**"
// crosses them.
func matchEventType(pattern, typ string) bool {
	if pattern == typ {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[{") {
		return false
	}
	ok, err := doublestar.Match(dotPath(pattern), dotPath(typ))
	return err == nil && ok
}

func dotPath(s string) string {
	return strings.ReplaceAll(s, ".", "/")
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// parseRules decodes a rules file, dropping invalid rules with a warning.
// It returns the valid rules in file order; an empty result is the
// caller's cue to fall back to the defaults.
func parseRules(data []byte, log *slog.Logger) ([]Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	valid := make([]Rule, 0, len(f.Rules))
	for i := range f.Rules {
		r := f.Rules[i]
		if err := r.validate(); err != nil {
			log.Warn("skipping invalid notification rule", "rule", r.label(i), "error", err)
			continue
		}
		r.Severity = string(NormalizeSeverity(r.Severity))
		valid = append(valid, r)
	}
	return valid, nil
}

// defaultRules parses the embedded rule set.
func defaultRules(log *slog.Logger) ([]Rule, error) {
	data, err := defaultsFS.ReadFile("defaults/rules.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded rules: %w", err)
	}
	rules, err := parseRules(data, log)
	if err != nil {
		return nil, fmt.Errorf("embedded rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("embedded rules: no valid rules")
	}
	return rules, nil
}
