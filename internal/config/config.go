// Package config loads and persists the fabric configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/util"
)

const (
	// ConfigFileName is the config file at the vault root.
	ConfigFileName = "aof.yaml"

	// ProjectsDir holds one subdirectory per project under the vault root.
	ProjectsDir = "Projects"
)

// LeaseConfig controls task ownership leases.
type LeaseConfig struct {
	// TTL is how long an acquired lease lasts before it must be renewed.
	TTL util.Duration `yaml:"ttl"`

	// MaxRenewals caps how often a lease may be renewed before the
	// holder must finish or lose the task.
	MaxRenewals int `yaml:"max_renewals"`
}

// SchedulerConfig controls the poll loop.
type SchedulerConfig struct {
	// PollInterval is the time between scheduled polls.
	PollInterval util.Duration `yaml:"poll_interval"`

	// PollTimeout aborts a poll that runs longer than this.
	PollTimeout util.Duration `yaml:"poll_timeout"`

	// DrainTimeout bounds how long stop waits for an in-flight poll.
	DrainTimeout util.Duration `yaml:"drain_timeout"`

	// DeadletterAfter is the number of consecutive dispatch failures
	// before a task is parked in the deadletter bucket.
	DeadletterAfter int `yaml:"deadletter_after"`

	// RetryAttempts bounds IO retries per scheduler action.
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBackoff is the linear backoff step between IO retries.
	RetryBackoff util.Duration `yaml:"retry_backoff"`
}

// ThrottleConfig controls dispatch rate and concurrency limits.
type ThrottleConfig struct {
	// MaxDispatches is the global in-progress concurrency ceiling.
	MaxDispatches int `yaml:"max_dispatches"`

	// MaxDispatchesPerPoll caps how many assigns a single poll may plan.
	MaxDispatchesPerPoll int `yaml:"max_dispatches_per_poll"`

	// MinDispatchInterval is the global minimum time between dispatches.
	MinDispatchInterval util.Duration `yaml:"min_dispatch_interval"`

	// TeamMaxConcurrent is the per-team in-progress ceiling, unless the
	// org chart overrides it for a team.
	TeamMaxConcurrent int `yaml:"team_max_concurrent"`

	// TeamMinInterval is the per-team minimum time between dispatches.
	TeamMinInterval util.Duration `yaml:"team_min_interval"`
}

// ExecutorConfig selects and configures the agent executor.
type ExecutorConfig struct {
	// Kind is the executor implementation: "mock" or "webhook".
	Kind string `yaml:"kind"`

	// WebhookURL receives dispatched task contexts when kind is webhook.
	WebhookURL string `yaml:"webhook_url,omitempty"`

	// SpawnTimeout bounds a single spawn call.
	SpawnTimeout util.Duration `yaml:"spawn_timeout"`
}

// NotifyConfig controls the notification engine.
type NotifyConfig struct {
	// RulesFile points at a notification rules YAML; empty uses the
	// built-in defaults.
	RulesFile string `yaml:"rules_file,omitempty"`

	// Watch hot-reloads the rules file on change.
	Watch bool `yaml:"watch"`

	// DedupeWindow suppresses identical notifications within the window.
	DedupeWindow util.Duration `yaml:"dedupe_window"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address for aof serve.
	Addr string `yaml:"addr"`
}

// MemoryConfig controls the event-digest curator.
type MemoryConfig struct {
	// CompletionBatch is how many task completions accumulate before a
	// digest review is due. Zero disables the trigger.
	CompletionBatch int `yaml:"completion_batch"`

	// Auto regenerates digests from the running daemon when a batch is due.
	Auto bool `yaml:"auto"`
}

// Config is the vault-level configuration stored in aof.yaml.
type Config struct {
	// Version is the config schema version.
	Version int `yaml:"version"`

	// DefaultProject is used when a command does not name a project.
	DefaultProject string `yaml:"default_project,omitempty"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	Lease     LeaseConfig     `yaml:"lease"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Notify    NotifyConfig    `yaml:"notify"`
	Server    ServerConfig    `yaml:"server"`
	Memory    MemoryConfig    `yaml:"memory"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version:  1,
		LogLevel: "info",
		Lease: LeaseConfig{
			TTL:         util.Duration(30 * time.Minute),
			MaxRenewals: 20,
		},
		Scheduler: SchedulerConfig{
			PollInterval:    util.Duration(30 * time.Second),
			PollTimeout:     util.Duration(60 * time.Second),
			DrainTimeout:    util.Duration(10 * time.Second),
			DeadletterAfter: 3,
			RetryAttempts:   3,
			RetryBackoff:    util.Duration(250 * time.Millisecond),
		},
		Throttle: ThrottleConfig{
			MaxDispatches:        4,
			MaxDispatchesPerPoll: 2,
			MinDispatchInterval:  util.Duration(2 * time.Second),
			TeamMaxConcurrent:    2,
			TeamMinInterval:      util.Duration(5 * time.Second),
		},
		Executor: ExecutorConfig{
			Kind:         "mock",
			SpawnTimeout: util.Duration(30 * time.Second),
		},
		Notify: NotifyConfig{
			Watch:        true,
			DedupeWindow: util.Duration(5 * time.Minute),
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7333",
		},
		Memory: MemoryConfig{
			CompletionBatch: 5,
			Auto:            true,
		},
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Lease.TTL <= 0 {
		return aoferrors.ErrConfigInvalid("lease.ttl", "must be positive")
	}
	if c.Lease.MaxRenewals < 0 {
		return aoferrors.ErrConfigInvalid("lease.max_renewals", "must not be negative")
	}
	if c.Scheduler.PollInterval <= 0 {
		return aoferrors.ErrConfigInvalid("scheduler.poll_interval", "must be positive")
	}
	if c.Scheduler.PollTimeout <= 0 {
		return aoferrors.ErrConfigInvalid("scheduler.poll_timeout", "must be positive")
	}
	if c.Scheduler.DeadletterAfter < 1 {
		return aoferrors.ErrConfigInvalid("scheduler.deadletter_after", "must be at least 1")
	}
	if c.Throttle.MaxDispatches < 1 {
		return aoferrors.ErrConfigInvalid("throttle.max_dispatches", "must be at least 1")
	}
	if c.Throttle.MaxDispatchesPerPoll < 1 {
		return aoferrors.ErrConfigInvalid("throttle.max_dispatches_per_poll", "must be at least 1")
	}
	switch c.Executor.Kind {
	case "mock", "webhook":
	default:
		return aoferrors.ErrConfigInvalid("executor.kind", fmt.Sprintf("unknown executor %q", c.Executor.Kind))
	}
	if c.Executor.Kind == "webhook" && c.Executor.WebhookURL == "" {
		return aoferrors.ErrConfigInvalid("executor.webhook_url", "required when executor.kind is webhook")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return aoferrors.ErrConfigInvalid("log_level", fmt.Sprintf("unknown level %q", c.LogLevel))
	}
	if c.Memory.CompletionBatch < 0 {
		return aoferrors.ErrConfigInvalid("memory.completion_batch", "must not be negative")
	}
	return nil
}

// LoadFrom loads aof.yaml from a vault root. A missing file yields the
// defaults; a malformed file is an error.
func LoadFrom(root string) (*Config, error) {
	path := filepath.Join(root, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, aoferrors.ErrIO("read config", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, aoferrors.ErrConfigInvalid(path, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveTo writes the configuration to aof.yaml under a vault root.
func (c *Config) SaveTo(root string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return aoferrors.ErrInternal("marshal config", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return aoferrors.ErrIO("create vault root", err)
	}
	if err := os.WriteFile(filepath.Join(root, ConfigFileName), data, 0644); err != nil {
		return aoferrors.ErrIO("write config", err)
	}
	return nil
}

// IsVaultRoot reports whether dir contains an aof.yaml.
func IsVaultRoot(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindRoot resolves the vault root. An explicit path wins; otherwise the
// AOF_ROOT environment variable; otherwise the nearest ancestor of the
// working directory containing aof.yaml.
func FindRoot(explicit string) (string, error) {
	if explicit != "" {
		abs, err := filepath.Abs(explicit)
		if err != nil {
			return "", aoferrors.ErrIO("resolve root", err)
		}
		return abs, nil
	}
	if env := os.Getenv("AOF_ROOT"); env != "" {
		abs, err := filepath.Abs(env)
		if err != nil {
			return "", aoferrors.ErrIO("resolve AOF_ROOT", err)
		}
		return abs, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", aoferrors.ErrIO("resolve working directory", err)
	}
	start := dir
	for {
		if IsVaultRoot(dir) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", aoferrors.ErrNotInitialized(start)
}
