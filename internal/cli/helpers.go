// Package cli implements the aof command-line interface.
// This file contains shared helper functions used across multiple commands.
package cli

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/viper"

	"github.com/randalmurphal/aof/internal/config"
	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/guard"
	"github.com/randalmurphal/aof/internal/org"
	"github.com/randalmurphal/aof/internal/project"
)

// resolveRoot locates the vault root: the --root flag, then AOF_ROOT,
// then the nearest ancestor of the working directory with an aof.yaml.
func resolveRoot() (string, error) {
	return config.FindRoot(viper.GetString("root"))
}

// newLogger builds the CLI logger from the configured level. --verbose
// forces debug; --quiet drops everything below errors.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	if quiet {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openProject picks the working project: the --project flag, then the
// configured default, then the only project in the vault.
func openProject(root, flag string, cfg *config.Config) (*project.Project, error) {
	reg := project.NewRegistry(root)
	if flag != "" {
		return reg.Get(flag)
	}
	if cfg.DefaultProject != "" {
		return reg.Get(cfg.DefaultProject)
	}
	projects, err := reg.List()
	if err != nil {
		return nil, err
	}
	switch len(projects) {
	case 0:
		return nil, aoferrors.ErrValidationFailed("project",
			"vault has no projects; create one with: aof projects create <id>")
	case 1:
		return projects[0], nil
	default:
		return nil, aoferrors.ErrValidationFailed("project",
			"vault has multiple projects; pass --project or set default_project in aof.yaml")
	}
}

// chartResolver loads the org chart and derives the role resolver shared
// by the guard and the gate evaluator. An empty chart yields a nil
// resolver, which grants everyone member permissions.
func chartResolver(root string) (*org.Chart, guard.RoleResolver, error) {
	chart, err := org.Load(root)
	if err != nil {
		return nil, nil, err
	}
	if chart.Empty() {
		return chart, nil, nil
	}
	return chart, chart.RoleOf, nil
}

// defaultActor names the acting agent for CLI mutations.
func defaultActor() string {
	if a := os.Getenv("AOF_ACTOR"); a != "" {
		return a
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// colorEnabled respects --no-color and only styles real terminals.
func colorEnabled() bool {
	return !noColor && isatty.IsTerminal(os.Stdout.Fd())
}

// truncate shortens a string to max runes with an ellipsis.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max < 1 {
		return ""
	}
	return string(runes[:max-1]) + "…"
}
