package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/aof/internal/config"
	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/lint"
	"github.com/randalmurphal/aof/internal/project"
	"github.com/randalmurphal/aof/internal/workflow"
)

func newLintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Check the vault for structural problems",
		Long: `Validate the project's on-disk state: misplaced task files,
front-matter disagreeing with the directory, duplicate ids, orphan
parent and dependency references, workflow definition problems and
project manifest issues.

The report is printed and written to state/lint-report.md inside the
project. Exit code 1 when findings exist.

Example:
  aof lint
  aof lint --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot()
			if err != nil {
				return err
			}
			cfg, err := config.LoadFrom(root)
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			projectFlag, _ := cmd.Flags().GetString("project")
			p, err := openProject(root, projectFlag, cfg)
			if err != nil {
				return err
			}
			flows, err := workflow.Load(root, log)
			if err != nil {
				return err
			}

			report := lint.Run(lint.Options{
				Store:     p.Store(log),
				Workflows: flows,
				Registry:  project.NewRegistry(root),
				Logger:    log,
			})

			path, err := report.Write(p.Dir())
			if err != nil {
				return err
			}

			if jsonOut {
				if err := printJSON(report); err != nil {
					return err
				}
			} else if report.Clean() {
				fmt.Printf("lint clean, report at %s\n", path)
			} else {
				for _, f := range report.Findings {
					loc := f.TaskID
					if loc == "" {
						loc = f.Path
					}
					fmt.Printf("  [%s] %s: %s\n", f.Source, loc, f.Detail)
				}
				fmt.Printf("%d finding(s), report at %s\n", len(report.Findings), path)
			}

			if !report.Clean() {
				return aoferrors.ErrValidationFailed("lint",
					fmt.Sprintf("%d finding(s)", len(report.Findings)))
			}
			return nil
		},
	}

	cmd.Flags().StringP("project", "p", "", "project id")
	return cmd
}
