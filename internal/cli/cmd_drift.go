package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/aof/internal/config"
	"github.com/randalmurphal/aof/internal/drift"
	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/org"
)

func newDriftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Compare the org chart against on-disk state",
		Long: `Report divergence between org.yaml and the project's tasks:
routing to unknown agents, teams or roles, leases held by agents the
chart does not know, in-progress tasks with no active lease, and
leases lingering on finished tasks.

Drift is detected, never corrected. The report is written to
state/drift-report.md inside the project. Exit code 1 when findings
exist.

Example:
  aof drift
  aof drift --json`,
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
			chart, err := org.Load(root)
			if err != nil {
				return err
			}

			report := drift.Run(p.Store(log), chart, log)
			path, err := report.Write(p.Dir())
			if err != nil {
				return err
			}

			if jsonOut {
				if err := printJSON(report); err != nil {
					return err
				}
			} else if report.Clean() {
				fmt.Printf("no drift across %d task(s), report at %s\n", report.TasksSeen, path)
			} else {
				for _, f := range report.Findings {
					fmt.Printf("  [%s] %s: %s\n", f.Kind, f.TaskID, f.Detail)
				}
				fmt.Printf("%d finding(s), report at %s\n", len(report.Findings), path)
			}

			if !report.Clean() {
				return aoferrors.ErrValidationFailed("drift",
					fmt.Sprintf("%d finding(s)", len(report.Findings)))
			}
			return nil
		},
	}

	cmd.Flags().StringP("project", "p", "", "project id")
	return cmd
}
