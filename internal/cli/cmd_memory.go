package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/aof/internal/config"
	"github.com/randalmurphal/aof/internal/memory"
	"github.com/randalmurphal/aof/internal/project"
)

// openCurator binds the memory curator to the chosen project.
func openCurator(projectFlag string) (*memory.Curator, *project.Project, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadFrom(root)
	if err != nil {
		return nil, nil, err
	}
	p, err := openProject(root, projectFlag, cfg)
	if err != nil {
		return nil, nil, err
	}
	c := memory.New(p.Dir(), memory.Options{
		CompletionBatch: cfg.Memory.CompletionBatch,
		Logger:          newLogger(cfg),
	})
	return c, p, nil
}

func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Curate event-log digests",
		Long: `Maintain the project's memory: one markdown digest per event-log
day under state/memory/, plus an index tracking coverage.

The daemon regenerates digests on its own when enough completions
accumulate; these commands run the same curation by hand.`,
	}
	cmd.AddCommand(newMemoryGenerateCmd())
	cmd.AddCommand(newMemoryAuditCmd())
	cmd.AddCommand(newMemoryHealthCmd())
	cmd.AddCommand(newMemoryRebuildCmd())
	return cmd
}

func newMemoryGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write digests for days that need them",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectFlag, _ := cmd.Flags().GetString("project")
			c, _, err := openCurator(projectFlag)
			if err != nil {
				return err
			}
			res, err := c.Generate()
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(res)
			}
			fmt.Printf("%d day(s) seen, %d digest(s) written, %d current, %d event(s)\n",
				res.Days, res.Written, res.Skipped, res.Events)
			return nil
		},
	}
	cmd.Flags().StringP("project", "p", "", "project id")
	return cmd
}

func newMemoryAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Compare digests against the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectFlag, _ := cmd.Flags().GetString("project")
			c, _, err := openCurator(projectFlag)
			if err != nil {
				return err
			}
			findings, err := c.Audit()
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(findings)
			}
			if len(findings) == 0 {
				fmt.Println("digests cover the event log")
				return nil
			}
			for _, f := range findings {
				fmt.Printf("  [%s] %s: %s\n", f.Kind, f.Day, f.Detail)
			}
			fmt.Printf("%d finding(s); run: aof memory generate\n", len(findings))
			return nil
		},
	}
	cmd.Flags().StringP("project", "p", "", "project id")
	return cmd
}

func newMemoryHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show digest coverage and the review trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectFlag, _ := cmd.Flags().GetString("project")
			c, _, err := openCurator(projectFlag)
			if err != nil {
				return err
			}
			h, err := c.Health()
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(h)
			}
			fmt.Printf("events:   %d across %d day(s), last id %d\n", h.Events, h.EventDays, h.LastEventID)
			fmt.Printf("digests:  %d, covered through id %d\n", h.Digests, h.DigestedEventID)
			if !h.GeneratedAt.IsZero() {
				fmt.Printf("reviewed: %s (%d review(s))\n", h.GeneratedAt.Local().Format(time.RFC3339), h.Reviews)
			}
			fmt.Printf("batch:    %d completion(s) since review", h.CompletionsSinceReview)
			if h.BatchDue {
				fmt.Print(" — review due")
			}
			fmt.Println()
			if h.Findings > 0 {
				fmt.Printf("audit:    %d finding(s)\n", h.Findings)
			}
			return nil
		},
	}
	cmd.Flags().StringP("project", "p", "", "project id")
	return cmd
}

func newMemoryRebuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rewrite every digest from scratch",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectFlag, _ := cmd.Flags().GetString("project")
			c, _, err := openCurator(projectFlag)
			if err != nil {
				return err
			}
			res, err := c.Rebuild()
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(res)
			}
			fmt.Printf("rebuilt %d digest(s) from %d event(s)\n", res.Written, res.Events)
			return nil
		},
	}
	cmd.Flags().StringP("project", "p", "", "project id")
	return cmd
}
