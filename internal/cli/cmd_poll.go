package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/aof/internal/config"
	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/events"
	"github.com/randalmurphal/aof/internal/executor"
	"github.com/randalmurphal/aof/internal/lease"
	"github.com/randalmurphal/aof/internal/project"
	"github.com/randalmurphal/aof/internal/scheduler"
	"github.com/randalmurphal/aof/internal/throttle"
	"github.com/randalmurphal/aof/internal/workflow"
)

func newPollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run one scheduler poll",
		Long: `Run a single scheduler poll against the project without starting
the daemon. With --dry-run nothing mutates: the poll reports what it
would do and skips dispatch planning entirely.

A running daemon owns the project; a non-dry-run poll refuses to race
it and reports the lock holder instead.

Example:
  aof poll --dry-run
  aof poll`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")

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

			if !dryRun {
				if held, err := project.ReadLock(p.Dir()); err == nil && held != nil && !held.IsStale() {
					return aoferrors.ErrValidationFailed("poll", fmt.Sprintf(
						"project is served by %s (pid %d); use --dry-run or stop the daemon",
						held.Owner, held.PID))
				}
			}

			store := p.Store(log)
			ev, err := events.NewLogger(filepath.Join(p.Dir(), "events"), log)
			if err != nil {
				return err
			}
			defer ev.Close()

			chart, _, err := chartResolver(root)
			if err != nil {
				return err
			}
			flows, err := workflow.Load(root, log)
			if err != nil {
				return err
			}
			exec, err := executor.New(cfg.Executor, log)
			if err != nil {
				return err
			}
			ctrl := throttle.NewController(cfg.Throttle)
			chart.ApplyLimits(ctrl)
			leases := lease.NewManager(store, cfg.Lease.TTL.Std(), cfg.Lease.MaxRenewals, ev, log)
			defer leases.StopAll()

			sched := scheduler.New(scheduler.Deps{
				Store:        store,
				Leases:       leases,
				Throttle:     ctrl,
				Workflows:    flows,
				Executor:     exec,
				Events:       ev,
				Config:       cfg.Scheduler,
				Logger:       log,
				ResolveAgent: chart.DefaultAgent,
			})

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.PollTimeout.Std())
			defer cancel()
			res, err := sched.Poll(ctx, dryRun)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(res)
			}
			mode := ""
			if res.DryRun {
				mode = " (dry run)"
			}
			fmt.Printf("poll%s: %d task(s), %d action(s), %d executed, %d failed, %dms\n",
				mode, res.Stats.Total, len(res.Actions), res.ActionsExecuted,
				res.ActionsFailed, res.DurationMs)
			for _, a := range res.Actions {
				line := fmt.Sprintf("  %-13s %s", a.Type, a.TaskID)
				if a.Agent != "" {
					line += " agent=" + a.Agent
				}
				if a.Reason != "" {
					line += " reason=" + truncate(a.Reason, 60)
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().StringP("project", "p", "", "project id")
	cmd.Flags().Bool("dry-run", false, "plan without mutating")
	return cmd
}
