package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/aof/internal/api"
	"github.com/randalmurphal/aof/internal/config"
	"github.com/randalmurphal/aof/internal/events"
	"github.com/randalmurphal/aof/internal/executor"
	"github.com/randalmurphal/aof/internal/guard"
	"github.com/randalmurphal/aof/internal/lease"
	"github.com/randalmurphal/aof/internal/memory"
	"github.com/randalmurphal/aof/internal/notify"
	"github.com/randalmurphal/aof/internal/project"
	"github.com/randalmurphal/aof/internal/scheduler"
	"github.com/randalmurphal/aof/internal/service"
	"github.com/randalmurphal/aof/internal/throttle"
	"github.com/randalmurphal/aof/internal/tools"
	"github.com/randalmurphal/aof/internal/workflow"
)

// serveLockTTL is the advisory project lock heartbeat window. The daemon
// refreshes it at half the TTL; a crashed daemon goes stale after one.
const serveLockTTL = 30 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon and HTTP API",
		Long: `Run the aof daemon for one project: the scheduler poll loop, the
notification engine and the HTTP surface (/health, /metrics,
/aof/status, the agent tool endpoints and the /ws event stream).

The daemon holds an advisory lock on the project so administrative CLI
runs and second daemons back off. Ctrl+C drains the in-flight poll and
shuts down.

Example:
  aof serve
  aof serve --project demo --addr 127.0.0.1:8600`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot()
			if err != nil {
				return err
			}
			cfg, err := config.LoadFrom(root)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			projectFlag, _ := cmd.Flags().GetString("project")

			log := newLogger(cfg)
			p, err := openProject(root, projectFlag, cfg)
			if err != nil {
				return err
			}

			lock, err := project.AcquireLock(p.Dir(), "aof-serve", serveLockTTL, log)
			if err != nil {
				return err
			}
			defer func() {
				_ = project.ReleaseLock(p.Dir(), lock.Owner)
			}()
			heartbeat := project.NewHeartbeatRunner(p.Dir(), lock.Owner, serveLockTTL, log)

			store := p.Store(log)
			ev, err := events.NewLogger(filepath.Join(p.Dir(), "events"), log)
			if err != nil {
				return err
			}
			pub := events.NewMemoryPublisher()
			ev.AddSink(events.SinkFunc(func(e events.Event) { pub.Publish(e) }))

			chart, resolver, err := chartResolver(root)
			if err != nil {
				return err
			}
			flows, err := workflow.Load(root, log)
			if err != nil {
				return err
			}

			ctrl := throttle.NewController(cfg.Throttle)
			chart.ApplyLimits(ctrl)

			exec, err := executor.New(cfg.Executor, log)
			if err != nil {
				return err
			}
			leases := lease.NewManager(store, cfg.Lease.TTL.Std(), cfg.Lease.MaxRenewals, ev, log)

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
			sup := service.New(service.Deps{
				Store:     store,
				Scheduler: sched,
				Leases:    leases,
				Events:    ev,
				Config:    cfg.Scheduler,
				Logger:    log,
			})

			rulesFile := cfg.Notify.RulesFile
			if rulesFile != "" && !filepath.IsAbs(rulesFile) {
				rulesFile = filepath.Join(root, rulesFile)
			}
			engine, err := notify.NewEngine(notify.Options{
				RulesFile:     rulesFile,
				Watch:         cfg.Notify.Watch,
				DedupeWindow:  cfg.Notify.DedupeWindow.Std(),
				KnownAudience: chart.KnownAudience,
				Channels: []notify.Channel{
					notify.NewFileChannel(filepath.Join(p.Dir(), "state", "notifications.log")),
				},
				Logger: log,
			})
			if err != nil {
				return err
			}
			ev.AddSink(engine)
			defer engine.Close()

			curator := memory.New(p.Dir(), memory.Options{
				CompletionBatch: cfg.Memory.CompletionBatch,
				Auto:            cfg.Memory.Auto,
				Logger:          log,
			})
			ev.AddSink(curator)
			defer curator.Close()

			var roles tools.RoleResolver
			if !chart.Empty() {
				roles = chart.RoleOf
			}
			tl := tools.New(tools.Deps{
				Guard:     guard.New(store, resolver, log),
				Workflows: flows,
				Events:    ev,
				Roles:     roles,
				Logger:    log,
			})

			server := api.New(&api.Config{Addr: cfg.Server.Addr, Logger: log}, api.Deps{
				Store:      store,
				Supervisor: sup,
				Tools:      tl,
				Publisher:  pub,
			})

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			heartbeat.Start(ctx)
			defer heartbeat.Stop()

			if err := sup.Start(ctx); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.StartContext(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				return sup.Stop()
			})

			fmt.Fprintf(os.Stderr, "aof serving project %s on %s (Ctrl+C to stop)\n",
				p.ID(), cfg.Server.Addr)
			err = g.Wait()
			pub.Close()
			return err
		},
	}

	cmd.Flags().StringP("project", "p", "", "project id")
	cmd.Flags().String("addr", "", "HTTP listen address (default from aof.yaml)")
	return cmd
}
