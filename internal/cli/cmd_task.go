package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/aof/internal/config"
	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/events"
	"github.com/randalmurphal/aof/internal/gate"
	"github.com/randalmurphal/aof/internal/guard"
	"github.com/randalmurphal/aof/internal/project"
	"github.com/randalmurphal/aof/internal/task"
	"github.com/randalmurphal/aof/internal/tools"
	"github.com/randalmurphal/aof/internal/workflow"
)

// toolContext bundles the per-project wiring the task commands share.
type toolContext struct {
	root    string
	cfg     *config.Config
	project *project.Project
	store   *task.Store
	tools   *tools.Tools
	events  *events.Logger
}

// openTools resolves the vault, opens the project and binds the tool
// surface over its store. Callers must Close to flush the event log.
func openTools(projectFlag string) (*toolContext, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadFrom(root)
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg)

	p, err := openProject(root, projectFlag, cfg)
	if err != nil {
		return nil, err
	}
	store := p.Store(log)

	chart, resolver, err := chartResolver(root)
	if err != nil {
		return nil, err
	}
	flows, err := workflow.Load(root, log)
	if err != nil {
		return nil, err
	}
	ev, err := events.NewLogger(filepath.Join(p.Dir(), "events"), log)
	if err != nil {
		return nil, err
	}

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

	return &toolContext{
		root:    root,
		cfg:     cfg,
		project: p,
		store:   store,
		tools:   tl,
		events:  ev,
	}, nil
}

func (tc *toolContext) Close() {
	tc.events.Close()
}

// newTaskCmd creates the task command group
func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "task",
		Aliases: []string{"t"},
		Short:   "Create and drive tasks",
	}
	cmd.AddCommand(newTaskDispatchCmd())
	cmd.AddCommand(newTaskCompleteCmd())
	cmd.AddCommand(newTaskUpdateCmd())
	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskListCmd())
	return cmd
}

func newTaskDispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch <title>",
		Short: "Create a task and mark it ready",
		Long: `Create a task and move it straight to ready, where the next
scheduler poll can pick it up.

The workflow defaults to the project's default_workflow; routing flags
pin the task to a team, role or specific agent.

Example:
  aof task dispatch "Fix login flow" --priority high --team platform
  aof task dispatch "Rotate TLS certs" --agent ops-bot --resource certs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectFlag, _ := cmd.Flags().GetString("project")
			tc, err := openTools(projectFlag)
			if err != nil {
				return err
			}
			defer tc.Close()

			priority, _ := cmd.Flags().GetString("priority")
			if priority != "" && !task.IsValidPriority(task.Priority(priority)) {
				return aoferrors.ErrValidationFailed("priority",
					fmt.Sprintf("%q is not one of critical, high, normal, low", priority))
			}

			wf, _ := cmd.Flags().GetString("workflow")
			if wf == "" {
				wf = tc.project.Manifest.DefaultWorkflow
			}
			team, _ := cmd.Flags().GetString("team")
			role, _ := cmd.Flags().GetString("role")
			agent, _ := cmd.Flags().GetString("agent")
			brief, _ := cmd.Flags().GetString("brief")
			dependsOn, _ := cmd.Flags().GetStringSlice("depends-on")
			parent, _ := cmd.Flags().GetString("parent")
			resource, _ := cmd.Flags().GetString("resource")
			actor, _ := cmd.Flags().GetString("actor")

			t, err := tc.tools.Dispatch(tools.DispatchParams{
				Title:    args[0],
				Brief:    brief,
				Priority: task.Priority(priority),
				Routing: task.Routing{
					Workflow: wf,
					Team:     team,
					Role:     role,
					Agent:    agent,
				},
				DependsOn: dependsOn,
				ParentID:  parent,
				Resource:  resource,
				Actor:     actor,
			})
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(t)
			}
			fmt.Printf("Dispatched %s: %s\n", t.ID, t.Title)
			return nil
		},
	}

	cmd.Flags().StringP("project", "p", "", "project id")
	cmd.Flags().String("brief", "", "markdown body for the task file")
	cmd.Flags().String("priority", "", "critical, high, normal or low")
	cmd.Flags().String("workflow", "", "workflow (default: project default_workflow)")
	cmd.Flags().String("team", "", "owning team")
	cmd.Flags().String("role", "", "role expected to act on the task")
	cmd.Flags().String("agent", "", "pin to a specific agent")
	cmd.Flags().StringSlice("depends-on", nil, "task ids that must finish first")
	cmd.Flags().String("parent", "", "parent task id")
	cmd.Flags().String("resource", "", "exclusive resource the task occupies")
	cmd.Flags().String("actor", defaultActor(), "acting agent")
	return cmd
}

func newTaskCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Finish work on a task",
		Long: `Finish the actor's work on a task.

Gated tasks advance exactly one gate per call; the outcome decides the
direction (complete moves forward, needs_review moves back, blocked
parks the task). Gateless tasks go straight to done.

Example:
  aof task complete DEMO-20260824-001 --summary "Deployed to staging"
  aof task complete DEMO-20260824-001 --outcome needs_review --notes "Flaky test"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectFlag, _ := cmd.Flags().GetString("project")
			tc, err := openTools(projectFlag)
			if err != nil {
				return err
			}
			defer tc.Close()

			summary, _ := cmd.Flags().GetString("summary")
			outcome, _ := cmd.Flags().GetString("outcome")
			notes, _ := cmd.Flags().GetString("notes")
			blockers, _ := cmd.Flags().GetStringSlice("blockers")
			actor, _ := cmd.Flags().GetString("actor")

			t, err := tc.tools.TaskComplete(tools.CompleteParams{
				ID:       args[0],
				Summary:  summary,
				Outcome:  gate.Outcome(outcome),
				Notes:    notes,
				Blockers: blockers,
				Actor:    actor,
			})
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(t)
			}
			if t.Gate != nil && t.Gate.Current != "" {
				fmt.Printf("%s is %s at gate %s\n", t.ID, t.Status, t.Gate.Current)
			} else {
				fmt.Printf("%s is %s\n", t.ID, t.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringP("project", "p", "", "project id")
	cmd.Flags().String("summary", "", "what was done")
	cmd.Flags().String("outcome", "", "complete, needs_review or blocked (gated tasks)")
	cmd.Flags().String("notes", "", "review notes or blocking reason")
	cmd.Flags().StringSlice("blockers", nil, "what blocks the task")
	cmd.Flags().String("actor", defaultActor(), "acting agent")
	return cmd
}

func newTaskUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a task's body or status",
		Long: `Apply a body update, a single-edge status transition, or both.

The body is read from --body-file ("-" for stdin) and replaces the
markdown below the front-matter.

Example:
  aof task update DEMO-20260824-001 --status in-progress
  aof task update DEMO-20260824-001 --status blocked --reason "Waiting on access"
  cat notes.md | aof task update DEMO-20260824-001 --body-file -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectFlag, _ := cmd.Flags().GetString("project")
			tc, err := openTools(projectFlag)
			if err != nil {
				return err
			}
			defer tc.Close()

			status, _ := cmd.Flags().GetString("status")
			if status != "" && !task.IsValidStatus(task.Status(status)) {
				return aoferrors.ErrValidationFailed("status",
					fmt.Sprintf("%q is not a valid status", status))
			}
			reason, _ := cmd.Flags().GetString("reason")
			actor, _ := cmd.Flags().GetString("actor")

			var body *string
			if bodyFile, _ := cmd.Flags().GetString("body-file"); bodyFile != "" {
				data, err := readBodyFile(bodyFile)
				if err != nil {
					return err
				}
				body = &data
			}

			t, err := tc.tools.TaskUpdate(tools.UpdateParams{
				ID:     args[0],
				Body:   body,
				Status: task.Status(status),
				Reason: reason,
				Actor:  actor,
			})
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(t)
			}
			fmt.Printf("%s is %s\n", t.ID, t.Status)
			return nil
		},
	}

	cmd.Flags().StringP("project", "p", "", "project id")
	cmd.Flags().String("status", "", "target status (single legal edge)")
	cmd.Flags().String("reason", "", "why (recorded in history)")
	cmd.Flags().String("body-file", "", "file with the new markdown body (- for stdin)")
	cmd.Flags().String("actor", defaultActor(), "acting agent")
	return cmd
}

func readBodyFile(path string) (string, error) {
	if path == "-" {
		data, err := os.ReadFile("/dev/stdin")
		if err != nil {
			return "", aoferrors.ErrIO("read stdin", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", aoferrors.ErrIO("read body file", err)
	}
	return string(data), nil
}

func newTaskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectFlag, _ := cmd.Flags().GetString("project")
			tc, err := openTools(projectFlag)
			if err != nil {
				return err
			}
			defer tc.Close()

			t, err := tc.store.Get(args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(t)
			}
			printTask(t)
			return nil
		},
	}
	cmd.Flags().StringP("project", "p", "", "project id")
	return cmd
}

func printTask(t *task.Task) {
	fmt.Printf("%-12s %s\n", "ID:", t.ID)
	fmt.Printf("%-12s %s\n", "Title:", t.Title)
	fmt.Printf("%-12s %s\n", "Status:", t.Status)
	fmt.Printf("%-12s %s\n", "Priority:", t.GetPriority())
	if t.Routing.Workflow != "" {
		fmt.Printf("%-12s %s\n", "Workflow:", t.Routing.Workflow)
	}
	if t.Routing.Team != "" {
		fmt.Printf("%-12s %s\n", "Team:", t.Routing.Team)
	}
	if t.Routing.Role != "" {
		fmt.Printf("%-12s %s\n", "Role:", t.Routing.Role)
	}
	if t.Routing.Agent != "" {
		fmt.Printf("%-12s %s\n", "Agent:", t.Routing.Agent)
	}
	if t.Resource != "" {
		fmt.Printf("%-12s %s\n", "Resource:", t.Resource)
	}
	if len(t.DependsOn) > 0 {
		fmt.Printf("%-12s %s\n", "Depends on:", strings.Join(t.DependsOn, ", "))
	}
	if t.ParentID != "" {
		fmt.Printf("%-12s %s\n", "Parent:", t.ParentID)
	}
	if t.Lease != nil {
		remaining := time.Until(t.Lease.ExpiresAt).Round(time.Second)
		state := fmt.Sprintf("expires in %s", remaining)
		if remaining <= 0 {
			state = "expired"
		}
		fmt.Printf("%-12s %s (%s, %d renewal(s))\n", "Lease:", t.Lease.Agent, state, t.Lease.RenewalCount)
	}
	if t.Gate != nil && t.Gate.Current != "" {
		fmt.Printf("%-12s %s (entered %s)\n", "Gate:", t.Gate.Current, t.Gate.Entered.Format(time.RFC3339))
	}
	for _, h := range t.GateHistory {
		fmt.Printf("%-12s %s → %s by %s\n", "", h.Gate, h.Outcome, h.Role)
	}
	fmt.Printf("%-12s %s\n", "Created:", t.CreatedAt.Format(time.RFC3339))
	fmt.Printf("%-12s %s\n", "Updated:", t.UpdatedAt.Format(time.RFC3339))
	if body := strings.TrimSpace(t.Body); body != "" {
		fmt.Println()
		fmt.Println(body)
	}
}

func newTaskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectFlag, _ := cmd.Flags().GetString("project")
			tc, err := openTools(projectFlag)
			if err != nil {
				return err
			}
			defer tc.Close()

			status, _ := cmd.Flags().GetString("status")
			if status != "" && !task.IsValidStatus(task.Status(status)) {
				return aoferrors.ErrValidationFailed("status",
					fmt.Sprintf("%q is not a valid status", status))
			}
			agent, _ := cmd.Flags().GetString("agent")

			list := tc.store.List(task.Filter{Status: task.Status(status), Agent: agent})
			task.SortForDispatch(list)

			if jsonOut {
				return printJSON(list)
			}
			if len(list) == 0 {
				fmt.Println("No tasks found. Create one with: aof task dispatch \"Your task\"")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tAGENT\tTITLE")
			for _, t := range list {
				agent := t.Routing.Agent
				if t.Lease.Active(time.Now()) {
					agent = t.Lease.Agent
				}
				if agent == "" {
					agent = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.Status, t.GetPriority(), agent, truncate(t.Title, 40))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringP("project", "p", "", "project id")
	cmd.Flags().String("status", "", "filter by status")
	cmd.Flags().String("agent", "", "filter by routed agent")
	return cmd
}
