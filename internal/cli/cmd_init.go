package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/aof/internal/config"
	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/org"
	"github.com/randalmurphal/aof/internal/project"
	"github.com/randalmurphal/aof/internal/wizard"
)

// initAnswers is what the wizard (or the flags, with --yes) collects.
type initAnswers struct {
	ProjectID   string
	ProjectName string
	Workflow    string
	Executor    string
	WebhookURL  string
	Chart       bool
	Agent       string
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Set up a vault",
		Long: `Initialize an aof vault: aof.yaml, the first project and an
optional starter org chart.

Without --yes an interactive wizard walks through the setup. With --yes
the vault is created from defaults and flags, suitable for scripts.

Examples:
  aof init                          # wizard, vault in the current directory
  aof init ~/work/vault --yes       # non-interactive
  aof init --yes --project billing --executor webhook \
      --webhook-url http://localhost:9000/spawn`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			} else if rootDir != "" {
				dir = rootDir
			}
			root, err := filepath.Abs(dir)
			if err != nil {
				return aoferrors.ErrIO("resolve vault root", err)
			}

			force, _ := cmd.Flags().GetBool("force")
			yes, _ := cmd.Flags().GetBool("yes")
			if config.IsVaultRoot(root) && !force {
				return aoferrors.ErrAlreadyInitialized(root)
			}

			a := initAnswers{
				ProjectID: "main",
				Workflow:  "dev",
				Executor:  "mock",
				Agent:     defaultActor(),
			}
			if v, _ := cmd.Flags().GetString("project"); v != "" {
				a.ProjectID = v
			}
			if v, _ := cmd.Flags().GetString("workflow"); v != "" {
				a.Workflow = v
			}
			if v, _ := cmd.Flags().GetString("executor"); v != "" {
				a.Executor = v
			}
			a.WebhookURL, _ = cmd.Flags().GetString("webhook-url")

			if !yes {
				if err := runInitWizard(root, &a); err != nil {
					return err
				}
			}
			return applyInit(root, a, force)
		},
	}

	cmd.Flags().BoolP("yes", "y", false, "non-interactive, use defaults and flags")
	cmd.Flags().Bool("force", false, "reinitialize an existing vault")
	cmd.Flags().String("project", "", "first project id (default main)")
	cmd.Flags().String("workflow", "", "default workflow: dev or ops")
	cmd.Flags().String("executor", "", "executor kind: mock or webhook")
	cmd.Flags().String("webhook-url", "", "agent webhook URL for the webhook executor")
	return cmd
}

// runInitWizard collects the answers interactively.
func runInitWizard(root string, a *initAnswers) error {
	w := wizard.New(
		wizard.NewInputStep("project", "Project id").
			WithHint("Becomes the task prefix: demo → DEMO-20260826-001.").
			WithDefault(a.ProjectID).
			WithValidate(project.ValidateID),
		wizard.NewInputStep("name", "Project name").
			WithHint("Display name; leave empty to use the id."),
		wizard.NewSelectStep("workflow", "Default workflow", []wizard.Option{
			{Value: "dev", Label: "dev", Help: "implement → code-review → qa → security → po-accept"},
			{Value: "ops", Label: "ops", Help: "implement → review"},
		}),
		wizard.NewSelectStep("executor", "Executor", []wizard.Option{
			{Value: "mock", Label: "mock", Help: "record dispatches without starting agents"},
			{Value: "webhook", Label: "webhook", Help: "POST task contexts to an agent endpoint"},
		}),
		wizard.NewInputStep("webhook_url", "Webhook URL").
			WithPlaceholder("http://localhost:9000/spawn").
			WithValidate(func(v string) error {
				if v == "" {
					return fmt.Errorf("the webhook executor needs a URL")
				}
				return nil
			}).
			SkipWhen(func(s wizard.State) bool { return s.String("executor") != "webhook" }),
		wizard.NewConfirmStep("chart", "Write a starter org chart?").
			WithHint("org.yaml routes work to teams and roles; you can edit it later."),
		wizard.NewInputStep("agent", "Your agent name").
			WithDefault(a.Agent).
			SkipWhen(func(s wizard.State) bool { return !s.Bool("chart") }),
	)

	fmt.Println()
	fmt.Println("  aof vault setup")
	fmt.Println()
	if err := w.Run(); err != nil {
		return aoferrors.ErrValidationFailed("init", err.Error())
	}

	s := w.State()
	if v := s.String("project"); v != "" {
		a.ProjectID = v
	}
	a.ProjectName = s.String("name")
	if v := s.String("workflow"); v != "" {
		a.Workflow = v
	}
	if v := s.String("executor"); v != "" {
		a.Executor = v
	}
	if v := s.String("webhook_url"); v != "" {
		a.WebhookURL = v
	}
	a.Chart = s.Bool("chart")
	if v := s.String("agent"); v != "" {
		a.Agent = v
	}
	return nil
}

// applyInit writes the vault: config, first project, optional chart.
func applyInit(root string, a initAnswers, force bool) error {
	cfg := config.Default()
	cfg.DefaultProject = a.ProjectID
	cfg.Executor.Kind = a.Executor
	cfg.Executor.WebhookURL = a.WebhookURL
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := newLogger(cfg)

	if err := os.MkdirAll(root, 0755); err != nil {
		return aoferrors.ErrIO("create vault root", err)
	}
	if err := cfg.SaveTo(root); err != nil {
		return err
	}

	if !project.Exists(root, a.ProjectID) {
		_, err := project.Create(root, a.ProjectID, project.CreateOptions{
			Name:            a.ProjectName,
			DefaultWorkflow: a.Workflow,
			Actor:           defaultActor(),
		}, log)
		if err != nil {
			return err
		}
	} else if !force {
		return aoferrors.ErrProjectExists(a.ProjectID)
	}

	if a.Chart {
		chart := &org.Chart{
			Version: 1,
			Teams: []org.Team{{
				Name:         "core",
				DefaultAgent: a.Agent,
				Members: []org.Member{
					{Name: a.Agent, Role: "developer"},
				},
			}},
		}
		if err := chart.SaveTo(root); err != nil {
			return err
		}
	}

	fmt.Printf("Vault ready at %s\n", root)
	fmt.Printf("  project:  %s (workflow %s)\n", a.ProjectID, a.Workflow)
	fmt.Printf("  executor: %s\n", a.Executor)
	fmt.Println("\nNext steps:")
	fmt.Printf("  aof task dispatch \"First task\" --root %s\n", root)
	fmt.Printf("  aof serve --root %s\n", root)
	return nil
}
