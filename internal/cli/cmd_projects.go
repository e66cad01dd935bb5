// Package cli implements the aof command-line interface.
package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/aof/internal/config"
	"github.com/randalmurphal/aof/internal/project"
)

// newProjectsCmd creates the projects command group
func newProjectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "projects",
		Aliases: []string{"project"},
		Short:   "Manage vault projects",
	}
	cmd.AddCommand(newProjectsCreateCmd())
	cmd.AddCommand(newProjectsListCmd())
	cmd.AddCommand(newProjectsLintCmd())
	return cmd
}

func newProjectsCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a project",
		Long: `Create a project under the vault's Projects/ directory.

The id becomes the task prefix (DEMO → DEMO-20260824-001) and the
directory name. Parents must already exist.

Example:
  aof projects create demo
  aof projects create payments --name "Payments team" --parent platform`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot()
			if err != nil {
				return err
			}
			cfg, err := config.LoadFrom(root)
			if err != nil {
				return err
			}

			name, _ := cmd.Flags().GetString("name")
			desc, _ := cmd.Flags().GetString("description")
			parent, _ := cmd.Flags().GetString("parent")
			wf, _ := cmd.Flags().GetString("workflow")

			p, err := project.Create(root, args[0], project.CreateOptions{
				Name:            name,
				Description:     desc,
				Parent:          parent,
				DefaultWorkflow: wf,
				Actor:           defaultActor(),
			}, newLogger(cfg))
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(p.Manifest)
			}
			fmt.Printf("Created project %s at %s\n", p.ID(), p.Dir())
			return nil
		},
	}

	cmd.Flags().String("name", "", "display name (defaults to the id)")
	cmd.Flags().String("description", "", "project description")
	cmd.Flags().String("parent", "", "parent project id")
	cmd.Flags().String("workflow", "", "default workflow for dispatched tasks")
	return cmd
}

func newProjectsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot()
			if err != nil {
				return err
			}
			projects, err := project.NewRegistry(root).List()
			if err != nil {
				return err
			}

			if jsonOut {
				manifests := make([]project.Manifest, 0, len(projects))
				for _, p := range projects {
					manifests = append(manifests, p.Manifest)
				}
				return printJSON(manifests)
			}

			if len(projects) == 0 {
				fmt.Println("No projects found. Create one with: aof projects create <id>")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTASKS\tWORKFLOW\tPARENT")
			for _, p := range projects {
				total := 0
				for _, n := range p.Store(nil).CountByStatus() {
					total += n
				}
				wf := p.Manifest.DefaultWorkflow
				if wf == "" {
					wf = "-"
				}
				parent := p.Manifest.Parent
				if parent == "" {
					parent = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					p.ID(), truncate(p.Manifest.Name, 30), total, wf, parent)
			}
			return w.Flush()
		},
	}
}

func newProjectsLintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Check vault structure",
		Long: `Check every project directory for structural problems: missing or
broken manifests, id mismatches, dangling parents, parent cycles and
missing layout directories.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot()
			if err != nil {
				return err
			}
			issues, err := project.NewRegistry(root).Lint()
			if err != nil {
				return err
			}

			if jsonOut {
				if issues == nil {
					issues = []project.Issue{}
				}
				return printJSON(issues)
			}

			if len(issues) == 0 {
				fmt.Println("Vault structure is clean.")
				return nil
			}
			for _, issue := range issues {
				fmt.Printf("%s: %s (%s)\n", issue.Kind, issue.Detail, issue.Path)
			}
			return fmt.Errorf("%d structural issue(s) found", len(issues))
		},
	}
}
