package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/aof/internal/board"
	"github.com/randalmurphal/aof/internal/config"
	"github.com/randalmurphal/aof/internal/task"
)

func newBoardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Show the project board",
		Long: `Render the project's tasks grouped into swimlanes.

The status board always shows all six lanes; the other dimensions show
only lanes that have tasks. Output is colored on a terminal and plain
when piped or with --no-color.

Example:
  aof board
  aof board --swimlane agent
  aof board --swimlane phase --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			swimlane, _ := cmd.Flags().GetString("swimlane")
			lane, err := board.ParseSwimlane(swimlane)
			if err != nil {
				return err
			}

			root, err := resolveRoot()
			if err != nil {
				return err
			}
			cfg, err := config.LoadFrom(root)
			if err != nil {
				return err
			}
			projectFlag, _ := cmd.Flags().GetString("project")
			p, err := openProject(root, projectFlag, cfg)
			if err != nil {
				return err
			}

			tasks := p.Store(newLogger(cfg)).List(task.Filter{})
			b := board.Build(p.ID(), tasks, lane)

			if jsonOut {
				return printJSON(b)
			}
			fmt.Print(b.Render(board.RenderOptions{Color: colorEnabled()}))
			return nil
		},
	}

	cmd.Flags().StringP("project", "p", "", "project id")
	cmd.Flags().String("swimlane", "status", "group by status, phase, agent or team")
	return cmd
}
