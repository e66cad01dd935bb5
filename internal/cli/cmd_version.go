// Package cli implements the aof command-line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped by the release build; the default marks dev builds.
var Version = "0.1.0-dev"

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show aof version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("aof version " + Version)
		},
	}
}
