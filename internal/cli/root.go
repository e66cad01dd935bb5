// Package cli implements the aof command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	rootDir string
	verbose bool
	quiet   bool
	jsonOut bool
	noColor bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "aof",
	Short: "Agentic operations fabric",
	Long: `aof runs markdown-backed task pipelines for agent teams.

Tasks live as markdown files in a vault. The scheduler leases them to
agents, walks them through workflow gates and records every change in a
daily event log that humans and agents can read directly.

Quick start:
  aof init                           Set up a vault in the current directory
  aof task dispatch "Fix login"      Create a task and mark it ready
  aof serve                          Run the scheduler and HTTP API
  aof board                          Show the task board`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "vault root (default: AOF_ROOT or nearest aof.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	_ = viper.BindPFlag("root", rootCmd.PersistentFlags().Lookup("root"))

	// Add subcommands
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newTaskCmd())
	rootCmd.AddCommand(newBoardCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newPollCmd())
	rootCmd.AddCommand(newLintCmd())
	rootCmd.AddCommand(newDriftCmd())
	rootCmd.AddCommand(newMemoryCmd())
	rootCmd.AddCommand(newProjectsCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig reads in the vault config file and AOF_* environment variables.
func initConfig() {
	viper.SetEnvPrefix("AOF")
	viper.AutomaticEnv()

	// Surface aof.yaml to viper so env/flag lookups can fall back to it;
	// the typed load stays in internal/config.
	if root := viper.GetString("root"); root != "" {
		viper.AddConfigPath(root)
	} else {
		viper.AddConfigPath(".")
	}
	viper.SetConfigName("aof")
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
