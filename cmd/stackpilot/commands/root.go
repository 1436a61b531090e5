package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	dbPath      string
	playbookDir string
	valuesPath  string
	verbose     bool
	jsonOutput  bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackpilot",
		Short: "StackPilot - Resumable Infrastructure Operation Engine",
		Long: `StackPilot drives long-running infrastructure operations through a
persistent ledger so interrupted work can be resumed instead of restarted.

Features:
  - Operation ledger with checkpoints and step-level progress
  - Resource dependency graph gating execution order
  - Cache-first resource queries with TTL expiry
  - YAML-defined operations with parameter resolution
  - Automatic retry with transient/fixable/fatal error classification`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
				log.Logger = log.Logger.Level(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "stackpilot.db", "path to the state database")
	rootCmd.PersistentFlags().StringVarP(&playbookDir, "playbooks", "p", "playbooks", "directory of operation definitions")
	rootCmd.PersistentFlags().StringVar(&valuesPath, "values", "", "YAML file of parameter values")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newRedriveCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newResourcesCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newStatsCommand())
	rootCmd.AddCommand(newGraphCommand())

	return rootCmd
}
