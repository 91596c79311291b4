package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	dbPath     string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "froyoflow",
		Short: "FroyoFlow - Workflow Automation Engine",
		Long: `FroyoFlow runs workflows: directed acyclic graphs of capability calls
started by a trigger.

Features:
  - Definitions in YAML, JSON or CUE, checked against OPA policies
  - Tiered parallel execution with per-node retries and fallbacks
  - Transforms in Starlark; HTTP, SSH/SFTP and WASM capabilities
  - Append-only execution ledger in SQLite with crash recovery
  - Run analytics, cron schedules and a watched definitions directory`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "froyoflow.yaml", "settings file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides settings)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newTriggerCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newAbortCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newRecoverCommand())
	rootCmd.AddCommand(newAnalyticsCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newTemplatesCommand())
	rootCmd.AddCommand(newCapabilitiesCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}
