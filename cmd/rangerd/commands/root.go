package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	optionsPath string
	verbose     bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rangerd",
		Short: "rangerd - declarative reconciliation agent for Apache Ranger",
		Long: `rangerd keeps one Apache Ranger workload (admin server or usersync
daemon) converged with its declared external dependencies.

Collaborators declare dependencies (a PostgreSQL database, an LDAP
directory, peer units, downstream consumers) as documents in a watched
directory. The agent synthesizes the workload configuration from those
declarations, applies it only when it actually changed, restarts the
service when needed, probes its health, and publishes connection facts
to downstream consumers once the workload is active.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&optionsPath, "options", "o", "", "options file path (CUE or YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	// Add subcommands
	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRenderCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
