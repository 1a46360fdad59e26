package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// buildVersion is exposed to template rendering as the
	// packageVersion variable.
	buildVersion string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hostforge",
		Short: "HostForge - machine provisioning orchestrator",
		Long: `HostForge provisions and tracks compute machines on behalf of a
cluster workload manager.

It resolves declarative machine templates into backend payloads,
dispatches provisioning through pluggable backend strategies wrapped
in retry and circuit-breaker logic, and reconciles request state from
an event-sourced store until every machine settles.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newTemplatesCommand())
	rootCmd.AddCommand(newRequestCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newReturnCommand())
	rootCmd.AddCommand(newReturnRequestsCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newCleanupCommand())

	return rootCmd
}
