package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCleanupCommand() *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge terminal requests past their retention window",
		Long: `Remove completed and failed requests, and their machines, once they
have been terminal for longer than the retention window. Open requests
are never touched.`,
		Example: `  # Purge requests terminal for more than 48 hours
  hostforge cleanup --retention 48h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			ctx = app.instrument(ctx)
			defer app.Close(ctx)

			if retention <= 0 {
				retention = app.cfg.Requests.Retention
			}

			removed, err := app.eng.CleanupTerminal(ctx, retention)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]any{"removed": removed})
			}
			fmt.Printf("Removed %d request(s).\n", removed)
			return nil
		},
	}

	cmd.Flags().DurationVar(&retention, "retention", 0, "override the configured retention window")
	return cmd
}
