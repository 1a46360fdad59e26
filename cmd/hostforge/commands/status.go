package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var reconcile bool

	cmd := &cobra.Command{
		Use:   "status <request-id> [request-id...]",
		Short: "Show request and per-machine status",
		Example: `  # Poll one request, refreshing from the backend first
  hostforge status req-1234 --reconcile`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			ctx = app.instrument(ctx)
			defer app.Close(ctx)

			if reconcile {
				for _, id := range args {
					if err := app.eng.Reconcile(ctx, id); err != nil {
						return fmt.Errorf("reconcile %s: %w", id, err)
					}
				}
			}

			resp, err := app.facade.GetRequestStatus(ctx, args...)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(resp)
			}

			for _, req := range resp.Requests {
				fmt.Printf("Request %s: %s", req.RequestID, req.Status)
				if req.Message != "" {
					fmt.Printf(" (%s)", req.Message)
				}
				fmt.Println()
				for _, m := range req.Machines {
					fmt.Printf("  %-20s %-28s %-10s %-12s %s\n",
						m.MachineID, m.Name, m.Result, m.Status, m.PrivateIPAddress)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&reconcile, "reconcile", false, "poll the backend before reporting")
	return cmd
}
