package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRequestCommand() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "request <template-id>",
		Short: "Request machines from a template",
		Long: `Create a provisioning request for the named template and dispatch it
to the selected backend strategy. The request id is printed
immediately; use "hostforge status" to follow per-machine progress.`,
		Example: `  # Request five machines of the sim-small template
  hostforge request sim-small --count 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			ctx = app.instrument(ctx)
			defer app.Close(ctx)

			resp, err := app.facade.RequestMachines(ctx, args[0], count)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(resp)
			}
			fmt.Printf("Request created: %s\n", resp.RequestID)
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of machines to request")
	return cmd
}
