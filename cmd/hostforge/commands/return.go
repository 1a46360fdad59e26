package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReturnCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "return <machine-name> [machine-name...]",
		Short: "Return machines for termination",
		Long: `Create a return request for the named machines and dispatch the
termination. Names the engine does not know are reported and skipped;
returning only unknown names yields no request.`,
		Example: `  # Return two machines by host name
  hostforge return ip-10-0-0-5 ip-10-0-0-6`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			ctx = app.instrument(ctx)
			defer app.Close(ctx)

			resp, err := app.facade.ReturnMachines(ctx, args)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(resp)
			}
			if resp.RequestID == "" {
				fmt.Println(resp.Message)
				return nil
			}
			fmt.Printf("Return request created: %s\n", resp.RequestID)
			return nil
		},
	}
	return cmd
}
