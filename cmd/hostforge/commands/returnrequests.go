package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReturnRequestsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "return-requests",
		Short: "List machines with an open return request",
		Long: `List machines that have an open return request, with the grace
period in seconds the workload manager is granted to drain each one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			ctx = app.instrument(ctx)
			defer app.Close(ctx)

			resp, err := app.facade.GetReturnRequests(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(resp)
			}
			if len(resp.Requests) == 0 {
				fmt.Println("No pending return requests.")
				return nil
			}
			fmt.Printf("%-28s %s\n", "MACHINE", "GRACE PERIOD (s)")
			for _, rr := range resp.Requests {
				fmt.Printf("%-28s %d\n", rr.Machine, rr.GracePeriod)
			}
			return nil
		},
	}
	return cmd
}
