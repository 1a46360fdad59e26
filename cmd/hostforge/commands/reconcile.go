package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hostforge/hostforge/pkg/engine"
)

func newReconcileCommand() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run the reconciliation loop",
		Long: `Drive pending and running requests forward by dispatching and
polling their backends. By default this runs as a daemon on the
configured interval until interrupted; --once performs a single pass
and exits.`,
		Example: `  # Run the daemon
  hostforge reconcile

  # One pass, e.g. from cron
  hostforge reconcile --once`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			ctx = app.instrument(ctx)
			defer app.Close(ctx)

			reconciler := engine.NewReconciler(app.eng, app.cfg.Reconciler, app.tel.Logger.Zerolog(), app.tel.Metrics)

			if once {
				processed, err := reconciler.Pass(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Reconciled %d request(s).\n", processed)
				return nil
			}

			if app.cfg.Policies.Watch && len(app.cfg.Policies.Paths) > 0 {
				if err := app.policies.WatchPolicies(ctx, app.cfg.Policies.Paths); err != nil {
					return err
				}
			}

			err = reconciler.Run(ctx)
			if err != nil && ctx.Err() != nil {
				// Interrupted shutdown, not a failure.
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single reconciliation pass and exit")
	return cmd
}
