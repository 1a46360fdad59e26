package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTemplatesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List available machine templates",
		Example: `  # List templates
  hostforge templates

  # Machine-readable listing
  hostforge templates --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			ctx = app.instrument(ctx)
			defer app.Close(ctx)

			resp, err := app.facade.ListTemplates(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(resp)
			}

			if len(resp.Templates) == 0 {
				fmt.Println("No templates configured.")
				return nil
			}
			fmt.Printf("%-24s %-10s %s\n", "TEMPLATE", "MAX", "ATTRIBUTES")
			for _, tpl := range resp.Templates {
				fmt.Printf("%-24s %-10d %d attribute(s)\n", tpl.TemplateID, tpl.MaxNumber, len(tpl.Attributes))
			}
			return nil
		},
	}
	return cmd
}
