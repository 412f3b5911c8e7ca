package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"coderd/internal/manager"
)

func newModelsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List catalog models and their cache state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := a.buildStack(stackOptions{base: cmd.Context(), events: manager.NewMemoryPublisher(1)})
			if err != nil {
				return err
			}
			defer m.Close()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tHUB ID\tSTATE\tNAME")
			for _, ms := range m.Models() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ms.ID, ms.HubID, ms.State, ms.DisplayName)
			}
			return tw.Flush()
		},
	}
}
