package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"coderd/internal/manager"
)

func newDoctorCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the cache directory, device and model cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := a.buildStack(stackOptions{base: cmd.Context(), events: manager.NewMemoryPublisher(1)})
			if err != nil {
				return err
			}
			defer m.Close()
			r := m.SanityCheck()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(r); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "cache dir:  %s (writable: %t)\n", r.CacheDir, r.CacheWritable)
				fmt.Fprintf(out, "device:     %s\n", r.Device)
				fmt.Fprintf(out, "workers:    %d\n", r.Workers)
				for _, mc := range r.Models {
					fmt.Fprintf(out, "model %-16s cached=%-5t %s\n", mc.ID, mc.Cached, mc.CacheDir)
				}
			}
			if r.Error != "" {
				return errors.New(r.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}
