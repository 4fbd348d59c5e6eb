package main

import (
	"github.com/spf13/cobra"

	"github.com/basket/floorwatch/internal/doctor"
)

func newDoctorCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// A broken config is itself a finding, so keep going.
			cfg, err := root.loadConfig()
			if err != nil {
				cmd.PrintErrf("config load warning: %v\n", err)
			}

			diag := doctor.Run(cmd.Context(), &cfg, Version)
			if root.JSON {
				if err := printJSON(cmd.OutOrStdout(), diag); err != nil {
					return err
				}
			} else {
				doctor.Render(cmd.OutOrStdout(), diag)
			}
			if diag.Failed() {
				return &exitError{code: 1, err: errDoctorFailed}
			}
			return nil
		},
	}
}
