package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var terminateCmd = &cobra.Command{
	Use:     "terminate AGENT...",
	Aliases: []string{"rm"},
	Short:   "Terminate agents and remove their jobs",
	Args:    cobra.MinimumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		var errs []error
		for _, name := range args {
			if err := client.Terminate(cmd.Context(), name); err != nil {
				errs = append(errs, fmt.Errorf("failed to terminate '%s': %w", name, err))
				continue
			}
			cmd.PrintErrln(color.HiGreenString("Terminated agent '%s'", name))
		}
		return errors.Join(errs...)
	},
}
