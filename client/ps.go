package main

import (
	"time"

	"github.com/spf13/cobra"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List agents",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		agents, err := client.Agents(cmd.Context())
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			cmd.PrintErrln("No agents")
			return nil
		}
		cmd.Println(agentsTable(agents, time.Now()))
		return nil
	},
}
