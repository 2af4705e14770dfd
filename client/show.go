package main

import (
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show AGENT",
	Short: "Show agent details",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := client.Agent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		now := time.Now()

		cmd.Printf("%-12s %s\n", "Agent:", color.HiCyanString(a.Name))
		cmd.Printf("%-12s %s\n", "Cloud:", a.Cloud)
		cmd.Printf("%-12s %s\n", "Template:", a.Template)
		if a.Label != "" {
			cmd.Printf("%-12s %s\n", "Label:", a.Label)
		}
		cmd.Printf("%-12s %s\n", "State:", agentState(*a))
		cmd.Printf("%-12s %s\n", "Status:", agentStatus(*a, now))
		cmd.Printf("%-12s %s\n", "Retention:", retention(*a))
		cmd.Printf("%-12s %s (%s ago)\n", "Created:", a.CreatedAt.Truncate(time.Second), formatAge(now.Sub(a.CreatedAt)))
		if a.Reason != "" {
			cmd.Printf("%-12s %s\n", "Reason:", color.HiRedString(a.Reason))
		}
		return nil
	},
}
