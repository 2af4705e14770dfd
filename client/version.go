package main

import (
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version number of nomadcloud",

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("nomadcloud version %s (%s)\n", version, shortCommit(commit))

		serverVersion, err := client.Version(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("daemon version %s\n", serverVersion)
		return nil
	},
}

func shortCommit(commit string) string {
	return commit[:min(len(commit), 7)]
}
