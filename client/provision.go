package main

import (
	"time"

	"github.com/gammadia/nomadcloud/server/api"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var provisionCmd = &cobra.Command{
	Use:   "provision [LABEL]",
	Short: "Plan agents for a label expression, launching them on request",
	Args:  cobra.MaximumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		expression := ""
		if len(args) > 0 {
			expression = args[0]
		}
		excess := lo.Must(cmd.Flags().GetInt("excess"))
		launch := lo.Must(cmd.Flags().GetBool("launch"))
		wait := lo.Must(cmd.Flags().GetBool("wait"))
		env := lo.Must(cmd.Flags().GetStringToString("env"))

		// Waiting launches go through the launch endpoint, one request per agent
		agents, err := client.Provision(cmd.Context(), expression, excess, launch && !wait, env)
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			cmd.PrintErrln("No agent could be planned for this label")
			return nil
		}
		cmd.Println(agentsTable(agents, time.Now()))

		if launch && wait {
			return launchAll(cmd.Context(), lo.Map(agents, func(a api.AgentView, _ int) string { return a.Name }))
		}
		return nil
	},
}

func init() {
	provisionCmd.Flags().IntP("excess", "n", 1, "number of agents requested")
	provisionCmd.Flags().Bool("launch", false, "launch the planned agents")
	provisionCmd.Flags().Bool("wait", false, "with --launch, wait until the agents are online")
	provisionCmd.Flags().StringToStringP("env", "e", nil, "variables set on the agent tasks, as KEY=VALUE")
}
