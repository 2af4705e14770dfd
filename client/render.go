package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gammadia/nomadcloud/cloud"
	"github.com/gammadia/nomadcloud/jobspec"
	"github.com/gammadia/nomadcloud/jobtemplate"
	"github.com/gammadia/nomadcloud/nomad"
	"github.com/gammadia/nomadcloud/server/config"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

const renderedSecret = "<secret>"

var renderCmd = &cobra.Command{
	Use:   "render FILE [TEMPLATE]",
	Short: "Print the job specifications a templates file produces, without contacting the daemon",
	Args:  cobra.RangeArgs(1, 2),

	RunE: func(cmd *cobra.Command, args []string) error {
		templates, err := config.Read(args[0], config.ReadOptions{
			Params: lo.Must(cmd.Flags().GetStringToString("param")),
		})
		if err != nil {
			return err
		}
		if len(args) > 1 {
			t, ok := lo.Find(templates, func(t *jobtemplate.JobTemplate) bool { return t.Name == args[1] })
			if !ok {
				return fmt.Errorf("no template named '%s' in %s", args[1], args[0])
			}
			templates = []*jobtemplate.JobTemplate{t}
		}

		controllerURL, _ := lo.Coalesce(lo.Must(cmd.Flags().GetString("controller-url")), os.Getenv(cloud.ControllerURLEnv), "http://jenkins.invalid/")
		jobs := renderJobs(templates, jobspec.RuntimeContext{
			Secret:        renderedSecret,
			ControllerURL: controllerURL,
			Tunnel:        lo.Must(cmd.Flags().GetString("tunnel")),
		})

		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		if len(jobs) == 1 {
			return encoder.Encode(jobs[0])
		}
		return encoder.Encode(jobs)
	},
}

func init() {
	renderCmd.Flags().StringToStringP("param", "p", nil, "parameters available to the file as .Params")
	renderCmd.Flags().String("controller-url", "", "URL agents connect back to, $NOMAD_JENKINS_URL when empty")
	renderCmd.Flags().String("tunnel", "", "host:port agents connect through")
}

// renderJobs builds one job per template, naming each agent after its template.
func renderJobs(templates []*jobtemplate.JobTemplate, rc jobspec.RuntimeContext) []*nomad.Job {
	return lo.Map(templates, func(t *jobtemplate.JobTemplate, _ int) *nomad.Job {
		c := rc
		c.AgentName = t.AgentName()
		if c.ControllerURL != "" {
			c.AgentJarURL = strings.TrimSuffix(c.ControllerURL, "/") + "/jnlpJars/slave.jar"
		}
		return jobspec.Build(t, c)
	})
}
