package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/gammadia/nomadcloud/jobtemplate"
	"github.com/gammadia/nomadcloud/server/config"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var templatesCmd = &cobra.Command{
	Use:   "templates [LABEL]",
	Short: "List the templates serving a label expression, or all of them",
	Args:  cobra.MaximumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		templates, err := client.Templates(cmd.Context(), strings.Join(args, ""))
		if err != nil {
			return err
		}
		for _, t := range templates {
			printTemplate(cmd, t)
		}
		return nil
	},
}

var templatesAddCmd = &cobra.Command{
	Use:   "add FILE",
	Short: "Add the templates of a file to the daemon",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		templates, err := readTemplatesFile(cmd, args[0])
		if err != nil {
			return err
		}
		for _, t := range templates {
			if err := client.AddTemplate(cmd.Context(), t); err != nil {
				return fmt.Errorf("failed to add template '%s': %w", t.Name, err)
			}
			cmd.PrintErrln(color.HiGreenString("Added template '%s'", t.Name))
		}
		return nil
	},
}

var templatesRemoveCmd = &cobra.Command{
	Use:   "rm NAME",
	Short: "Remove a template from the daemon",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.RemoveTemplate(cmd.Context(), args[0]); err != nil {
			return err
		}
		cmd.PrintErrln(color.HiGreenString("Removed template '%s'", args[0]))
		return nil
	},
}

var templatesBlockCmd = &cobra.Command{
	Use:   "block FILE",
	Short: "Register the templates of a file as dynamic templates, printing their names",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		templates, err := readTemplatesFile(cmd, args[0])
		if err != nil {
			return err
		}
		runEnv := lo.Must(cmd.Flags().GetStringToString("run-env"))
		for _, t := range templates {
			name, err := client.EnterBlock(cmd.Context(), t, runEnv)
			if err != nil {
				return fmt.Errorf("failed to register template '%s': %w", t.Name, err)
			}
			cmd.Println(name)
		}
		return nil
	},
}

var templatesUnblockCmd = &cobra.Command{
	Use:   "unblock NAME...",
	Short: "Remove dynamic templates",
	Args:  cobra.MinimumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range args {
			if err := client.ExitBlock(cmd.Context(), name); err != nil {
				return fmt.Errorf("failed to remove dynamic template '%s': %w", name, err)
			}
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{templatesAddCmd, templatesBlockCmd} {
		c.Flags().StringToStringP("param", "p", nil, "parameters available to the file as .Params")
	}
	templatesBlockCmd.Flags().StringToStringP("run-env", "e", nil, "run variables resolving the ${env.KEY} macros of the tasks")
	templatesCmd.AddCommand(templatesAddCmd, templatesRemoveCmd, templatesBlockCmd, templatesUnblockCmd)
}

func readTemplatesFile(cmd *cobra.Command, file string) ([]*jobtemplate.JobTemplate, error) {
	return config.Read(file, config.ReadOptions{
		Params: lo.Must(cmd.Flags().GetStringToString("param")),
	})
}

func printTemplate(cmd *cobra.Command, t *jobtemplate.JobTemplate) {
	limit := "unlimited"
	if t.InstanceCap != nil {
		limit = fmt.Sprint(*t.InstanceCap)
	}
	cmd.Printf("%s  %s  cap=%s\n", color.HiCyanString(t.Name), lo.Ternary(t.Label == "", "(no label)", t.Label), limit)
	if !verbose {
		return
	}
	for _, task := range t.TaskGroups {
		cmd.Printf("  %s\n", task.Describe())
	}
	for _, line := range wrapList(t.Datacenters, 72) {
		cmd.Printf("  datacenters: %s\n", line)
	}
}
