package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/nomadcloud/client/remote"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var client *remote.Client

var verbose bool

var nomadcloudCmd = &cobra.Command{
	Use:   "nomadcloud",
	Short: "nomadcloud provisions build agents on a Nomad cluster.",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		address := lo.Must(cmd.Flags().GetString("remote"))
		timeout := lo.Must(cmd.Flags().GetDuration("timeout"))

		if client, err = remote.New(address, timeout); err != nil {
			return fmt.Errorf("failed to create daemon client: %w", err)
		}
		return nil
	},
}

func init() {
	nomadcloudCmd.AddCommand(completionCmd)
	nomadcloudCmd.AddCommand(launchCmd)
	nomadcloudCmd.AddCommand(provisionCmd)
	nomadcloudCmd.AddCommand(psCmd)
	nomadcloudCmd.AddCommand(renderCmd)
	nomadcloudCmd.AddCommand(showCmd)
	nomadcloudCmd.AddCommand(templatesCmd)
	nomadcloudCmd.AddCommand(terminateCmd)
	nomadcloudCmd.AddCommand(versionCmd)

	remoteAddress, _ := lo.Coalesce(os.Getenv("NOMADCLOUD_REMOTE"), remote.DefaultAddress)

	nomadcloudCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	nomadcloudCmd.PersistentFlags().String("remote", remoteAddress, "the daemon address")
	nomadcloudCmd.PersistentFlags().Duration("timeout", 15*time.Minute, "timeout of a single daemon request")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nomadcloudCmd.SetOut(os.Stdout)
	if err := nomadcloudCmd.ExecuteContext(ctx); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, color.HiRedString(fmt.Sprint(err))))
		os.Exit(1)
	}
}
