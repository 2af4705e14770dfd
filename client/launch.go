package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fatih/color"
	"github.com/gammadia/nomadcloud/client/ui"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var launchCmd = &cobra.Command{
	Use:   "launch AGENT...",
	Short: "Launch planned agents",
	Args:  cobra.MinimumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		if lo.Must(cmd.Flags().GetBool("no-wait")) {
			for _, name := range args {
				if _, err := client.Launch(cmd.Context(), name, false); err != nil {
					return fmt.Errorf("failed to launch '%s': %w", name, err)
				}
				cmd.PrintErrln(color.HiGreenString("Launching agent '%s'", name))
			}
			return nil
		}
		return launchAll(cmd.Context(), args)
	},
}

func init() {
	launchCmd.Flags().Bool("no-wait", false, "return as soon as the launches started")
}

// launchAll launches agents concurrently and waits until each one is online or failed.
func launchAll(ctx context.Context, names []string) error {
	spinner := ui.NewSpinner(fmt.Sprintf("Launching %d agent(s)", len(names)))

	var mu sync.Mutex
	var wg sync.WaitGroup
	var errs []error
	online := 0

	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Launch(ctx, name, true)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("agent '%s': %w", name, err))
			} else {
				online++
			}
			spinner.UpdateMessage(fmt.Sprintf("Launching %d agent(s): %d online, %d failed", len(names), online, len(errs)))
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		spinner.Fail(fmt.Sprintf("%d of %d agent(s) failed to launch", len(errs), len(names)))
		return errors.Join(errs...)
	}
	spinner.Success(fmt.Sprintf("%d agent(s) online", online))
	return nil
}
