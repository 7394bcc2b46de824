package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newResetCmd builds the destructive admin command that deletes every
// user's dedicated calendar and wipes all mappings. The next sync run
// rebuilds everything from scratch.
func newResetCmd() *cobra.Command {
	var confirmed bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all dedicated calendars and stored mappings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirmed {
				return fmt.Errorf("reset deletes every user's calendar; re-run with --yes to confirm")
			}

			logger := buildLogger()

			a, err := buildApp(resolvedCfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return a.orchestrator.ResetCalendars(ctx)
		},
	}

	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm the reset")

	return cmd
}
