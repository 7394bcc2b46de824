package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newSyncCmd builds the one-shot sync command.
func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			a, err := buildApp(resolvedCfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, err = a.orchestrator.Run(ctx)

			return err
		},
	}
}
