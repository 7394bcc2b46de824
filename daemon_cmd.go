package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/artem2584/modeuscal/internal/sync"
)

// newDaemonCmd builds the long-running mode: sync on a fixed interval
// until interrupted. The orchestrator's single-flight guard means a
// slow run simply swallows the next tick.
func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Sync continuously on the configured interval",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			interval, err := resolvedCfg.Sync.IntervalDuration()
			if err != nil {
				return err
			}

			a, err := buildApp(resolvedCfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runOnce := func() {
				if _, err := a.orchestrator.Run(ctx); err != nil {
					if errors.Is(err, sync.ErrRunInProgress) {
						logger.Warn("previous run still in progress, skipping tick")
						return
					}

					if ctx.Err() != nil {
						return
					}

					logger.Error("sync run failed", slog.String("error", err.Error()))
				}
			}

			scheduler := cron.New()

			if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", interval), runOnce); err != nil {
				return fmt.Errorf("scheduling sync: %w", err)
			}

			logger.Info("daemon started", slog.Duration("interval", interval))

			// First run immediately; the scheduler handles the rest.
			runOnce()
			scheduler.Start()

			<-ctx.Done()

			logger.Info("shutting down")
			<-scheduler.Stop().Done()

			return nil
		},
	}
}
