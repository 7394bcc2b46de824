package main

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/artem2584/modeuscal/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by
// PersistentPreRunE, available to all subcommands.
var resolvedCfg *config.Config

// newRootCmd builds the fully-assembled root command. Called once from
// main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "modeuscal",
		Short:   "Modeus to Google Calendar sync",
		Long:    "Syncs Modeus schedules into per-user Google calendars.",
		Version: version,
		// Silence Cobra's default error/usage printing — main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Resolve(flagConfigPath)
			if err != nil {
				return err
			}

			resolvedCfg = cfg

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newLinkCmd())
	cmd.AddCommand(newResetCmd())

	return cmd
}

// buildLogger creates an slog.Logger from the resolved config and CLI
// flags. Flags win over the config-file level. Output is human-readable
// text on a terminal and JSON otherwise, so piped logs stay parseable.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if resolvedCfg != nil {
		switch resolvedCfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
