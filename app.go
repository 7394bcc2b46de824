package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/artem2584/modeuscal/internal/config"
	"github.com/artem2584/modeuscal/internal/gcal"
	"github.com/artem2584/modeuscal/internal/modeus"
	"github.com/artem2584/modeuscal/internal/notify"
	"github.com/artem2584/modeuscal/internal/store"
	"github.com/artem2584/modeuscal/internal/sync"
)

// app holds the fully wired object graph for one process.
type app struct {
	store        *store.Store
	orchestrator *sync.Orchestrator
	auth         *gcal.Authenticator
	logger       *slog.Logger
}

// buildApp wires every component from the resolved config. The caller
// owns closing the store.
func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	location, err := time.LoadLocation(cfg.Sync.CalendarTimeZone)
	if err != nil {
		return nil, fmt.Errorf("loading time zone: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	auth := gcal.NewAuthenticator(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)

	remoteFor := func(accessToken string) sync.Remote {
		return gcal.NewClient(gcal.DefaultBaseURL, nil, accessToken, logger)
	}

	source := modeus.NewClient(cfg.Modeus.BaseURL, cfg.Modeus.Token, cfg.Sync.CalendarTimeZone, location, logger)

	queue := store.NewMutationQueue()

	resolver := sync.NewAccountResolver(
		auth, remoteFor, queue,
		cfg.Sync.CalendarSummary, cfg.Sync.CalendarTimeZone,
		logger,
	)

	drift := sync.NewDriftDetector(queue, logger)
	executor := sync.NewExecutor(queue, logger)

	engine := sync.NewEngine(st, source, resolver, drift, executor, cfg.Sync.CalendarTimeZone, logger)

	var notifier sync.Notifier
	if cfg.Telegram.BotToken != "" {
		notifier = notify.NewTelegram("", cfg.Telegram.BotToken)
	}

	linker := sync.NewLinker(st, auth, notifier, logger)

	orchestrator := sync.NewOrchestrator(st, engine, queue, linker, cfg.Sync.Concurrency, location, logger)

	return &app{
		store:        st,
		orchestrator: orchestrator,
		auth:         auth,
		logger:       logger,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("closing store", slog.String("error", err.Error()))
	}
}
