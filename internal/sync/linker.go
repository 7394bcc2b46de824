package sync

import (
	"context"
	"log/slog"

	"github.com/artem2584/modeuscal/internal/store"
)

const (
	linkSuccessMessage = "✅ Google Calendar был успешно привязан! Расписание начнет синхронизироваться в течение 15-30 минут."
	linkFailureMessage = "❌ Ошибка при привязке Google Calendar. Попробуй еще раз через /link_google."
)

// Linker services pending account-link attempts: it trades each stored
// authorization code for a refresh token, persists it, and tells the
// user how it went. Codes are single-use, so every attempt is deleted
// whether the exchange succeeded or not — a retry needs a fresh code
// anyway.
type Linker struct {
	store    *store.Store
	exchange CodeExchanger
	notify   Notifier // nil disables user notifications
	logger   *slog.Logger
}

// NewLinker creates a Linker. notify may be nil.
func NewLinker(st *store.Store, exchange CodeExchanger, notify Notifier, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Linker{store: st, exchange: exchange, notify: notify, logger: logger}
}

// ProcessPending drains the link-attempt table. Failures are logged per
// attempt and never propagate; the orchestrator calls this at the end
// of every run.
func (l *Linker) ProcessPending(ctx context.Context) {
	attempts, err := l.store.ListLinkAttempts(ctx)
	if err != nil {
		l.logger.Error("listing link attempts failed", slog.String("error", err.Error()))
		return
	}

	if len(attempts) == 0 {
		return
	}

	l.logger.Info("processing link attempts", slog.Int("count", len(attempts)))

	for _, attempt := range attempts {
		l.process(ctx, attempt)
	}
}

func (l *Linker) process(ctx context.Context, attempt store.LinkAttempt) {
	log := l.logger.With(
		slog.String("user", attempt.UserID),
		slog.Int64("chat", attempt.ChatID),
	)

	// Delete first: the code is spent the moment we try it.
	if err := l.store.DeleteLinkAttempt(ctx, attempt.ChatID); err != nil {
		log.Error("deleting link attempt failed", slog.String("error", err.Error()))
	}

	refreshToken, err := l.exchange.ExchangeCode(ctx, attempt.AuthCode)
	if err != nil {
		log.Warn("authorization code exchange failed", slog.String("error", err.Error()))
		l.send(ctx, attempt.ChatID, linkFailureMessage, log)

		return
	}

	if err := l.store.SaveRefreshToken(ctx, attempt.UserID, attempt.ChatID, refreshToken); err != nil {
		log.Error("persisting refresh token failed", slog.String("error", err.Error()))
		l.send(ctx, attempt.ChatID, linkFailureMessage, log)

		return
	}

	log.Info("account linked")
	l.send(ctx, attempt.ChatID, linkSuccessMessage, log)
}

func (l *Linker) send(ctx context.Context, chatID int64, text string, log *slog.Logger) {
	if l.notify == nil {
		return
	}

	if err := l.notify.Send(ctx, chatID, text); err != nil {
		log.Warn("notification failed", slog.String("error", err.Error()))
	}
}
