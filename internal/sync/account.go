package sync

import (
	"context"
	"log/slog"

	"github.com/artem2584/modeuscal/internal/store"
)

// Session is a resolved per-user context for one run: a transport bound
// to a fresh access token and the id of the user's dedicated calendar.
type Session struct {
	Account    store.Account
	Remote     Remote
	CalendarID string
}

// AccountResolver turns a stored account into a usable Session,
// lazily creating the dedicated calendar on first use.
type AccountResolver struct {
	auth      TokenExchanger
	remoteFor RemoteFactory
	queue     *store.MutationQueue

	calendarSummary  string
	calendarTimeZone string

	logger *slog.Logger
}

// NewAccountResolver creates an AccountResolver. calendarSummary and
// calendarTimeZone are used when a calendar has to be created.
func NewAccountResolver(
	auth TokenExchanger,
	remoteFor RemoteFactory,
	queue *store.MutationQueue,
	calendarSummary, calendarTimeZone string,
	logger *slog.Logger,
) *AccountResolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &AccountResolver{
		auth:             auth,
		remoteFor:        remoteFor,
		queue:            queue,
		calendarSummary:  calendarSummary,
		calendarTimeZone: calendarTimeZone,
		logger:           logger,
	}
}

// Resolve exchanges the account's credential for an access token and
// ensures the dedicated calendar exists. A (nil, reason) return means
// the user is skipped for this run — never a fatal error: missing
// credentials, failed token exchange, and failed calendar creation all
// heal on a later run (or never, which is also fine).
func (r *AccountResolver) Resolve(ctx context.Context, account store.Account) (*Session, string) {
	log := r.logger.With(slog.String("user", account.UserID))

	if !account.Linked() {
		return nil, "no stored credential"
	}

	token, err := r.auth.AccessToken(ctx, account.RefreshToken)
	if err != nil {
		log.Warn("token exchange failed, skipping user", slog.String("error", err.Error()))
		return nil, "token exchange failed"
	}

	remote := r.remoteFor(token)

	calendarID, ok := r.ensureCalendar(ctx, remote, account, log)
	if !ok {
		return nil, "calendar creation failed"
	}

	return &Session{Account: account, Remote: remote, CalendarID: calendarID}, ""
}

// ensureCalendar verifies the stored calendar id, creating a new
// calendar when the id is absent or no longer resolves. The new id is
// queued for persistence and used in-memory for the rest of the run.
func (r *AccountResolver) ensureCalendar(ctx context.Context, remote Remote, account store.Account, log *slog.Logger) (string, bool) {
	if account.CalendarID != "" {
		if _, err := remote.GetCalendar(ctx, account.CalendarID); err == nil {
			return account.CalendarID, true
		}

		log.Info("stored calendar no longer resolves, creating a new one",
			slog.String("calendar", account.CalendarID),
		)
	}

	cal, err := remote.InsertCalendar(ctx, r.calendarSummary, r.calendarTimeZone)
	if err != nil || cal.ID == "" {
		log.Error("calendar creation failed, skipping user", slog.Any("error", err))
		return "", false
	}

	r.queue.SaveCalendarID(account.UserID, cal.ID)

	log.Info("created dedicated calendar", slog.String("calendar", cal.ID))

	return cal.ID, true
}
