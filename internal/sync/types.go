// Package sync implements the reconciliation engine: per user, it
// compares the desired event set from the scheduling source against the
// true state of the user's Google calendar, plans the minimal set of
// remote mutations, executes them in rate-limited batches, and records
// the resulting mappings so the next run is idempotent.
package sync

import (
	"context"
	"time"

	"github.com/artem2584/modeuscal/internal/gcal"
	"github.com/artem2584/modeuscal/internal/store"
)

// Category is the Modeus event type id. Unknown values fall through to
// the default calendar color.
type Category string

const (
	CategoryLecture      Category = "LECT"
	CategorySeminar      Category = "SEMI"
	CategoryConsultation Category = "CONS"
	CategoryMidtermCheck Category = "MID_CHECK"
	CategoryCurrentCheck Category = "CUR_CHECK"
	CategoryOther        Category = "EVENT_OTHER"
)

// DesiredEvent is the scheduling source's authoritative record of what
// should appear on a user's calendar. Immutable within a run; keyed by
// the source-assigned id, stable across runs until the source event is
// cancelled or expires out of the sync window.
type DesiredEvent struct {
	ID            string
	StartsAt      time.Time
	EndsAt        time.Time
	Title         string
	LocationLabel string
	CourseLabel   string
	Organizers    []string
	AttendeeCount int // participants only, organizers excluded
	Category      Category
}

// Operation is one planned remote mutation. Transient: it exists only
// for the duration of one batch round and is never persisted.
type Operation struct {
	Method string
	Path   string
	Body   *gcal.Event
	// EventID correlates the operation back to the desired event.
	// Empty for drift-cleanup deletes, which have no desired event.
	EventID string
	// RemoteID is the remote event id this operation targets: the
	// mapped id for PUT/DELETE, the pre-chosen candidate id for POST.
	RemoteID string
}

// Source yields the desired event set for one user. The Modeus client
// implements it; tests use stubs.
type Source interface {
	DesiredEvents(ctx context.Context, userID string) ([]DesiredEvent, error)
}

// Remote is the slice of the calendar transport the engine consumes.
// *gcal.Client implements it.
type Remote interface {
	Batch(ctx context.Context, reqs []gcal.BatchRequest) ([]gcal.BatchResult, error)
	GetCalendar(ctx context.Context, calendarID string) (*gcal.Calendar, error)
	InsertCalendar(ctx context.Context, summary, timeZone string) (*gcal.Calendar, error)
	DeleteCalendar(ctx context.Context, calendarID string) error
}

// RemoteFactory builds a Remote bound to one user's access token.
type RemoteFactory func(accessToken string) Remote

// TokenExchanger turns a stored refresh token into a short-lived access
// token. *gcal.Authenticator implements it.
type TokenExchanger interface {
	AccessToken(ctx context.Context, refreshToken string) (string, error)
}

// CodeExchanger trades an authorization code for a refresh token.
// *gcal.Authenticator implements it.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code string) (string, error)
}

// Notifier delivers a fire-and-forget text message to a chat. Failures
// are logged by callers, never propagated into the run.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// UserReport summarizes one user's slice of a run.
type UserReport struct {
	UserID     string
	Skipped    bool
	SkipReason string
	Planned    int // operations handed to the executor
	Created    int // successful POSTs
	Updated    int // successful PUTs
	Deleted    int // successful (or already-gone) remote DELETEs
	Stale      int // mappings dropped by drift detection or PUT 404
	Conflicts  int // POST 409 on a candidate id
	Failed     int // everything else
	Err        error
}

// RunReport aggregates a whole sync run.
type RunReport struct {
	Started      time.Time
	Duration     time.Duration
	Users        int
	SkippedUsers int
	FlushApplied int
	FlushFailed  int
	Reports      []*UserReport
}

// mappingIndex builds a desired-event-id lookup from the user's stored
// mappings.
func mappingIndex(mappings []store.Mapping) map[string]store.Mapping {
	idx := make(map[string]store.Mapping, len(mappings))
	for _, m := range mappings {
		idx[m.EventID] = m
	}

	return idx
}
