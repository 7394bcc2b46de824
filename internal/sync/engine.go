package sync

import (
	"context"
	"log/slog"

	"github.com/artem2584/modeuscal/internal/store"
)

// Engine runs the full reconciliation pipeline for a single user:
// fetch desired events, resolve the session, detect drift, plan, and
// execute. All store writes flow through the shared mutation queue;
// the engine itself never touches the database directly except to read
// the user's mappings.
type Engine struct {
	store    *store.Store
	source   Source
	resolver *AccountResolver
	drift    *DriftDetector
	executor *Executor

	timeZone string
	newID    func() string // overrides the planner's id generator when set

	logger *slog.Logger
}

// NewEngine wires the per-user pipeline. timeZone is stamped on every
// event payload.
func NewEngine(
	st *store.Store,
	source Source,
	resolver *AccountResolver,
	drift *DriftDetector,
	executor *Executor,
	timeZone string,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		store:    st,
		source:   source,
		resolver: resolver,
		drift:    drift,
		executor: executor,
		timeZone: timeZone,
		logger:   logger,
	}
}

// SyncUser reconciles one user's calendar. refreshedAt is the run's
// display timestamp, shared by every user in the run. The returned
// report is never nil; per-user failures land in it rather than
// propagating, so one broken user cannot fail the run.
func (e *Engine) SyncUser(ctx context.Context, account store.Account, refreshedAt string) *UserReport {
	report := &UserReport{UserID: account.UserID}
	log := e.logger.With(slog.String("user", account.UserID))

	desired, err := e.source.DesiredEvents(ctx, account.UserID)
	if err != nil {
		log.Warn("fetching desired events failed, skipping user", slog.String("error", err.Error()))

		report.Skipped = true
		report.SkipReason = "source fetch failed"
		report.Err = err

		return report
	}

	session, skipReason := e.resolver.Resolve(ctx, account)
	if session == nil {
		report.Skipped = true
		report.SkipReason = skipReason

		return report
	}

	mappings, err := e.store.ListMappingsForUser(ctx, account.UserID)
	if err != nil {
		report.Skipped = true
		report.SkipReason = "mapping lookup failed"
		report.Err = err

		return report
	}

	driftRes, err := e.drift.Detect(ctx, session, desired, mappings)
	if err != nil {
		log.Warn("drift detection failed, skipping user", slog.String("error", err.Error()))

		report.Skipped = true
		report.SkipReason = "drift detection failed"
		report.Err = err

		return report
	}

	report.Stale = driftRes.Stale

	planner := NewPlanner(e.timeZone, refreshedAt)
	if e.newID != nil {
		planner.newID = e.newID
	}

	ops := planner.Plan(session.CalendarID, desired, driftRes)

	if err := e.executor.Execute(ctx, session, ops, report); err != nil {
		report.Err = err
		return report
	}

	log.Info("user sync complete",
		slog.Int("planned", report.Planned),
		slog.Int("created", report.Created),
		slog.Int("updated", report.Updated),
		slog.Int("deleted", report.Deleted),
		slog.Int("stale", report.Stale),
		slog.Int("conflicts", report.Conflicts),
		slog.Int("failed", report.Failed),
	)

	return report
}
