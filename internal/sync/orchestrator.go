package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/artem2584/modeuscal/internal/store"
)

// ErrRunInProgress is returned by Run when a previous run has not
// finished yet. Overlapping runs would race on remote calendar state,
// so the caller is expected to drop the trigger and wait.
var ErrRunInProgress = errors.New("sync: run already in progress")

// DefaultConcurrency bounds how many users are reconciled at once.
const DefaultConcurrency = 5

// refreshedAtLayout renders the run timestamp shown in event
// descriptions.
const refreshedAtLayout = "02.01.2006 15:04"

// Orchestrator fans a sync run out across all linked accounts with
// bounded concurrency, flushes the accumulated store mutations once
// every user has settled, and then services pending account-link
// attempts.
type Orchestrator struct {
	store  *store.Store
	engine *Engine
	queue  *store.MutationQueue
	linker *Linker // nil when account linking is disabled

	concurrency int64
	location    *time.Location

	running atomic.Bool
	now     func() time.Time

	logger *slog.Logger
}

// NewOrchestrator wires a run coordinator. concurrency <= 0 falls back
// to DefaultConcurrency; location nil falls back to UTC.
func NewOrchestrator(
	st *store.Store,
	engine *Engine,
	queue *store.MutationQueue,
	linker *Linker,
	concurrency int,
	location *time.Location,
	logger *slog.Logger,
) *Orchestrator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	if location == nil {
		location = time.UTC
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		store:       st,
		engine:      engine,
		queue:       queue,
		linker:      linker,
		concurrency: int64(concurrency),
		location:    location,
		now:         time.Now,
		logger:      logger,
	}
}

// Run executes one full sync pass. Only two failures are fatal: a
// concurrent run (ErrRunInProgress) and the initial account listing —
// everything after that degrades per user and lands in the report.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer o.running.Store(false)

	started := o.now()

	accounts, err := o.store.ListLinkedAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: listing linked accounts: %w", err)
	}

	o.logger.Info("sync run starting", slog.Int("users", len(accounts)))

	refreshedAt := started.In(o.location).Format(refreshedAtLayout)

	reports := make([]*UserReport, len(accounts))
	sem := semaphore.NewWeighted(o.concurrency)

	var wg sync.WaitGroup

	for i, account := range accounts {
		if err := sem.Acquire(ctx, 1); err != nil {
			reports[i] = &UserReport{
				UserID:     account.UserID,
				Skipped:    true,
				SkipReason: "run canceled",
				Err:        err,
			}

			continue
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			defer sem.Release(1)

			reports[i] = o.engine.SyncUser(ctx, account, refreshedAt)
		}()
	}

	wg.Wait()

	// All workers have settled: the queue is quiescent and safe to
	// drain on this goroutine.
	applied, failed := o.queue.Flush(ctx, o.store, o.logger)

	if o.linker != nil {
		o.linker.ProcessPending(ctx)
	}

	report := &RunReport{
		Started:      started,
		Duration:     o.now().Sub(started),
		Users:        len(accounts),
		FlushApplied: applied,
		FlushFailed:  failed,
		Reports:      reports,
	}

	for _, r := range reports {
		if r != nil && r.Skipped {
			report.SkippedUsers++
		}
	}

	o.logger.Info("sync run finished",
		slog.Duration("duration", report.Duration),
		slog.Int("users", report.Users),
		slog.Int("skipped", report.SkippedUsers),
		slog.Int("flush_applied", applied),
		slog.Int("flush_failed", failed),
	)

	return report, nil
}

// ResetCalendars deletes every linked user's dedicated calendar, clears
// the stored calendar ids, and wipes all event mappings. Administrative
// and destructive; it refuses to run alongside a sync pass and writes
// to the store directly since no workers are active.
func (o *Orchestrator) ResetCalendars(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	defer o.running.Store(false)

	accounts, err := o.store.ListLinkedAccounts(ctx)
	if err != nil {
		return fmt.Errorf("sync: listing linked accounts: %w", err)
	}

	for _, account := range accounts {
		log := o.logger.With(slog.String("user", account.UserID))

		session, skipReason := o.engine.resolver.Resolve(ctx, account)
		if session == nil {
			log.Warn("skipping reset", slog.String("reason", skipReason))
			continue
		}

		if account.CalendarID != "" {
			if err := session.Remote.DeleteCalendar(ctx, account.CalendarID); err != nil {
				log.Warn("calendar deletion failed", slog.String("error", err.Error()))
			}
		}

		if err := o.store.SaveCalendarID(ctx, account.UserID, ""); err != nil {
			return fmt.Errorf("sync: clearing calendar id for %s: %w", account.UserID, err)
		}

		log.Info("calendar reset")
	}

	// The resolver may have queued calendar ids for sessions it created
	// along the way; those calendars were just deleted, so drop the
	// queued writes instead of flushing them.
	o.queue.Discard()

	if err := o.store.DeleteAllMappings(ctx); err != nil {
		return fmt.Errorf("sync: wiping event mappings: %w", err)
	}

	o.logger.Info("all calendars reset", slog.Int("users", len(accounts)))

	return nil
}
