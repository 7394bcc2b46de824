package sync

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/artem2584/modeuscal/internal/gcal"
	"github.com/artem2584/modeuscal/internal/store"
)

// Executor runs a plan against the remote calendar in batch chunks and
// translates each per-item result into counters and queued store
// mutations. Chunks are strictly sequential with a pause between them;
// a chunk that fails at the transport level is counted and skipped, and
// execution moves on to the next chunk.
type Executor struct {
	queue  *store.MutationQueue
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// NewExecutor creates an Executor writing mutations into queue.
func NewExecutor(queue *store.MutationQueue, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{queue: queue, logger: logger, sleep: sleepCtx, now: time.Now}
}

// Execute runs ops in order, filling in the report's counters. Only
// context cancellation is returned as an error; every remote failure is
// absorbed into the counters so one bad chunk cannot sink the user.
func (e *Executor) Execute(ctx context.Context, session *Session, ops []Operation, report *UserReport) error {
	report.Planned = len(ops)

	for start := 0; start < len(ops); start += gcal.BatchLimit {
		end := min(start+gcal.BatchLimit, len(ops))
		chunk := ops[start:end]

		if start > 0 {
			if err := e.sleep(ctx, gcal.ChunkDelay); err != nil {
				return err
			}
		}

		reqs := make([]gcal.BatchRequest, len(chunk))
		for i, op := range chunk {
			reqs[i] = gcal.BatchRequest{Method: op.Method, Path: op.Path, Body: op.Body}
		}

		results, err := session.Remote.Batch(ctx, reqs)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			report.Failed += len(chunk)

			e.logger.Warn("batch chunk failed, moving on",
				slog.String("user", session.Account.UserID),
				slog.Int("operations", len(chunk)),
				slog.String("error", err.Error()),
			)

			continue
		}

		for i := range results {
			e.settle(session, &chunk[i], &results[i], report)
		}
	}

	return nil
}

// settle folds one batch result into the report and the mutation queue.
func (e *Executor) settle(session *Session, op *Operation, r *gcal.BatchResult, report *UserReport) {
	userID := session.Account.UserID
	writtenAt := e.now().Unix()

	switch op.Method {
	case http.MethodPost:
		if !r.OK() {
			if errors.Is(r.Err, gcal.ErrConflict) {
				// The candidate id already exists remotely. Creating
				// another copy would duplicate the event, so leave it
				// alone; the next run's drift pass sorts it out.
				report.Conflicts++

				e.logger.Warn("create conflict on candidate id",
					slog.String("user", userID),
					slog.String("event", op.EventID),
					slog.String("remote", op.RemoteID),
				)

				return
			}

			report.Failed++
			e.logFailure(userID, op, r)

			return
		}

		// The server's id is authoritative even when it disagrees with
		// the candidate we sent.
		remoteID := op.RemoteID
		if r.Event != nil && r.Event.ID != "" {
			if r.Event.ID != op.RemoteID {
				e.logger.Warn("server assigned a different event id",
					slog.String("user", userID),
					slog.String("sent", op.RemoteID),
					slog.String("got", r.Event.ID),
				)
			}

			remoteID = r.Event.ID
		}

		e.queue.UpsertMapping(store.Mapping{
			EventID:       op.EventID,
			UserID:        userID,
			RemoteEventID: remoteID,
			WrittenAt:     writtenAt,
		})
		report.Created++

	case http.MethodPut:
		if !r.OK() {
			if errors.Is(r.Err, gcal.ErrNotFound) || errors.Is(r.Err, gcal.ErrGone) {
				// The event vanished between drift detection and now.
				// Drop the mapping; the next run recreates the event.
				e.queue.DeleteMapping(op.EventID, userID)
				report.Stale++

				return
			}

			report.Failed++
			e.logFailure(userID, op, r)

			return
		}

		e.queue.UpsertMapping(store.Mapping{
			EventID:       op.EventID,
			UserID:        userID,
			RemoteEventID: op.RemoteID,
			WrittenAt:     writtenAt,
		})
		report.Updated++

	case http.MethodDelete:
		// Already-gone counts as deleted: the goal state is "absent".
		if r.OK() || errors.Is(r.Err, gcal.ErrNotFound) || errors.Is(r.Err, gcal.ErrGone) {
			report.Deleted++
			return
		}

		report.Failed++
		e.logFailure(userID, op, r)
	}
}

func (e *Executor) logFailure(userID string, op *Operation, r *gcal.BatchResult) {
	e.logger.Warn("batch operation failed",
		slog.String("user", userID),
		slog.String("method", op.Method),
		slog.String("event", op.EventID),
		slog.Int("status", r.StatusCode),
		slog.Any("error", r.Err),
	)
}
