package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/artem2584/modeuscal/internal/gcal"
	"github.com/artem2584/modeuscal/internal/store"
)

// verifyChunkDelay is the pause between batched GET rounds during drift
// detection. Reads are cheaper than writes, so it is shorter than the
// executor's write delay.
const verifyChunkDelay = 500 * time.Millisecond

// DriftResult is the outcome of drift detection for one user.
type DriftResult struct {
	// Active maps desired event ids to remote event ids whose remote
	// object was verified to exist and not be cancelled. The planner
	// emits UPDATEs for these and CREATEs for everything else.
	Active map[string]string

	// RemoteDeletes are remote event ids that still exist but must be
	// removed: cancelled tombstones, and events whose desired
	// counterpart left the sync window. 404s never appear here — a
	// vanished event needs no delete call.
	RemoteDeletes []string

	// Stale counts mappings scheduled for deletion.
	Stale int
}

// DriftDetector verifies that previously written remote events still
// exist and are active, reclassifying the rest as stale. Stale mappings
// are queued for deletion — a dangling pointer is never retained.
type DriftDetector struct {
	queue  *store.MutationQueue
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewDriftDetector creates a DriftDetector writing into queue.
func NewDriftDetector(queue *store.MutationQueue, logger *slog.Logger) *DriftDetector {
	if logger == nil {
		logger = slog.Default()
	}

	return &DriftDetector{queue: queue, logger: logger, sleep: sleepCtx}
}

// Detect verifies the user's mappings against the remote calendar via
// batched GETs. Mappings whose desired event is gone are retired
// outright (mapping deletion plus remote delete) without a GET. A
// transport-level failure aborts the user's run: guessing at remote
// state would turn verified UPDATEs into duplicate CREATEs.
func (d *DriftDetector) Detect(
	ctx context.Context,
	session *Session,
	desired []DesiredEvent,
	mappings []store.Mapping,
) (*DriftResult, error) {
	userID := session.Account.UserID
	res := &DriftResult{Active: make(map[string]string)}

	desiredSet := make(map[string]bool, len(desired))
	for _, ev := range desired {
		desiredSet[ev.ID] = true
	}

	// Retire mappings for events no longer in the desired set.
	idx := mappingIndex(mappings)

	for _, m := range mappings {
		if desiredSet[m.EventID] {
			continue
		}

		d.queue.DeleteMapping(m.EventID, userID)
		res.RemoteDeletes = append(res.RemoteDeletes, m.RemoteEventID)
		res.Stale++

		d.logger.Debug("retiring mapping for expired event",
			slog.String("user", userID),
			slog.String("event", m.EventID),
		)
	}

	// Batched GET for every desired event with a mapping.
	var reqs []gcal.BatchRequest

	var eventIDs []string // index-aligned with reqs

	for _, ev := range desired {
		m, ok := idx[ev.ID]
		if !ok {
			continue // no mapping: planner will CREATE
		}

		reqs = append(reqs, gcal.BatchRequest{
			Method: http.MethodGet,
			Path:   gcal.EventPath(session.CalendarID, m.RemoteEventID),
		})
		eventIDs = append(eventIDs, ev.ID)
	}

	for start := 0; start < len(reqs); start += gcal.BatchLimit {
		end := min(start+gcal.BatchLimit, len(reqs))

		if start > 0 {
			if err := d.sleep(ctx, verifyChunkDelay); err != nil {
				return nil, err
			}
		}

		results, err := session.Remote.Batch(ctx, reqs[start:end])
		if err != nil {
			return nil, fmt.Errorf("sync: drift verification batch: %w", err)
		}

		for i, r := range results {
			d.classify(userID, eventIDs[start+i], idx[eventIDs[start+i]].RemoteEventID, &r, res)
		}
	}

	d.logger.Info("drift detection complete",
		slog.String("user", userID),
		slog.Int("active", len(res.Active)),
		slog.Int("stale", res.Stale),
	)

	return res, nil
}

// classify routes one verification result: active events go into the
// plan's UPDATE set; everything else loses its mapping, and cancelled
// tombstones additionally get an explicit remote delete.
func (d *DriftDetector) classify(userID, eventID, remoteID string, r *gcal.BatchResult, res *DriftResult) {
	if r.OK() && r.Event.Active() {
		res.Active[eventID] = remoteID
		return
	}

	d.queue.DeleteMapping(eventID, userID)
	res.Stale++

	cancelled := r.OK() && r.Event != nil && r.Event.Status == gcal.StatusCancelled
	if cancelled {
		res.RemoteDeletes = append(res.RemoteDeletes, remoteID)
	}

	notFound := r.Err != nil && (errors.Is(r.Err, gcal.ErrNotFound) || errors.Is(r.Err, gcal.ErrGone))

	d.logger.Debug("stale mapping detected",
		slog.String("user", userID),
		slog.String("event", eventID),
		slog.Bool("cancelled", cancelled),
		slog.Bool("not_found", notFound),
	)
}

// sleepCtx waits for d or until ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
