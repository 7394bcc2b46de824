package store

import (
	"context"
	"log/slog"
	"sync"
)

// mutationKind discriminates queued store writes.
type mutationKind int

const (
	mutUpsertMapping mutationKind = iota
	mutDeleteMapping
	mutSaveCalendarID
)

// mutation is one deferred store write. Concurrent user tasks enqueue
// these instead of writing to SQLite directly; the flush phase applies
// them one at a time after all tasks have settled.
type mutation struct {
	kind       mutationKind
	mapping    Mapping // mutUpsertMapping
	eventID    string  // mutDeleteMapping
	userID     string  // mutDeleteMapping, mutSaveCalendarID
	calendarID string  // mutSaveCalendarID
}

// MutationQueue collects store writes produced during the concurrent
// phase of a sync run. Enqueueing is safe from multiple goroutines;
// Flush must be called once, after every user task has finished.
type MutationQueue struct {
	mu        sync.Mutex
	mutations []mutation
}

// NewMutationQueue returns an empty queue for one run.
func NewMutationQueue() *MutationQueue {
	return &MutationQueue{}
}

// UpsertMapping queues an insert-or-refresh of a mapping.
func (q *MutationQueue) UpsertMapping(m Mapping) {
	q.add(mutation{kind: mutUpsertMapping, mapping: m})
}

// DeleteMapping queues removal of the mapping for (eventID, userID).
func (q *MutationQueue) DeleteMapping(eventID, userID string) {
	q.add(mutation{kind: mutDeleteMapping, eventID: eventID, userID: userID})
}

// SaveCalendarID queues persisting a user's calendar id.
func (q *MutationQueue) SaveCalendarID(userID, calendarID string) {
	q.add(mutation{kind: mutSaveCalendarID, userID: userID, calendarID: calendarID})
}

func (q *MutationQueue) add(m mutation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.mutations = append(q.mutations, m)
}

// Discard drops all queued mutations without applying them.
func (q *MutationQueue) Discard() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.mutations = nil
}

// Len returns the number of queued mutations.
func (q *MutationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.mutations)
}

// Flush applies all queued mutations sequentially and empties the queue.
// A failed mutation is logged and counted; it never rolls back or stops
// the rest of the flush.
func (q *MutationQueue) Flush(ctx context.Context, s *Store, logger *slog.Logger) (applied, failed int) {
	if logger == nil {
		logger = slog.Default()
	}

	q.mu.Lock()
	pending := q.mutations
	q.mutations = nil
	q.mu.Unlock()

	for _, m := range pending {
		var err error

		switch m.kind {
		case mutUpsertMapping:
			err = s.UpsertMapping(ctx, m.mapping)
		case mutDeleteMapping:
			err = s.DeleteMapping(ctx, m.eventID, m.userID)
		case mutSaveCalendarID:
			err = s.SaveCalendarID(ctx, m.userID, m.calendarID)
		}

		if err != nil {
			failed++

			logger.Error("store mutation failed", "error", err)

			continue
		}

		applied++
	}

	return applied, failed
}
