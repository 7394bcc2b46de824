package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artem2584/modeuscal/internal/store"
)

func buildTestOrchestrator(st *store.Store, source Source, remote Remote) (*Orchestrator, *store.MutationQueue) {
	engine, queue := buildTestEngine(st, source, remote, &fakeAuth{})

	return NewOrchestrator(st, engine, queue, nil, 2, time.UTC, nil), queue
}

func TestRun_SyncsAllLinkedUsersAndFlushes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	remote := newCalendarFake("cal-a", "cal-b")

	source := &fakeSource{events: map[string][]DesiredEvent{
		"user-a": {desiredEvent("e1", "Лекция", CategoryLecture)},
		"user-b": {desiredEvent("e2", "Семинар", CategorySeminar)},
	}}

	linkAccount(t, st, "user-a", "cal-a")
	linkAccount(t, st, "user-b", "cal-b")

	o, queue := buildTestOrchestrator(st, source, remote)

	report, err := o.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, 2, report.Users)
	assert.Zero(t, report.SkippedUsers)
	require.Len(t, report.Reports, 2)

	// Two created events, two mapping upserts flushed.
	assert.Equal(t, 2, report.FlushApplied)
	assert.Zero(t, report.FlushFailed)
	assert.Zero(t, queue.Len())

	for _, userID := range []string{"user-a", "user-b"} {
		mappings, err := st.ListMappingsForUser(ctx, userID)
		require.NoError(t, err)
		assert.Len(t, mappings, 1, userID)
	}
}

func TestRun_RejectsOverlappingRuns(t *testing.T) {
	st := newTestStore(t)

	block := make(chan struct{})
	started := make(chan struct{})
	source := &fakeSource{
		events:  map[string][]DesiredEvent{"user-a": nil},
		block:   block,
		started: started,
	}

	linkAccount(t, st, "user-a", "cal-a")

	o, _ := buildTestOrchestrator(st, source, newCalendarFake("cal-a"))

	done := make(chan error, 1)

	go func() {
		_, err := o.Run(context.Background())
		done <- err
	}()

	// Wait until the first run is underway, then try a second.
	<-started

	_, err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(block)
	require.NoError(t, <-done)

	// After the first run finishes, a new run is allowed again.
	_, err = o.Run(context.Background())
	require.NoError(t, err)
}

func TestRun_SkippedUsersAreCounted(t *testing.T) {
	st := newTestStore(t)

	source := &fakeSource{err: errSourceDown}

	linkAccount(t, st, "user-a", "cal-a")

	o, _ := buildTestOrchestrator(st, source, newCalendarFake("cal-a"))

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Users)
	assert.Equal(t, 1, report.SkippedUsers)
}

func TestResetCalendars_WipesCalendarsAndMappings(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	remote := newCalendarFake("cal-a")

	source := &fakeSource{events: map[string][]DesiredEvent{"user-a": nil}}

	linkAccount(t, st, "user-a", "cal-a")
	require.NoError(t, st.UpsertMapping(ctx, store.Mapping{EventID: "e1", UserID: "user-a", RemoteEventID: "r1", WrittenAt: 1}))

	o, queue := buildTestOrchestrator(st, source, remote)

	require.NoError(t, o.ResetCalendars(ctx))

	assert.False(t, remote.calendars["cal-a"])
	assert.Zero(t, queue.Len())

	acct, err := st.FindAccount(ctx, "user-a")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Empty(t, acct.CalendarID)

	mappings, err := st.ListMappingsForUser(ctx, "user-a")
	require.NoError(t, err)
	assert.Empty(t, mappings)
}
