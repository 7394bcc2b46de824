package sync

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artem2584/modeuscal/internal/gcal"
	"github.com/artem2584/modeuscal/internal/store"
)

// buildTestEngine wires an Engine around fakes, with deterministic
// candidate ids (cand-1, cand-2, ...) and no inter-chunk delays.
func buildTestEngine(st *store.Store, source Source, remote Remote, auth *fakeAuth) (*Engine, *store.MutationQueue) {
	queue := store.NewMutationQueue()

	remoteFor := func(string) Remote { return remote }
	resolver := NewAccountResolver(auth, remoteFor, queue, "Modeus Integration", "Asia/Yekaterinburg", nil)

	drift := NewDriftDetector(queue, nil)
	drift.sleep = noopSleep

	executor := NewExecutor(queue, nil)
	executor.sleep = noopSleep

	engine := NewEngine(st, source, resolver, drift, executor, "Asia/Yekaterinburg", nil)

	seq := 0
	engine.newID = func() string {
		seq++
		return fmt.Sprintf("cand-%d", seq)
	}

	return engine, queue
}

func linkAccount(t *testing.T, st *store.Store, userID, calendarID string) store.Account {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, st.SaveRefreshToken(ctx, userID, 1, "tok-"+userID))

	if calendarID != "" {
		require.NoError(t, st.SaveCalendarID(ctx, userID, calendarID))
	}

	acct, err := st.FindAccount(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, acct)

	return *acct
}

func TestSyncUser_ReconcilesStaleUnmappedAndMapped(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	remote := newCalendarFake("cal-1")
	// e3's remote event exists; e1's mapped remote event is gone.
	remote.putEvent(&gcal.Event{ID: "r3", Status: gcal.StatusConfirmed})

	require.NoError(t, st.UpsertMapping(ctx, store.Mapping{EventID: "e1", UserID: "u", RemoteEventID: "r1", WrittenAt: 1}))
	require.NoError(t, st.UpsertMapping(ctx, store.Mapping{EventID: "e3", UserID: "u", RemoteEventID: "r3", WrittenAt: 1}))

	source := &fakeSource{events: map[string][]DesiredEvent{
		"u": {
			desiredEvent("e1", "Лекция 1.1", CategoryLecture),
			desiredEvent("e2", "Семинар", CategorySeminar),
			desiredEvent("e3", "Консультация", CategoryConsultation),
		},
	}}

	engine, queue := buildTestEngine(st, source, remote, &fakeAuth{})
	account := linkAccount(t, st, "u", "cal-1")

	report := engine.SyncUser(ctx, account, "28.08.2026 12:00")
	require.NotNil(t, report)
	require.False(t, report.Skipped)
	require.NoError(t, report.Err)

	// e1's mapping was stale, so e1 and e2 are created and e3 updated.
	assert.Equal(t, 1, report.Stale)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 1, report.Updated)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 3, report.Planned)

	queue.Flush(ctx, st, nil)

	mappings, err := st.ListMappingsForUser(ctx, "u")
	require.NoError(t, err)
	require.Len(t, mappings, 3)

	byEvent := make(map[string]string, len(mappings))
	for _, m := range mappings {
		byEvent[m.EventID] = m.RemoteEventID
	}

	assert.Equal(t, "cand-1", byEvent["e1"])
	assert.Equal(t, "cand-2", byEvent["e2"])
	assert.Equal(t, "r3", byEvent["e3"])

	// The remote calendar converged on exactly the three desired events.
	assert.Len(t, remote.events, 3)
}

func TestSyncUser_SecondRunIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	remote := newCalendarFake("cal-1")

	source := &fakeSource{events: map[string][]DesiredEvent{
		"u": {
			desiredEvent("e1", "Лекция", CategoryLecture),
			desiredEvent("e2", "Семинар", CategorySeminar),
		},
	}}

	engine, queue := buildTestEngine(st, source, remote, &fakeAuth{})
	account := linkAccount(t, st, "u", "cal-1")

	first := engine.SyncUser(ctx, account, "28.08.2026 12:00")
	require.NoError(t, first.Err)
	assert.Equal(t, 2, first.Created)
	queue.Flush(ctx, st, nil)

	second := engine.SyncUser(ctx, account, "28.08.2026 12:30")
	require.NoError(t, second.Err)
	assert.Zero(t, second.Created)
	assert.Equal(t, 2, second.Updated)
	assert.Zero(t, second.Stale)
	queue.Flush(ctx, st, nil)

	// No duplicates: still exactly two remote events and two mappings.
	assert.Len(t, remote.events, 2)

	mappings, err := st.ListMappingsForUser(ctx, "u")
	require.NoError(t, err)
	assert.Len(t, mappings, 2)
}

func TestSyncUser_RetiresEventsThatLeftTheWindow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	remote := newCalendarFake("cal-1")
	remote.putEvent(&gcal.Event{ID: "r-old", Status: gcal.StatusConfirmed})

	require.NoError(t, st.UpsertMapping(ctx, store.Mapping{EventID: "e-old", UserID: "u", RemoteEventID: "r-old", WrittenAt: 1}))

	source := &fakeSource{events: map[string][]DesiredEvent{"u": nil}}

	engine, queue := buildTestEngine(st, source, remote, &fakeAuth{})
	account := linkAccount(t, st, "u", "cal-1")

	report := engine.SyncUser(ctx, account, "28.08.2026 12:00")
	require.NoError(t, report.Err)

	assert.Equal(t, 1, report.Stale)
	assert.Equal(t, 1, report.Deleted)

	queue.Flush(ctx, st, nil)

	mappings, err := st.ListMappingsForUser(ctx, "u")
	require.NoError(t, err)
	assert.Empty(t, mappings)
	assert.Empty(t, remote.events)
}

func TestSyncUser_SourceFailureSkipsUser(t *testing.T) {
	st := newTestStore(t)

	source := &fakeSource{err: errSourceDown}
	engine, queue := buildTestEngine(st, source, newCalendarFake("cal-1"), &fakeAuth{})
	account := linkAccount(t, st, "u", "cal-1")

	report := engine.SyncUser(context.Background(), account, "x")
	assert.True(t, report.Skipped)
	assert.Equal(t, "source fetch failed", report.SkipReason)
	assert.ErrorIs(t, report.Err, errSourceDown)
	assert.Zero(t, queue.Len())
}

func TestSyncUser_TokenExchangeFailureSkipsUser(t *testing.T) {
	st := newTestStore(t)

	source := &fakeSource{events: map[string][]DesiredEvent{"u": nil}}
	engine, _ := buildTestEngine(st, source, newCalendarFake("cal-1"), &fakeAuth{tokenErr: fmt.Errorf("invalid_grant")})
	account := linkAccount(t, st, "u", "cal-1")

	report := engine.SyncUser(context.Background(), account, "x")
	assert.True(t, report.Skipped)
	assert.Equal(t, "token exchange failed", report.SkipReason)
}
