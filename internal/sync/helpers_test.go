package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/artem2584/modeuscal/internal/gcal"
	"github.com/artem2584/modeuscal/internal/store"
)

// noopSleep replaces inter-chunk delays in tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// calendarFake is an in-memory stand-in for the remote calendar API. It
// honors the same per-item semantics as the real thing: GET/PUT/DELETE
// by id, POST with a caller-chosen id, 404 for missing events, 409 for
// id collisions.
type calendarFake struct {
	mu         gosync.Mutex
	events     map[string]*gcal.Event
	calendars  map[string]bool
	nextCalSeq int

	batchCalls  int
	batchSizes  []int
	failBatches int // fail the next N Batch calls at transport level
}

func newCalendarFake(calendarIDs ...string) *calendarFake {
	f := &calendarFake{
		events:    make(map[string]*gcal.Event),
		calendars: make(map[string]bool),
	}

	for _, id := range calendarIDs {
		f.calendars[id] = true
	}

	return f
}

func (f *calendarFake) putEvent(ev *gcal.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events[ev.ID] = ev
}

func (f *calendarFake) Batch(_ context.Context, reqs []gcal.BatchRequest) ([]gcal.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batchCalls++
	f.batchSizes = append(f.batchSizes, len(reqs))

	if f.failBatches > 0 {
		f.failBatches--
		return nil, &gcal.CallError{StatusCode: http.StatusServiceUnavailable, Err: gcal.ErrUnavailable}
	}

	results := make([]gcal.BatchResult, len(reqs))
	for i, req := range reqs {
		results[i] = f.handle(req)
	}

	return results, nil
}

func (f *calendarFake) handle(req gcal.BatchRequest) gcal.BatchResult {
	id := eventIDFromPath(req.Path)

	switch req.Method {
	case http.MethodGet:
		ev, ok := f.events[id]
		if !ok {
			return notFoundResult()
		}

		copied := *ev

		return gcal.BatchResult{StatusCode: http.StatusOK, Event: &copied}

	case http.MethodPost:
		body, _ := req.Body.(*gcal.Event)
		if body == nil || body.ID == "" {
			return gcal.BatchResult{
				StatusCode: http.StatusBadRequest,
				Err:        &gcal.CallError{StatusCode: http.StatusBadRequest, Err: gcal.ErrBadRequest},
			}
		}

		if _, exists := f.events[body.ID]; exists {
			return gcal.BatchResult{
				StatusCode: http.StatusConflict,
				Err:        &gcal.CallError{StatusCode: http.StatusConflict, Err: gcal.ErrConflict},
			}
		}

		copied := *body
		f.events[body.ID] = &copied
		echoed := copied

		return gcal.BatchResult{StatusCode: http.StatusOK, Event: &echoed}

	case http.MethodPut:
		if _, ok := f.events[id]; !ok {
			return notFoundResult()
		}

		body, _ := req.Body.(*gcal.Event)
		copied := *body
		copied.ID = id
		f.events[id] = &copied
		echoed := copied

		return gcal.BatchResult{StatusCode: http.StatusOK, Event: &echoed}

	case http.MethodDelete:
		if _, ok := f.events[id]; !ok {
			return notFoundResult()
		}

		delete(f.events, id)

		return gcal.BatchResult{StatusCode: http.StatusNoContent}
	}

	return gcal.BatchResult{
		StatusCode: http.StatusBadRequest,
		Err:        &gcal.CallError{StatusCode: http.StatusBadRequest, Err: gcal.ErrBadRequest},
	}
}

func notFoundResult() gcal.BatchResult {
	return gcal.BatchResult{
		StatusCode: http.StatusNotFound,
		Err:        &gcal.CallError{StatusCode: http.StatusNotFound, Err: gcal.ErrNotFound},
	}
}

// eventIDFromPath extracts the trailing event id from an events path,
// or "" for a collection path.
func eventIDFromPath(path string) string {
	const marker = "/events/"

	i := strings.LastIndex(path, marker)
	if i < 0 {
		return ""
	}

	return path[i+len(marker):]
}

func (f *calendarFake) GetCalendar(_ context.Context, calendarID string) (*gcal.Calendar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.calendars[calendarID] {
		return nil, &gcal.CallError{StatusCode: http.StatusNotFound, Err: gcal.ErrNotFound}
	}

	return &gcal.Calendar{ID: calendarID}, nil
}

func (f *calendarFake) InsertCalendar(_ context.Context, summary, timeZone string) (*gcal.Calendar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextCalSeq++
	id := fmt.Sprintf("cal-new-%d", f.nextCalSeq)
	f.calendars[id] = true

	return &gcal.Calendar{ID: id, Summary: summary, TimeZone: timeZone}, nil
}

func (f *calendarFake) DeleteCalendar(_ context.Context, calendarID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.calendars[calendarID] {
		return &gcal.CallError{StatusCode: http.StatusNotFound, Err: gcal.ErrNotFound}
	}

	delete(f.calendars, calendarID)

	return nil
}

// fakeSource serves canned desired events per user.
type fakeSource struct {
	mu     gosync.Mutex
	events map[string][]DesiredEvent
	err    error

	// block, when non-nil, is closed by the test to release DesiredEvents;
	// started is closed on first entry so tests can wait for the run to
	// be underway.
	block     chan struct{}
	started   chan struct{}
	startOnce gosync.Once
}

func (s *fakeSource) DesiredEvents(ctx context.Context, userID string) ([]DesiredEvent, error) {
	if s.started != nil {
		s.startOnce.Do(func() { close(s.started) })
	}

	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	return s.events[userID], nil
}

// fakeAuth implements TokenExchanger and CodeExchanger.
type fakeAuth struct {
	tokenErr    error
	exchangeErr error
}

func (a *fakeAuth) AccessToken(_ context.Context, refreshToken string) (string, error) {
	if a.tokenErr != nil {
		return "", a.tokenErr
	}

	return "access-" + refreshToken, nil
}

func (a *fakeAuth) ExchangeCode(_ context.Context, code string) (string, error) {
	if a.exchangeErr != nil {
		return "", a.exchangeErr
	}

	return "refresh-" + code, nil
}

// fakeNotifier records sent messages.
type fakeNotifier struct {
	mu   gosync.Mutex
	sent []string
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, chatID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.err != nil {
		return n.err
	}

	n.sent = append(n.sent, fmt.Sprintf("%d:%s", chatID, text))

	return nil
}

// newTestStore opens an in-memory store.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(":memory:", nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

// testSession builds a Session around a fake remote.
func testSession(userID, calendarID string, remote Remote) *Session {
	return &Session{
		Account:    store.Account{UserID: userID, ChatID: 1, RefreshToken: "tok", CalendarID: calendarID},
		Remote:     remote,
		CalendarID: calendarID,
	}
}

var errSourceDown = errors.New("source down")
