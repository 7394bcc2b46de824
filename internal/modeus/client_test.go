package modeus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artem2584/modeuscal/internal/sync"
)

const searchFixture = `{
  "_embedded": {
    "events": [
      {
        "id": "ev-1",
        "name": "Матанализ 1.3 Лекция",
        "typeId": "LECT",
        "startsAt": "2026-09-01T09:00:00+05:00",
        "endsAt": "2026-09-01T10:30:00+05:00",
        "_links": {"cycle-realization": {"href": "/cr-1"}}
      },
      {
        "id": "ev-2",
        "name": "Физкультура",
        "typeId": "EVENT_OTHER",
        "startsAt": "2026-09-01T11:00:00+05:00",
        "endsAt": "2026-09-01T12:00:00+05:00",
        "_links": {"cycle-realization": {"href": "/cr-missing"}}
      }
    ],
    "event-locations": [
      {"eventId": "ev-1", "_links": {"event-rooms": {"href": "/er-1"}}},
      {"eventId": "ev-2", "customLocation": "Стадион"}
    ],
    "event-rooms": [
      {"id": "er-1", "_links": {"room": {"href": "/room-1"}}}
    ],
    "rooms": [
      {"id": "room-1", "nameShort": "Ауд. 404"}
    ],
    "cycle-realizations": [
      {"id": "cr-1", "courseUnitRealizationNameShort": "Матанализ"}
    ]
  }
}`

const attendeesFixture = `[
  {"personId": "p-1", "fullName": "Студентов С.С.", "roleId": "STUDENT"},
  {"personId": "p-2", "fullName": "Преподов П.П.", "roleId": "TEACHER"},
  {"personId": "p-3", "fullName": "Студентова А.А.", "roleId": "STUDENT"}
]`

func newFixtureServer(t *testing.T, capture *searchRequest) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/calendar/events/search"):
			if capture != nil {
				require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
			}

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(searchFixture))

		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/attendees"):
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(attendeesFixture))

		default:
			http.NotFound(w, r)
		}
	}))
}

func TestDesiredEvents_MapsAPIFields(t *testing.T) {
	var captured searchRequest

	srv := newFixtureServer(t, &captured)
	defer srv.Close()

	c := NewClient(srv.URL, "test-token", "Asia/Yekaterinburg", time.UTC, nil)

	events, err := c.DesiredEvents(context.Background(), "person-1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, []string{"person-1"}, captured.AttendeePersonID)
	assert.Equal(t, searchPageSize, captured.Size)

	lecture := events[0]
	assert.Equal(t, "ev-1", lecture.ID)
	assert.Equal(t, "Матанализ 1.3 Лекция", lecture.Title)
	assert.Equal(t, sync.CategoryLecture, lecture.Category)
	assert.Equal(t, "Матанализ", lecture.CourseLabel)
	assert.Equal(t, "Ауд. 404", lecture.LocationLabel)
	assert.Equal(t, 2, lecture.AttendeeCount, "organizers must not count as participants")
	assert.Equal(t, []string{"Преподов П.П."}, lecture.Organizers)
	assert.Equal(t, time.Date(2026, 9, 1, 4, 0, 0, 0, time.UTC), lecture.StartsAt.UTC())

	other := events[1]
	assert.Equal(t, sync.Category("EVENT_OTHER"), other.Category)
	// Custom location wins over the room chain; the missing course link
	// yields an empty label rather than an error.
	assert.Equal(t, "Стадион", other.LocationLabel)
	assert.Empty(t, other.CourseLabel)
}

func TestDesiredEvents_WindowStartsAtMonday(t *testing.T) {
	var captured searchRequest

	srv := newFixtureServer(t, &captured)
	defer srv.Close()

	c := NewClient(srv.URL, "test-token", "UTC", time.UTC, nil)
	// A Friday; the window must open on that week's Monday.
	c.now = func() time.Time { return time.Date(2026, 8, 28, 15, 30, 0, 0, time.UTC) }

	_, err := c.DesiredEvents(context.Background(), "person-1")
	require.NoError(t, err)

	assert.Equal(t, "2026-08-24T00:00:00Z", captured.TimeMin)
	assert.Equal(t, "2026-09-14T00:00:00Z", captured.TimeMax)
}

func TestDesiredEvents_ServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-token", "UTC", time.UTC, nil)

	_, err := c.DesiredEvents(context.Background(), "person-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
}
