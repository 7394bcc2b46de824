// Package modeus implements the scheduling-source client: it pulls a
// user's upcoming events from the Modeus calendar API and renders them
// as the desired event set the reconciliation engine consumes.
package modeus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/artem2584/modeuscal/internal/sync"
)

const (
	// DefaultBaseURL is the Modeus schedule-calendar API root.
	DefaultBaseURL = "https://utmn.modeus.org/schedule-calendar-v2/api"

	// searchPageSize caps one search response. The sync window is three
	// weeks, which never approaches this.
	searchPageSize = 1000

	// attendeeFetchLimit bounds concurrent per-event attendee lookups.
	attendeeFetchLimit = 5

	// windowWeeks is the length of the sync window starting at the
	// current week's Monday.
	windowWeeks = 3

	requestTimeout = 30 * time.Second
)

// Client fetches desired events from Modeus. It implements
// sync.Source.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	timeZone   string
	location   *time.Location
	logger     *slog.Logger

	now func() time.Time
}

// NewClient creates a Modeus client. baseURL empty falls back to
// DefaultBaseURL; location nil falls back to UTC. token is the bearer
// token for every request.
func NewClient(baseURL, token, timeZone string, location *time.Location, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	if location == nil {
		location = time.UTC
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		token:      token,
		timeZone:   timeZone,
		location:   location,
		logger:     logger,
		now:        time.Now,
	}
}

// searchRequest is the event search body.
type searchRequest struct {
	AttendeePersonID []string `json:"attendeePersonId"`
	Size             int      `json:"size"`
	TimeMin          string   `json:"timeMin"`
	TimeMax          string   `json:"timeMax"`
}

// halLink is one HAL _links entry. Hrefs are local ids prefixed with a
// slash, not URLs.
type halLink struct {
	Href string `json:"href"`
}

func (l halLink) id() string {
	return strings.TrimPrefix(l.Href, "/")
}

type apiEvent struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	TypeID   string `json:"typeId"`
	StartsAt string `json:"startsAt"`
	EndsAt   string `json:"endsAt"`
	Links    struct {
		CycleRealization halLink `json:"cycle-realization"`
	} `json:"_links"`
}

type apiEventLocation struct {
	EventID        string `json:"eventId"`
	CustomLocation string `json:"customLocation"`
	Links          struct {
		EventRooms halLink `json:"event-rooms"`
	} `json:"_links"`
}

type apiEventRoom struct {
	ID    string `json:"id"`
	Links struct {
		Room halLink `json:"room"`
	} `json:"_links"`
}

type apiRoom struct {
	ID        string `json:"id"`
	NameShort string `json:"nameShort"`
}

type apiCycleRealization struct {
	ID                             string `json:"id"`
	CourseUnitRealizationNameShort string `json:"courseUnitRealizationNameShort"`
}

type searchResponse struct {
	Embedded struct {
		Events            []apiEvent            `json:"events"`
		EventLocations    []apiEventLocation    `json:"event-locations"`
		EventRooms        []apiEventRoom        `json:"event-rooms"`
		Rooms             []apiRoom             `json:"rooms"`
		CycleRealizations []apiCycleRealization `json:"cycle-realizations"`
	} `json:"_embedded"`
}

type apiAttendee struct {
	PersonID string `json:"personId"`
	FullName string `json:"fullName"`
	RoleID   string `json:"roleId"`
}

// DesiredEvents returns the user's events inside the sync window,
// enriched with room, course, and attendee data. Implements
// sync.Source.
func (c *Client) DesiredEvents(ctx context.Context, userID string) ([]sync.DesiredEvent, error) {
	timeMin, timeMax := c.window()

	body := searchRequest{
		AttendeePersonID: []string{userID},
		Size:             searchPageSize,
		TimeMin:          timeMin,
		TimeMax:          timeMax,
	}

	searchURL := c.baseURL + "/calendar/events/search?tz=" + url.QueryEscape(c.timeZone)

	var resp searchResponse
	if err := c.do(ctx, http.MethodPost, searchURL, body, &resp); err != nil {
		return nil, fmt.Errorf("modeus: event search: %w", err)
	}

	emb := resp.Embedded

	locations := make(map[string]apiEventLocation, len(emb.EventLocations))
	for _, loc := range emb.EventLocations {
		locations[loc.EventID] = loc
	}

	eventRooms := make(map[string]apiEventRoom, len(emb.EventRooms))
	for _, er := range emb.EventRooms {
		eventRooms[er.ID] = er
	}

	rooms := make(map[string]apiRoom, len(emb.Rooms))
	for _, room := range emb.Rooms {
		rooms[room.ID] = room
	}

	courses := make(map[string]apiCycleRealization, len(emb.CycleRealizations))
	for _, cr := range emb.CycleRealizations {
		courses[cr.ID] = cr
	}

	desired := make([]sync.DesiredEvent, len(emb.Events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(attendeeFetchLimit)

	for i, ev := range emb.Events {
		startsAt, err := time.Parse(time.RFC3339, ev.StartsAt)
		if err != nil {
			return nil, fmt.Errorf("modeus: event %s: bad startsAt %q: %w", ev.ID, ev.StartsAt, err)
		}

		endsAt, err := time.Parse(time.RFC3339, ev.EndsAt)
		if err != nil {
			return nil, fmt.Errorf("modeus: event %s: bad endsAt %q: %w", ev.ID, ev.EndsAt, err)
		}

		desired[i] = sync.DesiredEvent{
			ID:            ev.ID,
			StartsAt:      startsAt,
			EndsAt:        endsAt,
			Title:         ev.Name,
			LocationLabel: c.resolveLocation(ev.ID, locations, eventRooms, rooms),
			CourseLabel:   courses[ev.Links.CycleRealization.id()].CourseUnitRealizationNameShort,
			Category:      sync.Category(ev.TypeID),
		}

		g.Go(func() error {
			attendees, err := c.fetchAttendees(gctx, emb.Events[i].ID)
			if err != nil {
				return err
			}

			// The participant count excludes the organizers; they are
			// listed by name instead.
			for _, a := range attendees {
				if a.RoleID == "STUDENT" {
					desired[i].AttendeeCount++
					continue
				}

				desired[i].Organizers = append(desired[i].Organizers, a.FullName)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("modeus: fetching attendees: %w", err)
	}

	c.logger.Debug("fetched desired events",
		slog.String("user", userID),
		slog.Int("events", len(desired)),
	)

	return desired, nil
}

// resolveLocation follows the event-location -> event-room -> room
// chain, preferring the free-text custom location when one is set.
func (c *Client) resolveLocation(
	eventID string,
	locations map[string]apiEventLocation,
	eventRooms map[string]apiEventRoom,
	rooms map[string]apiRoom,
) string {
	loc, ok := locations[eventID]
	if !ok {
		return "N/A"
	}

	if loc.CustomLocation != "" {
		return loc.CustomLocation
	}

	er, ok := eventRooms[loc.Links.EventRooms.id()]
	if !ok {
		return "N/A"
	}

	room, ok := rooms[er.Links.Room.id()]
	if !ok || room.NameShort == "" {
		return "N/A"
	}

	return room.NameShort
}

func (c *Client) fetchAttendees(ctx context.Context, eventID string) ([]apiAttendee, error) {
	var attendees []apiAttendee

	u := c.baseURL + "/calendar/events/" + url.PathEscape(eventID) + "/attendees"
	if err := c.do(ctx, http.MethodGet, u, nil, &attendees); err != nil {
		return nil, fmt.Errorf("event %s: %w", eventID, err)
	}

	return attendees, nil
}

// window returns the sync window: the current week's Monday in the
// configured zone through windowWeeks later, as RFC3339 UTC strings.
func (c *Client) window() (timeMin, timeMax string) {
	now := c.now().In(c.location)

	daysSinceMonday := (int(now.Weekday()) + 6) % 7
	monday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.location)
	monday = monday.AddDate(0, 0, -daysSinceMonday)

	end := monday.AddDate(0, 0, windowWeeks*7)

	return monday.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339)
}

func (c *Client) do(ctx context.Context, method, rawURL string, body, out any) error {
	var reader io.Reader

	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}

		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: HTTP %d: %s", method, rawURL, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}
