package gcal

import (
	"context"
	"net/http"
	"net/url"
)

// EventsPath returns the collection path for a calendar's events,
// relative to the API root. Used for batched POSTs.
func EventsPath(calendarID string) string {
	return "/calendar/v3/calendars/" + url.PathEscape(calendarID) + "/events"
}

// EventPath returns the path of a single event, relative to the API
// root. Used for batched GET/PUT/DELETE.
func EventPath(calendarID, eventID string) string {
	return EventsPath(calendarID) + "/" + url.PathEscape(eventID)
}

// GetCalendar fetches calendar metadata, verifying the calendar still
// exists. A deleted calendar surfaces as ErrNotFound.
func (c *Client) GetCalendar(ctx context.Context, calendarID string) (*Calendar, error) {
	var cal Calendar
	if err := c.Call(ctx, http.MethodGet, "/calendar/v3/calendars/"+url.PathEscape(calendarID), nil, &cal); err != nil {
		return nil, err
	}

	return &cal, nil
}

// InsertCalendar creates a new secondary calendar and returns it.
func (c *Client) InsertCalendar(ctx context.Context, summary, timeZone string) (*Calendar, error) {
	var cal Calendar

	body := &Calendar{Summary: summary, TimeZone: timeZone}
	if err := c.Call(ctx, http.MethodPost, "/calendar/v3/calendars", body, &cal); err != nil {
		return nil, err
	}

	return &cal, nil
}

// DeleteCalendar removes a secondary calendar. Used by the admin reset
// flow; ErrNotFound means it was already gone.
func (c *Client) DeleteCalendar(ctx context.Context, calendarID string) error {
	return c.Call(ctx, http.MethodDelete, "/calendar/v3/calendars/"+url.PathEscape(calendarID), nil, nil)
}
