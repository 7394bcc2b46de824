package gcal

// Event status values used by the sync engine. A remote event whose
// status is cancelled is treated as gone even though the API still
// returns a tombstone for it.
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// EventDateTime is the start/end field of an event resource.
type EventDateTime struct {
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// Event is the Calendar API event resource, reduced to the fields the
// sync engine reads and writes.
type Event struct {
	ID          string         `json:"id,omitempty"`
	Status      string         `json:"status,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Description string         `json:"description,omitempty"`
	Location    string         `json:"location,omitempty"`
	ColorID     string         `json:"colorId,omitempty"`
	Start       *EventDateTime `json:"start,omitempty"`
	End         *EventDateTime `json:"end,omitempty"`
}

// Calendar is the Calendar API calendars resource.
type Calendar struct {
	ID       string `json:"id,omitempty"`
	Summary  string `json:"summary,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// Active reports whether the event exists and has not been cancelled
// out-of-band. Anything else is drift.
func (e *Event) Active() bool {
	return e != nil && e.ID != "" && e.Status != StatusCancelled
}
