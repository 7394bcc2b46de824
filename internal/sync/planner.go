package sync

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/artem2584/modeuscal/internal/gcal"
)

// shortCodePattern matches the course short code embedded in Modeus
// event titles, e.g. "1.3" in "Матанализ 1.3 Лекция".
var shortCodePattern = regexp.MustCompile(`\d\.\d`)

// categoryColors maps Modeus event categories to Google Calendar color
// ids. Unknown categories fall through to the default.
var categoryColors = map[Category]string{
	CategoryLecture:      "10",
	CategoryConsultation: "2",
	CategoryMidtermCheck: "4",
	CategoryCurrentCheck: "4",
	CategoryOther:        "8",
}

const defaultColorID = "1"

// Planner builds the minimal mutation set that brings a user's calendar
// in line with the desired event set. Pure: it touches neither the
// store nor the network, so the output is fully determined by its
// inputs (modulo candidate id generation).
type Planner struct {
	// TimeZone is the IANA zone stamped on event payloads.
	TimeZone string
	// RefreshedAt is the human-readable run timestamp appended to
	// event descriptions.
	RefreshedAt string

	// newID generates candidate remote event ids. Overridable in tests
	// for determinism.
	newID func() string
}

// NewPlanner creates a Planner stamping payloads with timeZone and the
// refreshedAt display string.
func NewPlanner(timeZone, refreshedAt string) *Planner {
	return &Planner{TimeZone: timeZone, RefreshedAt: refreshedAt, newID: newCandidateID}
}

// Plan emits one operation per desired event — an UPDATE targeting the
// verified remote id when drift detection confirmed one, a CREATE under
// a fresh candidate id otherwise — plus a DELETE for every remote id
// drift detection marked for removal. Order follows the desired set;
// deletes trail.
func (p *Planner) Plan(calendarID string, desired []DesiredEvent, drift *DriftResult) []Operation {
	ops := make([]Operation, 0, len(desired)+len(drift.RemoteDeletes))

	for _, ev := range desired {
		body := p.buildEvent(ev)

		if remoteID, ok := drift.Active[ev.ID]; ok {
			body.ID = remoteID
			ops = append(ops, Operation{
				Method:   http.MethodPut,
				Path:     gcal.EventPath(calendarID, remoteID),
				Body:     body,
				EventID:  ev.ID,
				RemoteID: remoteID,
			})

			continue
		}

		candidate := p.newID()
		body.ID = candidate
		ops = append(ops, Operation{
			Method:   http.MethodPost,
			Path:     gcal.EventsPath(calendarID),
			Body:     body,
			EventID:  ev.ID,
			RemoteID: candidate,
		})
	}

	for _, remoteID := range drift.RemoteDeletes {
		ops = append(ops, Operation{
			Method:   http.MethodDelete,
			Path:     gcal.EventPath(calendarID, remoteID),
			RemoteID: remoteID,
		})
	}

	return ops
}

// buildEvent renders a desired event into the calendar payload. The
// same inputs always render the same payload, which is what makes
// re-running a plan harmless.
func (p *Planner) buildEvent(ev DesiredEvent) *gcal.Event {
	title := norm.NFC.String(ev.Title)
	course := norm.NFC.String(ev.CourseLabel)

	summary := title + " / " + course
	if code := shortCodePattern.FindString(title); code != "" {
		letter := "S"
		if ev.Category == CategoryLecture {
			letter = "L"
		}

		summary = code + letter + " / " + course
	}

	color, ok := categoryColors[ev.Category]
	if !ok {
		color = defaultColorID
	}

	organizers := "Не указаны"
	if len(ev.Organizers) > 0 {
		organizers = strings.Join(ev.Organizers, "\n")
	}

	description := fmt.Sprintf(
		"Курс: %s\n%s\nУчастники: %d участников\n\nПреподаватели:\n%s\nОбновлено: %s",
		course, title, ev.AttendeeCount, organizers, p.RefreshedAt,
	)

	return &gcal.Event{
		Status:      gcal.StatusConfirmed,
		Summary:     summary,
		Description: norm.NFC.String(description),
		Location:    norm.NFC.String(ev.LocationLabel),
		ColorID:     color,
		Start:       &gcal.EventDateTime{DateTime: ev.StartsAt.Format(time.RFC3339), TimeZone: p.TimeZone},
		End:         &gcal.EventDateTime{DateTime: ev.EndsAt.Format(time.RFC3339), TimeZone: p.TimeZone},
	}
}

// newCandidateID returns a fresh remote event id. Google restricts
// event ids to the base32hex alphabet; lowercase hex is a valid subset,
// so a hex-encoded random UUID works everywhere.
func newCandidateID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
