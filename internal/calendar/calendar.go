// Package calendar provides the calendar the assistant operates on and
// the tools that expose it to the model.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEventNotFound is returned for unknown event IDs.
var ErrEventNotFound = errors.New("event not found")

// Event is one calendar entry. ID is the iCalendar UID.
type Event struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// In returns a copy of e with its times expressed in loc.
func (e Event) In(loc *time.Location) Event {
	e.Start = e.Start.In(loc)
	e.End = e.End.In(loc)
	return e
}

func (e Event) validate() error {
	if e.Summary == "" {
		return errors.New("event summary is required")
	}
	if e.Start.IsZero() || e.End.IsZero() {
		return errors.New("event start and end are required")
	}
	if !e.End.After(e.Start) {
		return fmt.Errorf("event end %s is not after start %s", e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339))
	}
	return nil
}

// Backend is a calendar store. Implementations must be safe for
// concurrent use: one turn may run several tools at once.
type Backend interface {
	// ListEvents returns events overlapping [from, to), ordered by start.
	ListEvents(ctx context.Context, from, to time.Time) ([]Event, error)
	GetEvent(ctx context.Context, id string) (*Event, error)
	// CreateEvent stores ev, assigning an ID when ev.ID is empty.
	CreateEvent(ctx context.Context, ev Event) (*Event, error)
	UpdateEventTime(ctx context.Context, id string, start, end time.Time) (*Event, error)
	DeleteEvent(ctx context.Context, id string) error
}
