package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/nugget/almanac/internal/httpkit"
)

const prodID = "-//almanac//calendar assistant//EN"

// CalDAVConfig locates a calendar collection.
type CalDAVConfig struct {
	URL      string
	Username string
	Password string
	// Calendar is the collection path. When empty the first calendar
	// of the authenticated principal that holds events is used.
	Calendar string
}

// CalDAVBackend stores events on a CalDAV server.
type CalDAVBackend struct {
	client   *caldav.Client
	calendar string
	logger   *slog.Logger
}

// NewCalDAVBackend connects to the server and resolves the calendar.
func NewCalDAVBackend(ctx context.Context, cfg CalDAVConfig, logger *slog.Logger) (*CalDAVBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "caldav")

	hc := httpkit.NewClient(
		httpkit.WithBasicAuth(cfg.Username, cfg.Password),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(logger),
	)
	client, err := caldav.NewClient(hc, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("caldav client: %w", err)
	}

	b := &CalDAVBackend{client: client, calendar: cfg.Calendar, logger: logger}
	if b.calendar == "" {
		if b.calendar, err = discoverCalendar(ctx, client); err != nil {
			return nil, err
		}
	}
	logger.Info("calendar resolved", "url", cfg.URL, "calendar", b.calendar)
	return b, nil
}

// Ping checks that the calendar collection is still reachable.
func (b *CalDAVBackend) Ping(ctx context.Context) error {
	if _, err := b.client.Stat(ctx, b.calendar); err != nil {
		return fmt.Errorf("caldav stat %s: %w", b.calendar, err)
	}
	return nil
}

func discoverCalendar(ctx context.Context, c *caldav.Client) (string, error) {
	principal, err := c.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("find principal: %w", err)
	}
	home, err := c.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("find calendar home: %w", err)
	}
	cals, err := c.FindCalendars(ctx, home)
	if err != nil {
		return "", fmt.Errorf("find calendars: %w", err)
	}
	for _, cal := range cals {
		if len(cal.SupportedComponentSet) == 0 || slices.Contains(cal.SupportedComponentSet, ical.CompEvent) {
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("no event calendar under %s", home)
}

func eventQuery(filter caldav.CompFilter) *caldav.CalendarQuery {
	filter.Name = ical.CompEvent
	return &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			Comps: []caldav.CalendarCompRequest{{
				Name:     ical.CompEvent,
				AllProps: true,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{filter},
		},
	}
}

// ListEvents implements Backend.
func (b *CalDAVBackend) ListEvents(ctx context.Context, from, to time.Time) ([]Event, error) {
	objs, err := b.client.QueryCalendar(ctx, b.calendar, eventQuery(caldav.CompFilter{Start: from, End: to}))
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	var out []Event
	for _, obj := range objs {
		for _, ev := range eventsIn(obj.Data) {
			if ev.Start.Before(to) && ev.End.After(from) {
				out = append(out, ev)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// findObject locates the calendar object holding the event with UID id.
// Objects created by other clients need not be named after the UID, so
// the lookup goes through a UID text-match query.
func (b *CalDAVBackend) findObject(ctx context.Context, id string) (*caldav.CalendarObject, error) {
	objs, err := b.client.QueryCalendar(ctx, b.calendar, eventQuery(caldav.CompFilter{
		Props: []caldav.PropFilter{{
			Name:      ical.PropUID,
			TextMatch: &caldav.TextMatch{Text: id},
		}},
	}))
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}
	for i := range objs {
		for _, ev := range eventsIn(objs[i].Data) {
			if ev.ID == id {
				return &objs[i], nil
			}
		}
	}
	return nil, fmt.Errorf("%s: %w", id, ErrEventNotFound)
}

// GetEvent implements Backend.
func (b *CalDAVBackend) GetEvent(ctx context.Context, id string) (*Event, error) {
	obj, err := b.findObject(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, ev := range eventsIn(obj.Data) {
		if ev.ID == id {
			return &ev, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", id, ErrEventNotFound)
}

// CreateEvent implements Backend.
func (b *CalDAVBackend) CreateEvent(ctx context.Context, ev Event) (*Event, error) {
	if err := ev.validate(); err != nil {
		return nil, err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	p := path.Join(b.calendar, ev.ID+".ics")
	if _, err := b.client.PutCalendarObject(ctx, p, newCalendar(ev, time.Now())); err != nil {
		return nil, fmt.Errorf("put %s: %w", p, err)
	}
	b.logger.Debug("event created", "id", ev.ID, "path", p)
	return &ev, nil
}

// UpdateEventTime implements Backend. Every other property of the
// stored event is preserved.
func (b *CalDAVBackend) UpdateEventTime(ctx context.Context, id string, start, end time.Time) (*Event, error) {
	obj, err := b.findObject(ctx, id)
	if err != nil {
		return nil, err
	}

	var updated *Event
	for _, child := range obj.Data.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if uid, _ := child.Props.Text(ical.PropUID); uid != id {
			continue
		}
		delete(child.Props, ical.PropDuration)
		child.Props.SetDateTime(ical.PropDateTimeStart, start)
		child.Props.SetDateTime(ical.PropDateTimeEnd, end)
		child.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
		ev, err := eventFromComponent(child)
		if err != nil {
			return nil, err
		}
		if err := ev.validate(); err != nil {
			return nil, err
		}
		updated = &ev
	}
	if updated == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrEventNotFound)
	}

	if _, err := b.client.PutCalendarObject(ctx, obj.Path, obj.Data); err != nil {
		return nil, fmt.Errorf("put %s: %w", obj.Path, err)
	}
	return updated, nil
}

// DeleteEvent implements Backend.
func (b *CalDAVBackend) DeleteEvent(ctx context.Context, id string) error {
	obj, err := b.findObject(ctx, id)
	if err != nil {
		return err
	}
	if err := b.client.RemoveAll(ctx, obj.Path); err != nil {
		return fmt.Errorf("delete %s: %w", obj.Path, err)
	}
	return nil
}

// newCalendar wraps ev in a VCALENDAR ready to PUT.
func newCalendar(ev Event, now time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)

	ve := ical.NewEvent()
	ve.Props.SetText(ical.PropUID, ev.ID)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, ev.Start)
	ve.Props.SetDateTime(ical.PropDateTimeEnd, ev.End)
	ve.Props.SetText(ical.PropSummary, ev.Summary)
	if ev.Description != "" {
		ve.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		ve.Props.SetText(ical.PropLocation, ev.Location)
	}
	cal.Children = append(cal.Children, ve.Component)
	return cal
}

// eventsIn extracts the VEVENTs of cal. Components that cannot be read
// (missing UID or start) are skipped.
func eventsIn(cal *ical.Calendar) []Event {
	if cal == nil {
		return nil
	}
	var out []Event
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		ev, err := eventFromComponent(child)
		if err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func eventFromComponent(c *ical.Component) (Event, error) {
	ve := ical.Event{Component: c}

	uid, err := ve.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return Event{}, fmt.Errorf("event without UID")
	}
	start, err := ve.DateTimeStart(time.UTC)
	if err != nil {
		return Event{}, fmt.Errorf("event %s: start: %w", uid, err)
	}
	end, err := ve.DateTimeEnd(time.UTC)
	if err != nil || end.IsZero() {
		// RFC 5545: a VEVENT without DTEND or DURATION lasts zero time,
		// or one day for a date-only start.
		end = start
		if p := ve.Props.Get(ical.PropDateTimeStart); p != nil && p.ValueType() == ical.ValueDate {
			end = start.AddDate(0, 0, 1)
		}
	}

	summary, _ := ve.Props.Text(ical.PropSummary)
	desc, _ := ve.Props.Text(ical.PropDescription)
	loc, _ := ve.Props.Text(ical.PropLocation)

	return Event{
		ID:          uid,
		Summary:     summary,
		Description: strings.TrimSpace(PlainText(desc)),
		Location:    loc,
		Start:       start,
		End:         end,
	}, nil
}

var _ Backend = (*CalDAVBackend)(nil)
