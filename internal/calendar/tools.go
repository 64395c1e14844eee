package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/almanac/internal/tools"
)

// Toolset exposes a Backend to the model as five tools.
type Toolset struct {
	backend Backend
	loc     *time.Location
	now     func() time.Time
}

// NewToolset creates the calendar tools. loc is the zone used for
// times the model gives without an offset and for displaying results;
// nil means time.Local.
func NewToolset(backend Backend, loc *time.Location) *Toolset {
	if loc == nil {
		loc = time.Local
	}
	return &Toolset{backend: backend, loc: loc, now: time.Now}
}

// timeParam documents the accepted time argument format once.
func timeParam(desc string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": desc + " ISO 8601, e.g. 2025-03-01T09:00:00-06:00. Without an offset the time is read in time_zone.",
	}
}

var timeZoneParam = map[string]any{
	"type":        "string",
	"description": "IANA time zone such as America/Chicago. Defaults to the assistant's zone.",
}

// Register adds the calendar tools to reg.
func (t *Toolset) Register(reg *tools.Registry) error {
	defs := []*tools.Tool{
		{
			Name:        "get_date_and_time",
			Description: "Use this tool to fetch the current date, time, time zone and day of the week.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			Handler:     t.dateAndTime,
		},
		{
			Name:        "fetch_events",
			Description: "Use this tool to fetch events from the calendar between time_min and time_max.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"time_min":  timeParam("Start of the range."),
					"time_max":  timeParam("End of the range."),
					"time_zone": timeZoneParam,
				},
				"required": []string{"time_min", "time_max"},
			},
			Handler: t.fetchEvents,
		},
		{
			Name:        "add_event_to_calendar",
			Description: "Use to add an event to the calendar.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary":     map[string]any{"type": "string", "description": "Title of the event."},
					"start":       timeParam("When the event starts."),
					"end":         timeParam("When the event ends."),
					"time_zone":   timeZoneParam,
					"description": map[string]any{"type": "string", "description": "Optional notes."},
					"location":    map[string]any{"type": "string", "description": "Optional place."},
				},
				"required": []string{"summary", "start", "end"},
			},
			Handler: t.addEvent,
		},
		{
			Name:        "patch_event",
			Description: "Use this tool to reschedule an existing event in the calendar.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"event_id":  map[string]any{"type": "string", "description": "ID of the event as returned by fetch_events."},
					"start":     timeParam("New start."),
					"end":       timeParam("New end."),
					"time_zone": timeZoneParam,
				},
				"required": []string{"event_id", "start", "end"},
			},
			Handler: t.patchEvent,
		},
		{
			Name:        "delete_event",
			Description: "Use this to delete an event from the calendar.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"event_id": map[string]any{"type": "string", "description": "ID of the event as returned by fetch_events."},
				},
				"required": []string{"event_id"},
			},
			Handler: t.deleteEvent,
		},
	}
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func (t *Toolset) dateAndTime(_ context.Context, _ map[string]any) (string, error) {
	now := t.now().In(t.loc)
	return fmt.Sprintf("Today's date and time: %s.\nTIME ZONE: %s.\nToday's day of the week: %s",
		now.Format(time.RFC3339), t.loc, now.Weekday()), nil
}

func (t *Toolset) fetchEvents(ctx context.Context, args map[string]any) (string, error) {
	loc, err := t.location(args)
	if err != nil {
		return "", err
	}
	from, err := parseTime(str(args, "time_min"), loc)
	if err != nil {
		return "", fmt.Errorf("time_min: %w", err)
	}
	to, err := parseTime(str(args, "time_max"), loc)
	if err != nil {
		return "", fmt.Errorf("time_max: %w", err)
	}
	if !to.After(from) {
		return "", fmt.Errorf("time_max must be after time_min")
	}

	events, err := t.backend.ListEvents(ctx, from, to)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "No events found in this time range.", nil
	}
	for i := range events {
		events[i] = events[i].In(loc)
	}
	return render("Events:", events)
}

func (t *Toolset) addEvent(ctx context.Context, args map[string]any) (string, error) {
	loc, err := t.location(args)
	if err != nil {
		return "", err
	}
	start, end, err := parseRange(args, loc)
	if err != nil {
		return "", err
	}
	ev, err := t.backend.CreateEvent(ctx, Event{
		Summary:     str(args, "summary"),
		Description: str(args, "description"),
		Location:    str(args, "location"),
		Start:       start,
		End:         end,
	})
	if err != nil {
		return "", err
	}
	return render("Created event:", ev.In(loc))
}

func (t *Toolset) patchEvent(ctx context.Context, args map[string]any) (string, error) {
	loc, err := t.location(args)
	if err != nil {
		return "", err
	}
	start, end, err := parseRange(args, loc)
	if err != nil {
		return "", err
	}
	ev, err := t.backend.UpdateEventTime(ctx, str(args, "event_id"), start, end)
	if err != nil {
		return "", err
	}
	return render("Rescheduled event:", ev.In(loc))
}

func (t *Toolset) deleteEvent(ctx context.Context, args map[string]any) (string, error) {
	id := str(args, "event_id")
	if err := t.backend.DeleteEvent(ctx, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted event %s.", id), nil
}

func (t *Toolset) location(args map[string]any) (*time.Location, error) {
	name := str(args, "time_zone")
	if name == "" {
		return t.loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("time_zone: unknown zone %q", name)
	}
	return loc, nil
}

func parseRange(args map[string]any, loc *time.Location) (time.Time, time.Time, error) {
	start, err := parseTime(str(args, "start"), loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseTime(str(args, "end"), loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end: %w", err)
	}
	return start, end, nil
}

// Layouts tried after RFC 3339 for times without an offset.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseTime(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing time")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as an ISO 8601 time", s)
}

func str(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func render(heading string, v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render result: %w", err)
	}
	return heading + "\n" + string(b), nil
}
