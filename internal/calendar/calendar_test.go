package calendar

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-ical"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	standup, err := b.CreateEvent(ctx, Event{
		Summary: "Standup",
		Start:   mustTime(t, "2025-03-03T09:00:00Z"),
		End:     mustTime(t, "2025-03-03T09:15:00Z"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if standup.ID == "" {
		t.Fatal("CreateEvent did not assign an ID")
	}
	if _, err := b.CreateEvent(ctx, Event{
		ID: "lunch", Summary: "Lunch",
		Start: mustTime(t, "2025-03-03T12:00:00Z"),
		End:   mustTime(t, "2025-03-03T13:00:00Z"),
	}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		from, to string
		want     []string
	}{
		{"whole day", "2025-03-03T00:00:00Z", "2025-03-04T00:00:00Z", []string{"Standup", "Lunch"}},
		{"morning", "2025-03-03T08:00:00Z", "2025-03-03T10:00:00Z", []string{"Standup"}},
		{"overlapping edge", "2025-03-03T12:30:00Z", "2025-03-03T12:45:00Z", []string{"Lunch"}},
		{"end is exclusive", "2025-03-03T13:00:00Z", "2025-03-03T14:00:00Z", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.ListEvents(ctx, mustTime(t, tt.from), mustTime(t, tt.to))
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].Summary != tt.want[i] {
					t.Errorf("[%d] = %q, want %q", i, got[i].Summary, tt.want[i])
				}
			}
		})
	}

	moved, err := b.UpdateEventTime(ctx, "lunch", mustTime(t, "2025-03-03T13:00:00Z"), mustTime(t, "2025-03-03T14:00:00Z"))
	if err != nil {
		t.Fatal(err)
	}
	if moved.Summary != "Lunch" || moved.Start.Hour() != 13 {
		t.Errorf("moved = %+v", moved)
	}
	if _, err := b.UpdateEventTime(ctx, "lunch", mustTime(t, "2025-03-03T14:00:00Z"), mustTime(t, "2025-03-03T13:00:00Z")); err == nil {
		t.Error("expected error for end before start")
	}

	if err := b.DeleteEvent(ctx, "lunch"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.GetEvent(ctx, "lunch"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("GetEvent after delete = %v", err)
	}
	if err := b.DeleteEvent(ctx, "lunch"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("second delete = %v", err)
	}
}

func TestMemoryBackend_RejectsInvalid(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	start := mustTime(t, "2025-03-03T09:00:00Z")

	tests := []struct {
		name string
		ev   Event
	}{
		{"no summary", Event{Start: start, End: start.Add(time.Hour)}},
		{"no times", Event{Summary: "x"}},
		{"zero length", Event{Summary: "x", Start: start, End: start}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.CreateEvent(ctx, tt.ev); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestICalRoundTrip(t *testing.T) {
	chicago, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	in := Event{
		ID:          "evt-1@almanac",
		Summary:     "Dentist",
		Description: "Bring insurance card",
		Location:    "Main St",
		Start:       time.Date(2025, 3, 4, 15, 0, 0, 0, chicago),
		End:         time.Date(2025, 3, 4, 16, 0, 0, 0, chicago),
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(newCalendar(in, time.Now())); err != nil {
		t.Fatalf("encode: %v", err)
	}
	cal, err := ical.NewDecoder(&buf).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	events := eventsIn(cal)
	if len(events) != 1 {
		t.Fatalf("decoded %d events", len(events))
	}
	got := events[0]
	if got.ID != in.ID || got.Summary != in.Summary || got.Description != in.Description || got.Location != in.Location {
		t.Errorf("decoded = %+v", got)
	}
	if !got.Start.Equal(in.Start) || !got.End.Equal(in.End) {
		t.Errorf("times = %v..%v, want %v..%v", got.Start, got.End, in.Start, in.End)
	}
}

func TestEventsIn_HTMLDescriptionAndSkips(t *testing.T) {
	raw := "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:html-1\r\n" +
		"DTSTAMP:20250301T000000Z\r\n" +
		"DTSTART:20250305T170000Z\r\n" +
		"DTEND:20250305T180000Z\r\n" +
		"SUMMARY:Review\r\n" +
		"DESCRIPTION:<p>Agenda</p><ul><li>Budget</li><li>Hiring</li></ul>\r\n" +
		"END:VEVENT\r\n" +
		"BEGIN:VEVENT\r\n" +
		"DTSTAMP:20250301T000000Z\r\n" +
		"DTSTART:20250305T190000Z\r\n" +
		"SUMMARY:No UID\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	cal, err := ical.NewDecoder(bytes.NewBufferString(raw)).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	events := eventsIn(cal)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if want := "Agenda\nBudget\nHiring"; events[0].Description != want {
		t.Errorf("Description = %q, want %q", events[0].Description, want)
	}
}

func TestPlainText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Call Bob", "Call Bob"},
		{"paragraphs", "<p>First</p><p>Second</p>", "First\nSecond"},
		{"breaks", "line one<br>line two", "line one\nline two"},
		{"link", `Join <a href="https://meet.example.com/x">here</a>`, "Join here (https://meet.example.com/x)"},
		{"script dropped", "<script>alert(1)</script>Notes", "Notes"},
		{"whitespace collapsed", "<div>  lots   of \t space </div>", "lots of space"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlainText(tt.in); got != tt.want {
				t.Errorf("PlainText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
