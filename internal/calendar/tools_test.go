package calendar

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nugget/almanac/internal/tools"
)

func newTestToolset(t *testing.T) (*tools.Dispatcher, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend()
	ts := NewToolset(backend, time.UTC)
	ts.now = func() time.Time { return time.Date(2025, 3, 3, 8, 30, 0, 0, time.UTC) }

	reg := tools.NewRegistry()
	if err := ts.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return tools.NewDispatcher(reg, nil), backend
}

func call(d *tools.Dispatcher, name, args string) tools.Result {
	return d.Execute(context.Background(), tools.Call{ID: "call_1", Name: name, Arguments: args})
}

func TestToolset_Register(t *testing.T) {
	reg := tools.NewRegistry()
	ts := NewToolset(NewMemoryBackend(), nil)
	if err := ts.Register(reg); err != nil {
		t.Fatal(err)
	}
	want := []string{"add_event_to_calendar", "delete_event", "fetch_events", "get_date_and_time", "patch_event"}
	got := reg.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	if err := ts.Register(reg); err == nil {
		t.Error("second Register should fail on duplicate names")
	}
}

func TestToolset_DateAndTime(t *testing.T) {
	d, _ := newTestToolset(t)
	res := call(d, "get_date_and_time", "")
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}
	want := "Today's date and time: 2025-03-03T08:30:00Z.\nTIME ZONE: UTC.\nToday's day of the week: Monday"
	if res.Content != want {
		t.Errorf("Content = %q, want %q", res.Content, want)
	}
}

func TestToolset_Lifecycle(t *testing.T) {
	d, backend := newTestToolset(t)

	res := call(d, "fetch_events", `{"time_min":"2025-03-03T00:00:00Z","time_max":"2025-03-04T00:00:00Z"}`)
	if res.IsError || res.Content != "No events found in this time range." {
		t.Fatalf("empty fetch = %+v", res)
	}

	res = call(d, "add_event_to_calendar", `{"summary":"Dentist","start":"2025-03-03T15:00:00","end":"2025-03-03T16:00:00","location":"Main St"}`)
	if res.IsError {
		t.Fatalf("add: %s", res.Content)
	}
	if !strings.HasPrefix(res.Content, "Created event:\n") || !strings.Contains(res.Content, `"summary": "Dentist"`) {
		t.Errorf("add content = %q", res.Content)
	}

	events, _ := backend.ListEvents(context.Background(), time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	if len(events) != 1 {
		t.Fatalf("backend holds %d events", len(events))
	}
	id := events[0].ID

	res = call(d, "fetch_events", `{"time_min":"2025-03-03","time_max":"2025-03-04"}`)
	if res.IsError || !strings.HasPrefix(res.Content, "Events:\n") || !strings.Contains(res.Content, id) {
		t.Errorf("fetch = %+v", res)
	}

	res = call(d, "patch_event", `{"event_id":"`+id+`","start":"2025-03-03T17:00:00Z","end":"2025-03-03T18:00:00Z"}`)
	if res.IsError || !strings.HasPrefix(res.Content, "Rescheduled event:\n") {
		t.Fatalf("patch = %+v", res)
	}
	got, _ := backend.GetEvent(context.Background(), id)
	if got.Start.Hour() != 17 || got.Location != "Main St" {
		t.Errorf("after patch = %+v", got)
	}

	res = call(d, "delete_event", `{"event_id":"`+id+`"}`)
	if res.IsError || res.Content != "Deleted event "+id+"." {
		t.Errorf("delete = %+v", res)
	}

	res = call(d, "delete_event", `{"event_id":"`+id+`"}`)
	if !res.IsError || !strings.Contains(res.Content, "not found") {
		t.Errorf("second delete = %+v", res)
	}
}

func TestToolset_TimeZone(t *testing.T) {
	chicago, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	d, backend := newTestToolset(t)

	res := call(d, "add_event_to_calendar", `{"summary":"Call","start":"2025-03-04T09:00","end":"2025-03-04T09:30","time_zone":"America/Chicago"}`)
	if res.IsError {
		t.Fatalf("add: %s", res.Content)
	}
	events, _ := backend.ListEvents(context.Background(), time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	want := time.Date(2025, 3, 4, 9, 0, 0, 0, chicago)
	if !events[0].Start.Equal(want) {
		t.Errorf("Start = %v, want %v", events[0].Start, want)
	}
	if !strings.Contains(res.Content, "-06:00") {
		t.Errorf("result not rendered in requested zone: %s", res.Content)
	}
}

func TestToolset_Errors(t *testing.T) {
	d, _ := newTestToolset(t)

	tests := []struct {
		name string
		tool string
		args string
		want string
	}{
		{"missing required", "fetch_events", `{"time_min":"2025-03-03T00:00:00Z"}`, "time_max"},
		{"unparseable time", "fetch_events", `{"time_min":"next tuesday","time_max":"2025-03-04T00:00:00Z"}`, "time_min"},
		{"inverted range", "fetch_events", `{"time_min":"2025-03-04T00:00:00Z","time_max":"2025-03-03T00:00:00Z"}`, "after"},
		{"unknown zone", "fetch_events", `{"time_min":"2025-03-03","time_max":"2025-03-04","time_zone":"Mars/Olympus"}`, "time_zone"},
		{"end before start", "add_event_to_calendar", `{"summary":"x","start":"2025-03-03T10:00:00Z","end":"2025-03-03T09:00:00Z"}`, "end"},
		{"patch unknown", "patch_event", `{"event_id":"nope","start":"2025-03-03T10:00:00Z","end":"2025-03-03T11:00:00Z"}`, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := call(d, tt.tool, tt.args)
			if !res.IsError {
				t.Fatalf("expected error, got %q", res.Content)
			}
			if !strings.Contains(res.Content, tt.want) {
				t.Errorf("Content = %q, want substring %q", res.Content, tt.want)
			}
		})
	}
}
