package calendar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend keeps events in process. It backs the CLI when no
// CalDAV server is configured, and the tests.
type MemoryBackend struct {
	mu     sync.Mutex
	events map[string]Event
}

// NewMemoryBackend returns an empty calendar.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{events: make(map[string]Event)}
}

// ListEvents implements Backend.
func (m *MemoryBackend) ListEvents(_ context.Context, from, to time.Time) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for _, ev := range m.events {
		if ev.Start.Before(to) && ev.End.After(from) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// GetEvent implements Backend.
func (m *MemoryBackend) GetEvent(_ context.Context, id string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrEventNotFound)
	}
	return &ev, nil
}

// CreateEvent implements Backend.
func (m *MemoryBackend) CreateEvent(_ context.Context, ev Event) (*Event, error) {
	if err := ev.validate(); err != nil {
		return nil, err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.events[ev.ID]; exists {
		return nil, fmt.Errorf("event %s already exists", ev.ID)
	}
	m.events[ev.ID] = ev
	return &ev, nil
}

// UpdateEventTime implements Backend.
func (m *MemoryBackend) UpdateEventTime(_ context.Context, id string, start, end time.Time) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", id, ErrEventNotFound)
	}
	ev.Start, ev.End = start, end
	if err := ev.validate(); err != nil {
		return nil, err
	}
	m.events[id] = ev
	return &ev, nil
}

// DeleteEvent implements Backend.
func (m *MemoryBackend) DeleteEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrEventNotFound)
	}
	delete(m.events, id)
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
