package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists sessions and their records. Implementations must be
// safe for concurrent use across sessions and must serialize appends
// within a session so positions stay dense and ordered.
type Store interface {
	// EnsureSession creates the session and its system record in one
	// step if the session does not exist yet. It reports whether the
	// session was created by this call. An existing session is left
	// untouched; its system record is never rewritten.
	EnsureSession(ctx context.Context, id, userID, systemText string) (bool, error)

	// GetSession returns ErrSessionNotFound for unknown IDs.
	GetSession(ctx context.Context, id string) (*Session, error)

	// Append writes one record at the next position and returns it
	// with ID, SessionID, Position and CreatedAt filled in.
	Append(ctx context.Context, sessionID string, rec Record) (Record, error)

	// Load returns every record of the session in position order.
	Load(ctx context.Context, sessionID string) ([]Record, error)

	// ListSessions returns the sessions owned by userID, newest first.
	ListSessions(ctx context.Context, userID string) ([]Session, error)

	Close() error
}

// newRecordID returns a time-ordered record identifier.
func newRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// prepare validates rec and stamps the fields every backend assigns
// the same way. Position is left to the backend.
func prepare(sessionID string, rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	rec.ID = newRecordID()
	rec.SessionID = sessionID
	rec.CreatedAt = time.Now().UTC()
	return rec, nil
}

// MemStore is an in-process Store. It is used by the one-shot CLI and
// by tests; nothing survives a restart.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
}

type memSession struct {
	info    Session
	records []Record
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]*memSession)}
}

// EnsureSession implements Store.
func (s *MemStore) EnsureSession(_ context.Context, id, userID, systemText string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	sess := &memSession{info: Session{ID: id, UserID: userID, CreatedAt: now}}
	sys, err := prepare(id, SystemRecord(systemText))
	if err != nil {
		return false, err
	}
	sys.Position = 1
	sess.records = append(sess.records, sys)
	s.sessions[id] = sess
	return true, nil
}

// GetSession implements Store.
func (s *MemStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("get session %s: %w", id, ErrSessionNotFound)
	}
	info := sess.info
	return &info, nil
}

// Append implements Store.
func (s *MemStore) Append(_ context.Context, sessionID string, rec Record) (Record, error) {
	rec, err := prepare(sessionID, rec)
	if err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Record{}, fmt.Errorf("append to %s: %w", sessionID, ErrSessionNotFound)
	}
	rec.Position = int64(len(sess.records)) + 1
	sess.records = append(sess.records, copyRecord(rec))
	return rec, nil
}

// Load implements Store.
func (s *MemStore) Load(_ context.Context, sessionID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", sessionID, ErrSessionNotFound)
	}
	out := make([]Record, len(sess.records))
	for i, r := range sess.records {
		out[i] = copyRecord(r)
	}
	return out, nil
}

// ListSessions implements Store.
func (s *MemStore) ListSessions(_ context.Context, userID string) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Session
	for _, sess := range s.sessions {
		if sess.info.UserID == userID {
			out = append(out, sess.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Close implements Store. It is a no-op.
func (s *MemStore) Close() error { return nil }

// copyRecord detaches the slices of r so callers cannot mutate stored
// history through a returned value.
func copyRecord(r Record) Record {
	if r.Calls != nil {
		r.Calls = append([]FunctionCall(nil), r.Calls...)
	}
	if r.Results != nil {
		r.Results = append([]FunctionResult(nil), r.Results...)
	}
	return r
}

var _ Store = (*MemStore)(nil)
