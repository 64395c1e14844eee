package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is a Postgres-backed Store built on a pgx connection pool.
// Appends lock the owning session row, so concurrent writers to the
// same session queue up while other sessions proceed in parallel.
type PGStore struct {
	db *pgxpool.Pool
}

// OpenPostgres connects to dsn and returns a migrated store.
func OpenPostgres(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewPGStore(pool)
	if err := s.CreateSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPGStore wraps an existing pool. The store takes ownership of it.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{db: pool}
}

// CreateSchema creates the tables if they do not exist.
func (s *PGStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS almanac_sessions (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_almanac_sessions_user ON almanac_sessions(user_id, created_at);

		CREATE TABLE IF NOT EXISTS almanac_records (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES almanac_sessions(id) ON DELETE CASCADE,
			position   BIGINT NOT NULL,
			kind       TEXT NOT NULL CHECK (kind IN ('system', 'user', 'assistant_text', 'tool_call_request', 'tool_call_result')),
			content    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (session_id, position)
		);
	`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// DropSchema removes the tables. Used by tests.
func (s *PGStore) DropSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		DROP TABLE IF EXISTS almanac_records CASCADE;
		DROP TABLE IF EXISTS almanac_sessions CASCADE;
	`)
	return err
}

// Close closes the pool.
func (s *PGStore) Close() error {
	s.db.Close()
	return nil
}

// EnsureSession implements Store.
func (s *PGStore) EnsureSession(ctx context.Context, id, userID, systemText string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sys, err := prepare(id, SystemRecord(systemText))
	if err != nil {
		return false, err
	}
	sys.Position = 1

	wctx := context.WithoutCancel(ctx)
	tx, err := s.db.Begin(wctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(wctx) }()

	tag, err := tx.Exec(wctx,
		`INSERT INTO almanac_sessions (id, user_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		id, userID, sys.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("create session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := s.insert(wctx, tx, sys); err != nil {
		return false, err
	}
	if err := tx.Commit(wctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// GetSession implements Store.
func (s *PGStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, created_at FROM almanac_sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// Append implements Store.
func (s *PGStore) Append(ctx context.Context, sessionID string, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	rec, err := prepare(sessionID, rec)
	if err != nil {
		return Record{}, err
	}

	wctx := context.WithoutCancel(ctx)
	tx, err := s.db.Begin(wctx)
	if err != nil {
		return Record{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(wctx) }()

	var locked string
	err = tx.QueryRow(wctx,
		`SELECT id FROM almanac_sessions WHERE id = $1 FOR UPDATE`, sessionID,
	).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("append to %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("lock session %s: %w", sessionID, err)
	}

	err = tx.QueryRow(wctx,
		`SELECT COALESCE(MAX(position), 0) + 1 FROM almanac_records WHERE session_id = $1`, sessionID,
	).Scan(&rec.Position)
	if err != nil {
		return Record{}, fmt.Errorf("next position: %w", err)
	}

	if err := s.insert(wctx, tx, rec); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(wctx); err != nil {
		return Record{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func (s *PGStore) insert(ctx context.Context, tx pgx.Tx, rec Record) error {
	content, err := encodeContent(rec)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO almanac_records (id, session_id, position, kind, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.SessionID, rec.Position, string(rec.Kind), content, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *PGStore) Load(ctx context.Context, sessionID string) ([]Record, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, position, kind, content, created_at
		 FROM almanac_records WHERE session_id = $1 ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r struct {
			id, kind, content string
			pos               int64
		}
		var rec Record
		if err := rows.Scan(&r.id, &r.pos, &r.kind, &r.content, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		decoded, err := decodeContent(r.kind, r.content)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", r.id, err)
		}
		decoded.ID = r.id
		decoded.SessionID = sessionID
		decoded.Position = r.pos
		decoded.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, decoded)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load %s: %w", sessionID, err)
	}
	return out, nil
}

// ListSessions implements Store.
func (s *PGStore) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, created_at FROM almanac_sessions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

var _ Store = (*PGStore)(nil)
