package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers "sqlite3"
	_ "modernc.org/sqlite"          // registers "sqlite"
)

// SQLite driver names accepted by OpenSQLite.
const (
	DriverCGo    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// SQLiteStore is a SQLite-backed Store. Writes are serialized by an
// in-process mutex on top of SQLite's own single-writer lock, which
// keeps position assignment race-free without relying on driver
// specific transaction modes.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (creating if needed) a database file with the given
// driver and returns a migrated store. path may be ":memory:".
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	dsn, err := sqliteDSN(driver, path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// sqliteDSN adds WAL, busy timeout and foreign key pragmas in the
// syntax each driver understands.
func sqliteDSN(driver, path string) (string, error) {
	switch driver {
	case DriverCGo:
		return path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", nil
	case DriverPureGo:
		return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q (valid: %s, %s)", driver, DriverCGo, DriverPureGo)
	}
}

// NewSQLiteStore wraps an already opened database and creates the
// schema. The store takes ownership of db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	// A single connection keeps ":memory:" databases coherent and
	// matches SQLite's single-writer model.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, created_at);

	CREATE TABLE IF NOT EXISTS records (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		position   INTEGER NOT NULL,
		kind       TEXT NOT NULL CHECK (kind IN ('system', 'user', 'assistant_text', 'tool_call_request', 'tool_call_result')),
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (session_id, position)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EnsureSession implements Store.
func (s *SQLiteStore) EnsureSession(ctx context.Context, id, userID, systemText string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sys, err := prepare(id, SystemRecord(systemText))
	if err != nil {
		return false, err
	}
	sys.Position = 1

	s.mu.Lock()
	defer s.mu.Unlock()

	wctx := context.WithoutCancel(ctx)
	tx, err := s.db.BeginTx(wctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(wctx,
		`INSERT OR IGNORE INTO sessions (id, user_id, created_at) VALUES (?, ?, ?)`,
		id, userID, formatTime(sys.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("create session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create session: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := insertRecord(wctx, tx, sys); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// GetSession implements Store.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.UserID, &created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	sess.CreatedAt = parseTime(created)
	return &sess, nil
}

// Append implements Store. Once the write has begun it runs to
// completion even if ctx is cancelled.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	rec, err := prepare(sessionID, rec)
	if err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wctx := context.WithoutCancel(ctx)
	tx, err := s.db.BeginTx(wctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(wctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return Record{}, fmt.Errorf("append to %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("append to %s: %w", sessionID, err)
	}

	err = tx.QueryRowContext(wctx,
		`SELECT COALESCE(MAX(position), 0) + 1 FROM records WHERE session_id = ?`, sessionID,
	).Scan(&rec.Position)
	if err != nil {
		return Record{}, fmt.Errorf("next position: %w", err)
	}

	if err := insertRecord(wctx, tx, rec); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec Record) error {
	content, err := encodeContent(rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (id, session_id, position, kind, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Position, string(rec.Kind), content, formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) ([]Record, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, position, kind, content, created_at
		 FROM records WHERE session_id = ? ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var id, kind, content, created string
		var pos int64
		if err := rows.Scan(&id, &pos, &kind, &content, &created); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := decodeContent(kind, content)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", id, err)
		}
		rec.ID = id
		rec.SessionID = sessionID
		rec.Position = pos
		rec.CreatedAt = parseTime(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListSessions implements Store.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, created_at FROM sessions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var created string
		if err := rows.Scan(&sess.ID, &sess.UserID, &created); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt = parseTime(created)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Timestamps are stored as fixed-width UTC text so both drivers
// round-trip them identically and ORDER BY sorts chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

var _ Store = (*SQLiteStore)(nil)
