// Package usage records the tokens each model call consumed. Records
// are append-only and indexed by time, session and user so per-caller
// totals stay cheap to aggregate.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // registers "sqlite3"
	_ "modernc.org/sqlite"          // registers "sqlite"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Record is one model invocation's token usage.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"ts"`
	TurnID       string    `json:"turn_id"`
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	Round        int       `json:"round"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
}

// Summary holds aggregated token totals.
type Summary struct {
	Calls        int   `json:"calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Store is an append-only SQLite store for usage records.
type Store struct {
	db *sql.DB
}

// Open opens the usage database at path with the named SQLite driver
// ("sqlite3" or "sqlite").
func Open(driver, path string) (*Store, error) {
	var dsn string
	switch driver {
	case "sqlite3":
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	case "sqlite":
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("unsupported usage database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		turn_id       TEXT NOT NULL,
		session_id    TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		model         TEXT NOT NULL,
		provider      TEXT NOT NULL,
		round         INTEGER NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id);
	CREATE INDEX IF NOT EXISTS idx_usage_user ON usage_records(user_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a usage record. An empty ID gets a UUIDv7 and a zero
// Timestamp the current time.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, turn_id, session_id, user_id, model, provider,
			 round, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeLayout),
		rec.TurnID,
		rec.SessionID,
		rec.UserID,
		rec.Model,
		rec.Provider,
		rec.Round,
		rec.InputTokens,
		rec.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns userID's totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, userID string, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE user_id = ? AND timestamp >= ? AND timestamp < ?`,
		userID, start.UTC().Format(timeLayout), end.UTC().Format(timeLayout),
	)

	var sum Summary
	if err := row.Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns userID's per-model totals within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, userID string, start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, COUNT(*), SUM(input_tokens), SUM(output_tokens)
		 FROM usage_records
		 WHERE user_id = ? AND timestamp >= ? AND timestamp < ?
		 GROUP BY model`,
		userID, start.UTC().Format(timeLayout), end.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by model: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var model string
		var sum Summary
		if err := rows.Scan(&model, &sum.Calls, &sum.InputTokens, &sum.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by model: %w", err)
		}
		result[model] = &sum
	}
	return result, rows.Err()
}
