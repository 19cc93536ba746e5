package canary

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists the controller state as a singleton row.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the canary state table at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open canary store: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS canary_state (
			id TEXT PRIMARY KEY,
			outcomes_json TEXT NOT NULL,
			cooldown_until INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create canary_state table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStoreFromDB wraps an existing handle; the caller keeps ownership.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS canary_state (
			id TEXT PRIMARY KEY,
			outcomes_json TEXT NOT NULL,
			cooldown_until INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("create canary_state table: %w", err)
	}
	return s, nil
}

// Read loads the singleton row.
func (s *SQLiteStore) Read(ctx context.Context) (*State, error) {
	var outcomesJSON string
	var cooldownUntil int64
	err := s.db.QueryRowContext(ctx,
		`SELECT outcomes_json, cooldown_until FROM canary_state WHERE id = 'global'`,
	).Scan(&outcomesJSON, &cooldownUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read canary state: %w", err)
	}

	var window []Outcome
	if err := json.Unmarshal([]byte(outcomesJSON), &window); err != nil {
		return nil, fmt.Errorf("decode canary outcomes: %w", err)
	}
	return &State{Window: window, CooldownUntilMs: cooldownUntil}, nil
}

// Write upserts the singleton row.
func (s *SQLiteStore) Write(ctx context.Context, state *State) error {
	window := state.Window
	if window == nil {
		window = []Outcome{}
	}
	outcomesJSON, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("encode canary outcomes: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO canary_state (id, outcomes_json, cooldown_until, created_at, updated_at)
		VALUES ('global', ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcomes_json = excluded.outcomes_json,
			cooldown_until = excluded.cooldown_until,
			updated_at = excluded.updated_at`,
		string(outcomesJSON), state.CooldownUntilMs, now, now)
	if err != nil {
		return fmt.Errorf("write canary state: %w", err)
	}
	return nil
}

// Clear removes the singleton row.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM canary_state WHERE id = 'global'`); err != nil {
		return fmt.Errorf("clear canary state: %w", err)
	}
	return nil
}

// Close closes the underlying handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
