// Package sqlitestore provides the default state.Store backend: a local
// SQLite database file that survives process restarts.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS seen_items (
    fingerprint   TEXT PRIMARY KEY,
    first_seen_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS spend_records (
    period_key TEXT PRIMARY KEY,
    spent_usd  REAL NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL
);
`

// Store persists seen fingerprints and spend records in a SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path, applies pragmas and the
// schema, and returns a ready Store. Paths containing ".." components are
// rejected.
func Open(path string) (*Store, error) {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return nil, fmt.Errorf("db path %q contains a path-traversal component", path)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Has reports whether the fingerprint has been recorded.
func (s *Store) Has(ctx context.Context, fingerprint string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM seen_items WHERE fingerprint = ?`, fingerprint).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query seen_items: %w", err)
	}
	return true, nil
}

// MarkSeen records the fingerprint, keeping the original timestamp if it
// already exists.
func (s *Store) MarkSeen(ctx context.Context, fingerprint string, firstSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_items (fingerprint, first_seen_at) VALUES (?, ?)
         ON CONFLICT (fingerprint) DO NOTHING`,
		fingerprint, firstSeen.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert seen_items: %w", err)
	}
	return nil
}

// Spend returns the accumulated spend for the period, 0 when no record
// exists yet.
func (s *Store) Spend(ctx context.Context, periodKey string) (float64, error) {
	var spent float64
	err := s.db.QueryRowContext(ctx,
		`SELECT spent_usd FROM spend_records WHERE period_key = ?`, periodKey).Scan(&spent)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query spend_records: %w", err)
	}
	return spent, nil
}

// AddSpend accumulates amount onto the period's record, creating it lazily.
func (s *Store) AddSpend(ctx context.Context, periodKey string, amount float64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spend_records (period_key, spent_usd, updated_at) VALUES (?, ?, ?)
         ON CONFLICT (period_key) DO UPDATE SET
             spent_usd  = spent_usd + excluded.spent_usd,
             updated_at = excluded.updated_at`,
		periodKey, amount, now)
	if err != nil {
		return fmt.Errorf("upsert spend_records: %w", err)
	}
	return nil
}

// PruneSeenBefore deletes seen records older than cutoff and returns the
// number of rows removed. Retention is an operational concern; dedup
// correctness does not depend on it.
func (s *Store) PruneSeenBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_items WHERE first_seen_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune seen_items: %w", err)
	}
	return res.RowsAffected()
}
