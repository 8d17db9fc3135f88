// ABOUTME: SQLite-backed command-usage counters using modernc.org/sqlite.
// ABOUTME: The coordinator flushes in-memory counts here on an interval.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// CommandCount is one user's accumulated command usage.
type CommandCount struct {
	UserID   int64
	Commands int64
}

// UsageStore persists fleet-wide command-usage counts. Counts are additive:
// the coordinator batches COMMAND_RAN signals in memory and calls
// AddCommands periodically, so one row per user absorbs any flush cadence.
type UsageStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewUsageStore opens (or creates) the store at the given path. Use
// ":memory:" for tests. Parent directories are created if needed.
func NewUsageStore(path string) (*UsageStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps reads cheap while the flush loop writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &UsageStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("usage store initialized", "path", path)
	return s, nil
}

func (s *UsageStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS command_counts (
			user_id INTEGER PRIMARY KEY,
			commands INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AddCommands merges a batch of per-user increments into the store.
func (s *UsageStore) AddCommands(ctx context.Context, counts map[int64]int64) error {
	if len(counts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning usage flush: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO command_counts (user_id, commands, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			commands = commands + excluded.commands,
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC().Format(time.RFC3339)
	for userID, n := range counts {
		if n <= 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, query, userID, n, now); err != nil {
			return fmt.Errorf("upserting usage for user %d: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing usage flush: %w", err)
	}

	s.logger.Debug("flushed command usage", "users", len(counts))
	return nil
}

// TotalCommands returns the fleet-wide command count across all users.
func (s *UsageStore) TotalCommands(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(commands) FROM command_counts`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing command counts: %w", err)
	}
	return total.Int64, nil
}

// TopUsers returns the n heaviest users by command count, descending.
func (s *UsageStore) TopUsers(ctx context.Context, n int) ([]CommandCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, commands FROM command_counts ORDER BY commands DESC, user_id ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying top users: %w", err)
	}
	defer rows.Close()

	var out []CommandCount
	for rows.Next() {
		var c CommandCount
		if err := rows.Scan(&c.UserID, &c.Commands); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *UsageStore) Close() error {
	return s.db.Close()
}
