// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides coordination state persistence with automatic schema creation

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

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys (lock rows cascade with their owning session)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Wait instead of failing fast when a writer holds the database
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Single connection: every transaction observes the latest committed
	// state, so check-then-mutate sequences serialize per database, which is
	// what the lock and bucket invariants need.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			user              TEXT NOT NULL,
			project           TEXT NOT NULL DEFAULT '',
			cwd               TEXT NOT NULL DEFAULT '',
			branch            TEXT NOT NULL DEFAULT '',
			client_id         TEXT NOT NULL DEFAULT '',
			current_operation TEXT NOT NULL DEFAULT '',
			files_editing     TEXT NOT NULL DEFAULT '[]',
			last_activity     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_client ON sessions(client_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity DESC);

		CREATE TABLE IF NOT EXISTS locks (
			session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			lock_type   TEXT NOT NULL,
			target      TEXT NOT NULL,
			mode        TEXT NOT NULL,
			acquired_at TEXT NOT NULL,

			PRIMARY KEY (session_id, lock_type, target),
			CHECK (lock_type IN ('file', 'branch', 'resource')),
			CHECK (mode IN ('exclusive', 'shared'))
		);

		CREATE INDEX IF NOT EXISTS idx_locks_target ON locks(lock_type, target);

		CREATE TABLE IF NOT EXISTS rate_buckets (
			service         TEXT PRIMARY KEY,
			tokens          REAL NOT NULL,
			last_refill     TEXT NOT NULL,
			rate_per_minute REAL NOT NULL,

			CHECK (tokens >= 0)
		);

		CREATE TABLE IF NOT EXISTS rate_inflight (
			service  TEXT PRIMARY KEY,
			inflight INTEGER NOT NULL DEFAULT 0,

			CHECK (inflight >= 0)
		);

		CREATE TABLE IF NOT EXISTS agent_sessions (
			id           TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			prompt       TEXT NOT NULL,
			cwd          TEXT NOT NULL,
			model        TEXT NOT NULL DEFAULT '',
			pid          INTEGER NOT NULL DEFAULT 0,
			timeout_secs INTEGER NOT NULL,
			created_at   TEXT NOT NULL,
			started_at   TEXT,
			completed_at TEXT,
			exit_code    INTEGER,
			error        TEXT NOT NULL DEFAULT '',
			result       TEXT NOT NULL DEFAULT '',
			output_path  TEXT NOT NULL DEFAULT '',
			callback_url TEXT NOT NULL DEFAULT '',

			CHECK (status IN ('pending', 'running', 'completed', 'failed', 'killed', 'timeout'))
		);

		CREATE INDEX IF NOT EXISTS idx_agent_sessions_status ON agent_sessions(status);
		CREATE INDEX IF NOT EXISTS idx_agent_sessions_created ON agent_sessions(created_at);

		CREATE TABLE IF NOT EXISTS accounts (
			id                TEXT PRIMARY KEY,
			usage_percent     REAL NOT NULL DEFAULT 0,
			seven_day_percent REAL NOT NULL DEFAULT 0,
			reset_time        TEXT,
			first_token_date  TEXT,
			last_updated      TEXT NOT NULL,
			email             TEXT NOT NULL DEFAULT '',
			notes             TEXT NOT NULL DEFAULT ''
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}

	return nil
}

// begin starts a transaction. Combined with the single-connection pool this
// serializes check-then-mutate sequences (lock acquire, bucket refill)
// against concurrent writers.
func (s *SQLiteStore) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return tx, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// timeLayout is RFC3339 with a fixed-width fraction. RFC3339Nano trims
// trailing zeros, which breaks lexicographic ordering in SQL comparisons
// within a shared second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime serializes a timestamp the way every table stores it.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime deserializes a stored timestamp.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullTime converts an optional timestamp for storage.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// scanNullTime converts a stored optional timestamp.
func scanNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Ensure SQLiteStore implements the Store interface.
var _ Store = (*SQLiteStore)(nil)
