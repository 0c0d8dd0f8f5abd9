// ABOUTME: Lock table store methods with transactional conflict checking
// ABOUTME: Acquire is check-then-upsert inside a single transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AcquireLock attempts to take a lock for sessionID on (lockType, target).
// Returns the conflicting lock when another session blocks the request, or
// nil when the lock was acquired. Re-acquisition by the same session updates
// the mode in place rather than duplicating the row.
//
// The conflict check and the upsert run in one transaction so two concurrent
// exclusive requests on the same target can never both succeed.
func (s *SQLiteStore) AcquireLock(ctx context.Context, sessionID string, lockType LockType, target string, mode LockMode, now time.Time) (*Lock, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	conflict, err := findConflict(ctx, tx, sessionID, lockType, target, mode)
	if err != nil {
		return nil, err
	}
	if conflict != nil {
		return conflict, nil
	}

	query := `
		INSERT INTO locks (session_id, lock_type, target, mode, acquired_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, lock_type, target) DO UPDATE SET mode = excluded.mode
	`

	if _, err := tx.ExecContext(ctx, query, sessionID, string(lockType), target, string(mode), formatTime(now)); err != nil {
		return nil, fmt.Errorf("upserting lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing lock acquire: %w", err)
	}

	s.logger.Debug("acquired lock",
		"session_id", sessionID,
		"lock_type", lockType,
		"target", target,
		"mode", mode,
	)
	return nil, nil
}

// ReleaseLock removes a held lock. Releasing a non-held lock is a no-op
// returning false, not an error.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, sessionID string, lockType LockType, target string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE session_id = ? AND lock_type = ? AND target = ?`,
		sessionID, string(lockType), target,
	)
	if err != nil {
		return false, fmt.Errorf("releasing lock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// ReleaseAllLocks removes every lock a session holds and returns the count.
func (s *SQLiteStore) ReleaseAllLocks(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("releasing session locks: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	return rowsAffected, nil
}

// FindConflictingLock reports the lock that would block sessionID from
// taking (lockType, target) in the given mode, or nil when none would.
// Read-only; no lock state changes.
func (s *SQLiteStore) FindConflictingLock(ctx context.Context, sessionID string, lockType LockType, target string, mode LockMode) (*Lock, error) {
	return findConflict(ctx, s.db, sessionID, lockType, target, mode)
}

// ListLocksBySession returns all locks the session holds, oldest first.
func (s *SQLiteStore) ListLocksBySession(ctx context.Context, sessionID string) ([]*Lock, error) {
	query := `
		SELECT session_id, lock_type, target, mode, acquired_at
		FROM locks
		WHERE session_id = ?
		ORDER BY acquired_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying session locks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var locks []*Lock
	for rows.Next() {
		lock, err := scanLockRow(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lock rows: %w", err)
	}

	return locks, nil
}

// querier covers both *sql.DB and *sql.Tx so the conflict check can run
// standalone or inside the acquire transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// findConflict evaluates the sharing rule: an exclusive request conflicts
// with any other session's lock on the target; a shared request conflicts
// only with another session's exclusive lock. A session never conflicts
// with itself.
func findConflict(ctx context.Context, q querier, sessionID string, lockType LockType, target string, mode LockMode) (*Lock, error) {
	query := `
		SELECT session_id, lock_type, target, mode, acquired_at
		FROM locks
		WHERE lock_type = ? AND target = ? AND session_id != ?
	`
	args := []any{string(lockType), target, sessionID}

	if mode == LockModeShared {
		query += ` AND mode = 'exclusive'`
	}
	query += ` ORDER BY acquired_at ASC LIMIT 1`

	var lock Lock
	var acquiredAt string
	err := q.QueryRowContext(ctx, query, args...).Scan(
		&lock.SessionID,
		&lock.LockType,
		&lock.Target,
		&lock.Mode,
		&acquiredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checking lock conflict: %w", err)
	}

	lock.AcquiredAt, err = parseTime(acquiredAt)
	if err != nil {
		return nil, err
	}

	return &lock, nil
}

// scanLockRow scans a lock from sql.Rows (for list queries).
func scanLockRow(rows *sql.Rows) (*Lock, error) {
	var lock Lock
	var acquiredAt string

	err := rows.Scan(
		&lock.SessionID,
		&lock.LockType,
		&lock.Target,
		&lock.Mode,
		&acquiredAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning lock row: %w", err)
	}

	lock.AcquiredAt, err = parseTime(acquiredAt)
	if err != nil {
		return nil, err
	}

	return &lock, nil
}
