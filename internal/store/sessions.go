// ABOUTME: Coordination session rows and store methods
// ABOUTME: Sessions are the durable catalog of live agent working copies

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateSession inserts a new coordination session.
// Returns ErrDuplicateSession if the id is already registered.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	files, err := json.Marshal(sess.FilesEditing)
	if err != nil {
		return fmt.Errorf("encoding files_editing: %w", err)
	}

	query := `
		INSERT INTO sessions (id, user, project, cwd, branch, client_id, current_operation, files_editing, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		sess.ID,
		sess.User,
		sess.Project,
		sess.CWD,
		sess.Branch,
		sess.ClientID,
		sess.CurrentOperation,
		string(files),
		formatTime(sess.LastActivityAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", sess.ID, "client_id", sess.ClientID, "project", sess.Project)
	return nil
}

// GetSession retrieves a session by id, or ErrNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, user, project, cwd, branch, client_id, current_operation, files_editing, last_activity
		FROM sessions
		WHERE id = ?
	`

	return scanSession(s.db.QueryRowContext(ctx, query, id))
}

// ListSessions returns sessions matching the filter, most recently active first.
func (s *SQLiteStore) ListSessions(ctx context.Context, f SessionFilter) ([]*Session, error) {
	query := `
		SELECT id, user, project, cwd, branch, client_id, current_operation, files_editing, last_activity
		FROM sessions
		WHERE (? IS NULL OR client_id = ?)
		  AND (? IS NULL OR project = ?)
		ORDER BY last_activity DESC
	`

	rows, err := s.db.QueryContext(ctx, query,
		f.ClientID, f.ClientID,
		f.Project, f.Project,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}

	return sessions, nil
}

// UpdateSession applies the patch and bumps last_activity.
// Returns false when the session does not exist.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, patch SessionPatch, now time.Time) (bool, error) {
	sets := []string{"last_activity = ?"}
	args := []any{formatTime(now)}

	if patch.Branch != nil {
		sets = append(sets, "branch = ?")
		args = append(args, *patch.Branch)
	}
	if patch.CWD != nil {
		sets = append(sets, "cwd = ?")
		args = append(args, *patch.CWD)
	}
	if patch.CurrentOperation != nil {
		sets = append(sets, "current_operation = ?")
		args = append(args, *patch.CurrentOperation)
	}
	if patch.FilesEditing != nil {
		files, err := json.Marshal(*patch.FilesEditing)
		if err != nil {
			return false, fmt.Errorf("encoding files_editing: %w", err)
		}
		sets = append(sets, "files_editing = ?")
		args = append(args, string(files))
	}

	args = append(args, id)
	query := "UPDATE sessions SET " + strings.Join(sets, ", ") + " WHERE id = ?"

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("updating session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// DeleteSession removes a session; its locks cascade with it.
// Returns false when the session does not exist.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Debug("deleted session", "id", id)
	}
	return rowsAffected > 0, nil
}

// DeleteStaleSessions removes sessions whose last activity is before cutoff.
// Lock rows cascade. Returns the number of sessions removed.
func (s *SQLiteStore) DeleteStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_activity < ?`,
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting stale sessions: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Info("removed stale sessions", "count", rowsAffected, "cutoff", cutoff)
	}
	return rowsAffected, nil
}

type sessionScanner interface {
	Scan(dest ...any) error
}

func scanSessionFields(sc sessionScanner) (*Session, error) {
	var sess Session
	var files string
	var lastActivity string

	err := sc.Scan(
		&sess.ID,
		&sess.User,
		&sess.Project,
		&sess.CWD,
		&sess.Branch,
		&sess.ClientID,
		&sess.CurrentOperation,
		&files,
		&lastActivity,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(files), &sess.FilesEditing); err != nil {
		return nil, fmt.Errorf("decoding files_editing: %w", err)
	}

	sess.LastActivityAt, err = parseTime(lastActivity)
	if err != nil {
		return nil, err
	}

	return &sess, nil
}

// scanSession scans a single session from a sql.Row.
func scanSession(row *sql.Row) (*Session, error) {
	sess, err := scanSessionFields(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return sess, nil
}

// scanSessionRow scans a session from sql.Rows (for list queries).
func scanSessionRow(rows *sql.Rows) (*Session, error) {
	sess, err := scanSessionFields(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning session row: %w", err)
	}
	return sess, nil
}
