// ABOUTME: Agent session rows and store methods for the orchestrator
// ABOUTME: Status transitions are guarded so terminal states are never overwritten

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAgentSession(ctx context.Context, db execer, sess *AgentSession) error {
	query := `
		INSERT INTO agent_sessions (
			id, status, prompt, cwd, model, pid, timeout_secs,
			created_at, started_at, completed_at, exit_code, error, result, output_path, callback_url
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var exitCode any
	if sess.ExitCode != nil {
		exitCode = *sess.ExitCode
	}

	_, err := db.ExecContext(ctx, query,
		sess.ID,
		string(sess.Status),
		sess.Prompt,
		sess.CWD,
		sess.Model,
		sess.PID,
		int64(sess.Timeout/time.Second),
		formatTime(sess.CreatedAt),
		nullTime(sess.StartedAt),
		nullTime(sess.CompletedAt),
		exitCode,
		sess.Error,
		sess.Result,
		sess.OutputPath,
		sess.CallbackURL,
	)
	if err != nil {
		return fmt.Errorf("inserting agent session: %w", err)
	}
	return nil
}

// CreateAgentSession inserts a new agent session record.
func (s *SQLiteStore) CreateAgentSession(ctx context.Context, sess *AgentSession) error {
	if err := insertAgentSession(ctx, s.db, sess); err != nil {
		return err
	}

	s.logger.Debug("created agent session", "id", sess.ID, "cwd", sess.CWD, "timeout", sess.Timeout)
	return nil
}

// CreateAgentSessionIfUnderCap inserts a new agent session only while fewer
// than max sessions are pending or running. The count and the insert share
// one transaction so two concurrent spawns can never both slip under the
// cap. Returns whether the session was created.
func (s *SQLiteStore) CreateAgentSessionIfUnderCap(ctx context.Context, sess *AgentSession, max int) (bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_sessions WHERE status IN ('pending', 'running')`,
	).Scan(&active); err != nil {
		return false, fmt.Errorf("counting active agent sessions: %w", err)
	}
	if active >= max {
		return false, nil
	}

	if err := insertAgentSession(ctx, tx, sess); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing agent session: %w", err)
	}

	s.logger.Debug("created agent session", "id", sess.ID, "cwd", sess.CWD, "timeout", sess.Timeout, "active", active+1)
	return true, nil
}

// GetAgentSession retrieves an agent session by id, or ErrNotFound.
func (s *SQLiteStore) GetAgentSession(ctx context.Context, id string) (*AgentSession, error) {
	query := agentSessionSelect + ` WHERE id = ?`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("querying agent session: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying agent session: %w", err)
		}
		return nil, ErrNotFound
	}

	return scanAgentSession(rows)
}

// ListAgentSessions returns agent sessions, newest first, optionally
// filtered by status (empty status means all).
func (s *SQLiteStore) ListAgentSessions(ctx context.Context, status AgentSessionStatus) ([]*AgentSession, error) {
	query := agentSessionSelect + `
		WHERE (? = '' OR status = ?)
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("querying agent sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*AgentSession
	for rows.Next() {
		sess, err := scanAgentSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent session rows: %w", err)
	}

	return sessions, nil
}

// CountActiveAgentSessions counts sessions still pending or running.
func (s *SQLiteStore) CountActiveAgentSessions(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_sessions WHERE status IN ('pending', 'running')`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active agent sessions: %w", err)
	}
	return count, nil
}

// MarkAgentSessionRunning records the worker pid and flips pending → running.
// Persisted immediately after launch so an orchestrator crash is recoverable.
func (s *SQLiteStore) MarkAgentSessionRunning(ctx context.Context, id string, pid int, startedAt time.Time) error {
	query := `
		UPDATE agent_sessions
		SET status = 'running', pid = ?, started_at = ?
		WHERE id = ? AND status = 'pending'
	`

	result, err := s.db.ExecContext(ctx, query, pid, formatTime(startedAt), id)
	if err != nil {
		return fmt.Errorf("marking agent session running: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// FinishAgentSession moves a session into a terminal state. The WHERE guard
// only matches non-terminal rows, so a process-exit event can never
// overwrite an earlier kill or timeout. Returns whether the transition
// applied.
func (s *SQLiteStore) FinishAgentSession(ctx context.Context, id string, status AgentSessionStatus, exitCode *int, errMsg, result string, completedAt time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}

	query := `
		UPDATE agent_sessions
		SET status = ?, exit_code = ?, error = ?, result = ?, completed_at = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`

	var code any
	if exitCode != nil {
		code = *exitCode
	}

	res, err := s.db.ExecContext(ctx, query,
		string(status),
		code,
		errMsg,
		result,
		formatTime(completedAt),
		id,
	)
	if err != nil {
		return false, fmt.Errorf("finishing agent session: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Debug("agent session finished", "id", id, "status", status)
	}
	return rowsAffected > 0, nil
}

// ReconcileInterruptedAgentSessions fails every session persisted as
// pending/running. Called once at startup; the process handles behind those
// rows died with the previous orchestrator.
func (s *SQLiteStore) ReconcileInterruptedAgentSessions(ctx context.Context, errMsg string, now time.Time) (int64, error) {
	query := `
		UPDATE agent_sessions
		SET status = 'failed', error = ?, completed_at = ?
		WHERE status IN ('pending', 'running')
	`

	result, err := s.db.ExecContext(ctx, query, errMsg, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("reconciling interrupted agent sessions: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Warn("reconciled interrupted agent sessions", "count", rowsAffected)
	}
	return rowsAffected, nil
}

// DeleteAgentSessionsBefore removes sessions created before cutoff,
// regardless of status, and returns the removed records so the caller can
// delete their on-disk artifacts.
func (s *SQLiteStore) DeleteAgentSessionsBefore(ctx context.Context, cutoff time.Time) ([]*AgentSession, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, agentSessionSelect+` WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("querying old agent sessions: %w", err)
	}

	var sessions []*AgentSession
	for rows.Next() {
		sess, err := scanAgentSession(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterating old agent sessions: %w", err)
	}
	_ = rows.Close()

	if len(sessions) == 0 {
		return nil, nil
	}

	ids := make([]any, len(sessions))
	placeholders := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ID
		placeholders[i] = "?"
	}

	query := `DELETE FROM agent_sessions WHERE id IN (` + strings.Join(placeholders, ", ") + `)`
	if _, err := tx.ExecContext(ctx, query, ids...); err != nil {
		return nil, fmt.Errorf("deleting old agent sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing agent session cleanup: %w", err)
	}

	s.logger.Info("deleted old agent sessions", "count", len(sessions), "cutoff", cutoff)
	return sessions, nil
}

const agentSessionSelect = `
	SELECT id, status, prompt, cwd, model, pid, timeout_secs,
	       created_at, started_at, completed_at, exit_code, error, result, output_path, callback_url
	FROM agent_sessions
`

// scanAgentSession scans an agent session from sql.Rows.
func scanAgentSession(rows *sql.Rows) (*AgentSession, error) {
	var sess AgentSession
	var status string
	var timeoutSecs int64
	var createdAt string
	var startedAt, completedAt sql.NullString
	var exitCode sql.NullInt64

	err := rows.Scan(
		&sess.ID,
		&status,
		&sess.Prompt,
		&sess.CWD,
		&sess.Model,
		&sess.PID,
		&timeoutSecs,
		&createdAt,
		&startedAt,
		&completedAt,
		&exitCode,
		&sess.Error,
		&sess.Result,
		&sess.OutputPath,
		&sess.CallbackURL,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning agent session: %w", err)
	}

	sess.Status = AgentSessionStatus(status)
	sess.Timeout = time.Duration(timeoutSecs) * time.Second

	sess.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	sess.StartedAt, err = scanNullTime(startedAt)
	if err != nil {
		return nil, err
	}
	sess.CompletedAt, err = scanNullTime(completedAt)
	if err != nil {
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		sess.ExitCode = &code
	}

	return &sess, nil
}
