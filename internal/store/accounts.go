// ABOUTME: Account usage rows read by the account selector
// ABOUTME: Snapshots are written by external usage sync and patched via upsert

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetAccount retrieves an account snapshot by id, or ErrNotFound.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	query := accountSelect + ` WHERE id = ?`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying account: %w", err)
		}
		return nil, ErrNotFound
	}

	return scanAccount(rows)
}

// ListAccounts returns all account snapshots ordered by id.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, accountSelect+` ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []*Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating account rows: %w", err)
	}

	return accounts, nil
}

// UpsertAccount creates or patches an account snapshot. Nil patch fields are
// left unchanged; last_updated is always bumped.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, id string, patch AccountPatch, now time.Time) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	acc := &Account{ID: id}
	rows, err := tx.QueryContext(ctx, accountSelect+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("querying account: %w", err)
	}
	if rows.Next() {
		acc, err = scanAccount(rows)
		if err != nil {
			_ = rows.Close()
			return err
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("querying account: %w", err)
	}
	_ = rows.Close()

	if patch.UsagePercent != nil {
		acc.UsagePercent = *patch.UsagePercent
	}
	if patch.SevenDayPercent != nil {
		acc.SevenDayPercent = *patch.SevenDayPercent
	}
	if patch.ResetTime != nil {
		acc.ResetTime = patch.ResetTime
	}
	if patch.FirstTokenDate != nil {
		acc.FirstTokenDate = patch.FirstTokenDate
	}
	if patch.Email != nil {
		acc.Email = *patch.Email
	}
	if patch.Notes != nil {
		acc.Notes = *patch.Notes
	}
	acc.LastUpdated = now

	query := `
		INSERT INTO accounts (id, usage_percent, seven_day_percent, reset_time, first_token_date, last_updated, email, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			usage_percent = excluded.usage_percent,
			seven_day_percent = excluded.seven_day_percent,
			reset_time = excluded.reset_time,
			first_token_date = excluded.first_token_date,
			last_updated = excluded.last_updated,
			email = excluded.email,
			notes = excluded.notes
	`

	_, err = tx.ExecContext(ctx, query,
		acc.ID,
		acc.UsagePercent,
		acc.SevenDayPercent,
		nullTime(acc.ResetTime),
		nullTime(acc.FirstTokenDate),
		formatTime(acc.LastUpdated),
		acc.Email,
		acc.Notes,
	)
	if err != nil {
		return fmt.Errorf("upserting account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing account upsert: %w", err)
	}

	s.logger.Debug("upserted account", "id", id)
	return nil
}

const accountSelect = `
	SELECT id, usage_percent, seven_day_percent, reset_time, first_token_date, last_updated, email, notes
	FROM accounts
`

// scanAccount scans an account from sql.Rows.
func scanAccount(rows *sql.Rows) (*Account, error) {
	var acc Account
	var resetTime, firstToken sql.NullString
	var lastUpdated string

	err := rows.Scan(
		&acc.ID,
		&acc.UsagePercent,
		&acc.SevenDayPercent,
		&resetTime,
		&firstToken,
		&lastUpdated,
		&acc.Email,
		&acc.Notes,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning account: %w", err)
	}

	acc.ResetTime, err = scanNullTime(resetTime)
	if err != nil {
		return nil, err
	}
	acc.FirstTokenDate, err = scanNullTime(firstToken)
	if err != nil {
		return nil, err
	}
	acc.LastUpdated, err = parseTime(lastUpdated)
	if err != nil {
		return nil, err
	}

	return &acc, nil
}
