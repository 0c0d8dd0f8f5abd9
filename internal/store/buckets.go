// ABOUTME: Durable rate-limit budgets: token buckets and in-flight slot counts
// ABOUTME: Every read-modify-write runs inside a single transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

// TakeToken refills the service's token bucket from the elapsed wall-clock
// time, then consumes one token if available. The refill is computed lazily
// from (now, last_refill, tokens) with no background timer, so behavior is
// deterministic under a caller-controlled clock.
//
// On denial, retryAfter is how long until one whole token accrues.
func (s *SQLiteStore) TakeToken(ctx context.Context, service string, ratePerMinute float64, now time.Time) (bool, float64, time.Duration, error) {
	if ratePerMinute <= 0 {
		return false, 0, 0, fmt.Errorf("rate must be positive, got %v", ratePerMinute)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return false, 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var tokens float64
	var lastRefillStr string
	err = tx.QueryRowContext(ctx,
		`SELECT tokens, last_refill FROM rate_buckets WHERE service = ?`,
		service,
	).Scan(&tokens, &lastRefillStr)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First sighting of this service: bucket starts full.
		tokens = ratePerMinute
	case err != nil:
		return false, 0, 0, fmt.Errorf("querying bucket: %w", err)
	default:
		lastRefill, perr := parseTime(lastRefillStr)
		if perr != nil {
			return false, 0, 0, perr
		}
		tokens = refillTokens(tokens, lastRefill, now, ratePerMinute)
	}

	allowed := tokens >= 1
	var retryAfter time.Duration
	if allowed {
		tokens--
	} else {
		retryAfter = retryAfterForToken(tokens, ratePerMinute)
	}

	query := `
		INSERT INTO rate_buckets (service, tokens, last_refill, rate_per_minute)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (service) DO UPDATE SET
			tokens = excluded.tokens,
			last_refill = excluded.last_refill,
			rate_per_minute = excluded.rate_per_minute
	`
	if _, err := tx.ExecContext(ctx, query, service, tokens, formatTime(now), ratePerMinute); err != nil {
		return false, 0, 0, fmt.Errorf("updating bucket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, 0, fmt.Errorf("committing token take: %w", err)
	}

	return allowed, tokens, retryAfter, nil
}

// refillTokens is the pure bucket refill: elapsed milliseconds accrue
// rate/60000 tokens each, capped at capacity. Negative elapsed time (clock
// skew) accrues nothing.
func refillTokens(tokens float64, lastRefill, now time.Time, ratePerMinute float64) float64 {
	elapsedMs := float64(now.Sub(lastRefill)) / float64(time.Millisecond)
	if elapsedMs <= 0 {
		return tokens
	}
	return math.Min(ratePerMinute, tokens+elapsedMs*ratePerMinute/60000)
}

// retryAfterForToken is how long until the bucket holds one whole token.
func retryAfterForToken(tokens, ratePerMinute float64) time.Duration {
	ms := math.Ceil((1 - tokens) * 60000 / ratePerMinute)
	return time.Duration(ms) * time.Millisecond
}

// AcquireSlot takes one in-flight slot for the service under the given
// limit. On success, remaining is the number of slots still free; when the
// service is saturated the request is denied with remaining 0.
func (s *SQLiteStore) AcquireSlot(ctx context.Context, service string, limit int) (bool, int, error) {
	if limit <= 0 {
		return false, 0, fmt.Errorf("limit must be positive, got %d", limit)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return false, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var inflight int
	err = tx.QueryRowContext(ctx,
		`SELECT inflight FROM rate_inflight WHERE service = ?`,
		service,
	).Scan(&inflight)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, 0, fmt.Errorf("querying inflight count: %w", err)
	}

	if inflight >= limit {
		return false, 0, nil
	}

	inflight++
	query := `
		INSERT INTO rate_inflight (service, inflight)
		VALUES (?, ?)
		ON CONFLICT (service) DO UPDATE SET inflight = excluded.inflight
	`
	if _, err := tx.ExecContext(ctx, query, service, inflight); err != nil {
		return false, 0, fmt.Errorf("updating inflight count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("committing slot acquire: %w", err)
	}

	return true, limit - inflight, nil
}

// ReleaseSlot returns one in-flight slot. Idempotent: releasing with nothing
// in flight never drives the count negative.
func (s *SQLiteStore) ReleaseSlot(ctx context.Context, service string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rate_inflight SET inflight = inflight - 1 WHERE service = ? AND inflight > 0`,
		service,
	)
	if err != nil {
		return fmt.Errorf("releasing slot: %w", err)
	}
	return nil
}
