// ABOUTME: Quota-aware account selection across multiple upstream credentials
// ABOUTME: Urgency ranks accounts by remaining budget against time to reset

package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/switchboard/internal/store"
)

// DefaultResetPeriod is the rolling usage window when an account reports no
// explicit reset time.
const DefaultResetPeriod = 7 * 24 * time.Hour

// minHoursUntilReset floors the urgency denominator for imminent but still
// future resets so the division stays bounded.
const minHoursUntilReset = 1.0 / 60.0

// Selection is the outcome of picking an account for the next request.
type Selection struct {
	Account   *store.Account
	Urgency   float64
	Exhausted bool
	Reason    string
}

// AccountStatus pairs an account with its computed scheduling state.
type AccountStatus struct {
	Account   *store.Account
	Urgency   float64
	ResetAt   time.Time
	Exhausted bool
}

// Selector picks which account should serve the next request. Urgency is
// remaining budget divided by hours until reset: budget that is about to
// refresh anyway should be spent first.
type Selector struct {
	store       store.Store
	logger      *slog.Logger
	resetPeriod time.Duration
	now         func() time.Time
}

// NewSelector creates a selector. A zero resetPeriod uses DefaultResetPeriod.
func NewSelector(s store.Store, resetPeriod time.Duration, logger *slog.Logger) *Selector {
	if resetPeriod <= 0 {
		resetPeriod = DefaultResetPeriod
	}
	return &Selector{
		store:       s,
		logger:      logger.With("component", "accounts"),
		resetPeriod: resetPeriod,
		now:         time.Now,
	}
}

// SetNow overrides the clock. Intended for tests.
func (s *Selector) SetNow(now func() time.Time) {
	s.now = now
}

// Select returns the account to use for the next request, or nil when no
// accounts are configured. When every account is exhausted it degrades to
// the one whose budget resets soonest rather than refusing outright.
func (s *Selector) Select(ctx context.Context) (*Selection, error) {
	statuses, err := s.Status(ctx)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, nil
	}

	for _, st := range statuses {
		// Qualifying needs both budget left and a reset still ahead. An
		// account whose reset boundary has already passed is stale data and
		// only serves as a degraded fallback.
		if st.Exhausted || st.Urgency <= 0 {
			continue
		}
		sel := &Selection{
			Account: st.Account,
			Urgency: st.Urgency,
			Reason: fmt.Sprintf("%.1f%% remaining, resets in %s",
				100-st.Account.UsagePercent, formatUntil(st.ResetAt, s.now())),
		}
		s.logger.Debug("account selected", "id", st.Account.ID, "urgency", st.Urgency)
		return sel, nil
	}

	// Degraded mode: everything is out of budget, surface the account that
	// recovers first so callers can still queue work against it.
	soonest := statuses[0]
	for _, st := range statuses[1:] {
		if st.ResetAt.Before(soonest.ResetAt) {
			soonest = st
		}
	}
	s.logger.Warn("all accounts exhausted", "fallback", soonest.Account.ID, "resets_at", soonest.ResetAt)
	return &Selection{
		Account:   soonest.Account,
		Urgency:   soonest.Urgency,
		Exhausted: true,
		Reason:    fmt.Sprintf("all accounts exhausted, soonest reset in %s", formatUntil(soonest.ResetAt, s.now())),
	}, nil
}

// Get retrieves one account by id.
func (s *Selector) Get(ctx context.Context, id string) (*store.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// Update applies a partial usage update to an account, creating it if it
// does not exist yet.
func (s *Selector) Update(ctx context.Context, id string, patch store.AccountPatch) error {
	return s.store.UpsertAccount(ctx, id, patch, s.now().UTC())
}

// Status computes the scheduling state of every account, ordered by
// descending urgency. Ties break toward lower seven-day usage, then id.
func (s *Selector) Status(ctx context.Context) ([]*AccountStatus, error) {
	accts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	statuses := make([]*AccountStatus, 0, len(accts))
	for _, acct := range accts {
		resetAt := s.effectiveReset(acct, now)
		statuses = append(statuses, &AccountStatus{
			Account:   acct,
			Urgency:   urgency(acct, resetAt, now),
			ResetAt:   resetAt,
			Exhausted: acct.UsagePercent >= 100,
		})
	}

	sort.Slice(statuses, func(i, j int) bool {
		a, b := statuses[i], statuses[j]
		if a.Urgency != b.Urgency {
			return a.Urgency > b.Urgency
		}
		if a.Account.SevenDayPercent != b.Account.SevenDayPercent {
			return a.Account.SevenDayPercent < b.Account.SevenDayPercent
		}
		return a.Account.ID < b.Account.ID
	})

	return statuses, nil
}

// AllExhausted reports whether no account has budget left.
func AllExhausted(statuses []*AccountStatus) bool {
	if len(statuses) == 0 {
		return false
	}
	for _, st := range statuses {
		if !st.Exhausted {
			return false
		}
	}
	return true
}

// effectiveReset resolves when an account's budget refreshes. An explicit
// reset time wins; otherwise the next period boundary is derived from the
// first token date. With neither, assume a full period from now.
func (s *Selector) effectiveReset(acct *store.Account, now time.Time) time.Time {
	if acct.ResetTime != nil && !acct.ResetTime.IsZero() {
		return *acct.ResetTime
	}
	if acct.FirstTokenDate != nil && !acct.FirstTokenDate.IsZero() {
		return NextReset(*acct.FirstTokenDate, now, s.resetPeriod)
	}
	return now.Add(s.resetPeriod)
}

// urgency scores how aggressively an account's remaining budget should be
// spent: remaining percent divided by hours until it refreshes. An account
// with no budget left, or whose reset boundary is already behind now,
// scores zero.
func urgency(acct *store.Account, resetAt, now time.Time) float64 {
	remaining := 100 - acct.UsagePercent
	if remaining <= 0 {
		return 0
	}

	hours := resetAt.Sub(now).Hours()
	if hours <= 0 {
		return 0
	}
	if hours < minHoursUntilReset {
		hours = minHoursUntilReset
	}
	return remaining / hours
}

// NextReset returns the first period boundary strictly after now, anchored
// at the first token date. The boundary is recomputed each call rather
// than stored, so drifting anchors self-correct.
func NextReset(firstToken, now time.Time, period time.Duration) time.Time {
	if period <= 0 {
		period = DefaultResetPeriod
	}
	if !firstToken.Before(now) {
		return firstToken
	}

	elapsed := int64(now.Sub(firstToken) / period)
	return firstToken.Add(time.Duration(elapsed+1) * period)
}

func formatUntil(at, now time.Time) string {
	return at.Sub(now).Round(time.Minute).String()
}
