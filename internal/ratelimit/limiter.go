// ABOUTME: Admission control policies over durable rate-limit budgets
// ABOUTME: Maps none/rpm/concurrency policies onto token buckets and slot counts

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

// PolicyKind selects the admission algorithm for a service.
type PolicyKind string

const (
	PolicyNone        PolicyKind = "none"
	PolicyRPM         PolicyKind = "rpm"
	PolicyConcurrency PolicyKind = "concurrency"
)

// Policy is an admission budget for one logical service.
type Policy struct {
	Kind  PolicyKind
	Limit int
}

// Validate checks the policy shape before any state is touched.
func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyNone:
		return nil
	case PolicyRPM, PolicyConcurrency:
		if p.Limit <= 0 {
			return fmt.Errorf("%s policy requires a positive limit, got %d", p.Kind, p.Limit)
		}
		return nil
	default:
		return fmt.Errorf("unknown policy kind %q", p.Kind)
	}
}

// ParsePolicy parses config-style policy strings: "none", "rpm:60",
// "concurrency:4".
func ParsePolicy(s string) (Policy, error) {
	if s == "" || s == string(PolicyNone) {
		return Policy{Kind: PolicyNone}, nil
	}

	kind, limitStr, found := strings.Cut(s, ":")
	if !found {
		return Policy{}, fmt.Errorf("invalid policy %q: expected kind:limit", s)
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return Policy{}, fmt.Errorf("invalid policy limit in %q: %w", s, err)
	}

	p := Policy{Kind: PolicyKind(kind), Limit: limit}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Decision is the structured result of one admission check. Denial is a
// first-class outcome, never an error: callers act on RetryAfter or back off.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// BudgetStore is the durable budget state the limiter mutates. Each method
// is a single atomic read-modify-write per service key.
type BudgetStore interface {
	TakeToken(ctx context.Context, service string, ratePerMinute float64, now time.Time) (allowed bool, remaining float64, retryAfter time.Duration, err error)
	AcquireSlot(ctx context.Context, service string, limit int) (allowed bool, remaining int, err error)
	ReleaseSlot(ctx context.Context, service string) error
}

// Limiter answers "may this unit of work proceed" for a service under a
// policy. It never waits; the clock is injectable for deterministic tests.
type Limiter struct {
	store  BudgetStore
	logger *slog.Logger
	now    func() time.Time
}

// NewLimiter creates a limiter over the given budget store.
func NewLimiter(store BudgetStore, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:  store,
		logger: logger.With("component", "ratelimit"),
		now:    time.Now,
	}
}

// SetNow overrides the limiter's clock. Intended for tests.
func (l *Limiter) SetNow(now func() time.Time) {
	l.now = now
}

// Admit checks whether one unit of work may proceed for the service.
func (l *Limiter) Admit(ctx context.Context, service string, policy Policy) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}

	switch policy.Kind {
	case PolicyNone:
		return Decision{Allowed: true, Remaining: math.Inf(1)}, nil

	case PolicyRPM:
		allowed, remaining, retryAfter, err := l.store.TakeToken(ctx, service, float64(policy.Limit), l.now())
		if err != nil {
			return Decision{}, fmt.Errorf("taking token for %s: %w", service, err)
		}
		if !allowed {
			l.logger.Debug("rate limited", "service", service, "retry_after", retryAfter)
		}
		return Decision{Allowed: allowed, Remaining: remaining, RetryAfter: retryAfter}, nil

	case PolicyConcurrency:
		allowed, remaining, err := l.store.AcquireSlot(ctx, service, policy.Limit)
		if err != nil {
			return Decision{}, fmt.Errorf("acquiring slot for %s: %w", service, err)
		}
		if !allowed {
			l.logger.Debug("concurrency exhausted", "service", service, "limit", policy.Limit)
		}
		return Decision{Allowed: allowed, Remaining: float64(remaining)}, nil
	}

	return Decision{}, fmt.Errorf("unknown policy kind %q", policy.Kind)
}

// Release returns one in-flight slot for a concurrency-governed service.
// Safe to call without a matching Admit; the count never goes negative.
func (l *Limiter) Release(ctx context.Context, service string) error {
	if err := l.store.ReleaseSlot(ctx, service); err != nil {
		return fmt.Errorf("releasing slot for %s: %w", service, err)
	}
	return nil
}
