// Package ratelimit provides per-service admission control.
//
// Three policies exist: none (always allow), rpm (lazy token bucket), and
// concurrency (in-flight slot count). The bucket refill is computed at check
// time from wall-clock deltas; there is no background ticker, so behavior
// under a controlled clock is fully deterministic. Budgets live in the
// durable store and survive restarts.
package ratelimit
