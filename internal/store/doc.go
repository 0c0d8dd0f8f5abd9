// Package store provides persistent storage for switchboard using SQLite.
//
// All coordination state lives here: sessions, locks, rate-limit budgets,
// agent sessions, and account snapshots. The store is the transaction
// boundary for every check-then-mutate sequence the control plane performs;
// lock acquisition and bucket updates run as single transactions so that
// concurrent callers can never both observe "no conflict" on the same
// target or over-draw the same budget.
//
// SQLite runs in WAL mode with foreign keys enabled; lock rows cascade with
// their owning session. Timestamps are stored as RFC3339 UTC strings.
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateSession: session id already registered
//
// All methods accept context.Context for cancellation support.
package store
