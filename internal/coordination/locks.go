// ABOUTME: Lock Manager service deciding whether sessions may hold resource locks
// ABOUTME: Thin policy layer over the store's transactional lock table

package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/switchboard/internal/store"
)

// AcquireResult is the structured outcome of a lock request. Denial carries
// the blocking session so callers can decide to wait, pick another resource,
// or abort.
type AcquireResult struct {
	Allowed           bool
	BlockingSessionID string
	BlockingMode      store.LockMode
	Reason            string
}

// LockManager grants and releases named resource locks across sessions.
// It never waits: every call returns an immediate allow/deny.
type LockManager struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLockManager creates a lock manager over the given store.
func NewLockManager(s store.Store, logger *slog.Logger) *LockManager {
	return &LockManager{
		store:  s,
		logger: logger.With("component", "locks"),
		now:    time.Now,
	}
}

// SetNow overrides the manager's clock. Intended for tests.
func (m *LockManager) SetNow(now func() time.Time) {
	m.now = now
}

// Acquire attempts to take a lock. Re-acquisition by the holding session
// upgrades or downgrades the mode in place.
func (m *LockManager) Acquire(ctx context.Context, sessionID string, lockType store.LockType, target string, mode store.LockMode) (*AcquireResult, error) {
	if err := validateLockRequest(sessionID, lockType, target, mode); err != nil {
		return nil, err
	}

	conflict, err := m.store.AcquireLock(ctx, sessionID, lockType, target, mode, m.now())
	if err != nil {
		return nil, err
	}
	if conflict != nil {
		return &AcquireResult{
			Allowed:           false,
			BlockingSessionID: conflict.SessionID,
			BlockingMode:      conflict.Mode,
			Reason:            conflictReason(conflict),
		}, nil
	}

	return &AcquireResult{Allowed: true}, nil
}

// Release drops one held lock. Releasing a non-held lock returns false.
func (m *LockManager) Release(ctx context.Context, sessionID string, lockType store.LockType, target string) (bool, error) {
	if !store.ValidLockType(lockType) {
		return false, fmt.Errorf("invalid lock type %q", lockType)
	}
	return m.store.ReleaseLock(ctx, sessionID, lockType, target)
}

// ReleaseAll drops every lock a session holds and returns the count.
func (m *LockManager) ReleaseAll(ctx context.Context, sessionID string) (int64, error) {
	count, err := m.store.ReleaseAllLocks(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.logger.Debug("released all session locks", "session_id", sessionID, "count", count)
	}
	return count, nil
}

// CheckConflict reports the lock that would block the request without
// changing any lock state.
func (m *LockManager) CheckConflict(ctx context.Context, sessionID string, lockType store.LockType, target string, mode store.LockMode) (*store.Lock, error) {
	if err := validateLockRequest(sessionID, lockType, target, mode); err != nil {
		return nil, err
	}
	return m.store.FindConflictingLock(ctx, sessionID, lockType, target, mode)
}

// ListForSession returns every lock the session currently holds.
func (m *LockManager) ListForSession(ctx context.Context, sessionID string) ([]*store.Lock, error) {
	return m.store.ListLocksBySession(ctx, sessionID)
}

func validateLockRequest(sessionID string, lockType store.LockType, target string, mode store.LockMode) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if target == "" {
		return fmt.Errorf("lock target is required")
	}
	if !store.ValidLockType(lockType) {
		return fmt.Errorf("invalid lock type %q", lockType)
	}
	if !store.ValidLockMode(mode) {
		return fmt.Errorf("invalid lock mode %q", mode)
	}
	return nil
}

func conflictReason(lock *store.Lock) string {
	return fmt.Sprintf("%s %q is locked %s by session %s", lock.LockType, lock.Target, lock.Mode, lock.SessionID)
}
