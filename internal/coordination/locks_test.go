// ABOUTME: Tests for the lock manager service
// ABOUTME: Covers allow/deny results, validation, and idempotent release

package coordination

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

func setupCoordination(t *testing.T) (*store.SQLiteStore, *LockManager, *Registry, *Rules) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := slog.Default()
	locks := NewLockManager(s, logger)
	registry := NewRegistry(s, 0, logger)
	rules := NewRules(locks, registry, logger)
	return s, locks, registry, rules
}

func registerSession(t *testing.T, registry *Registry, id, user, clientID string) {
	t.Helper()
	_, err := registry.Create(context.Background(), CreateSessionInput{
		ID:       id,
		User:     user,
		ClientID: clientID,
	})
	require.NoError(t, err)
}

func TestLockManager_AcquireDenyRetry(t *testing.T) {
	_, locks, registry, _ := setupCoordination(t)
	ctx := context.Background()

	registerSession(t, registry, "s1", "alice", "client-1")
	registerSession(t, registry, "s2", "bob", "client-2")

	// S1 arrives first and is granted
	res, err := locks.Acquire(ctx, "s1", store.LockTypeFile, "a.txt", store.LockModeExclusive)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// S2's request is denied with S1 identified
	res, err = locks.Acquire(ctx, "s2", store.LockTypeFile, "a.txt", store.LockModeExclusive)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "s1", res.BlockingSessionID)
	assert.Contains(t, res.Reason, "a.txt")

	// S1 releases; S2's retry is granted
	released, err := locks.Release(ctx, "s1", store.LockTypeFile, "a.txt")
	require.NoError(t, err)
	assert.True(t, released)

	res, err = locks.Acquire(ctx, "s2", store.LockTypeFile, "a.txt", store.LockModeExclusive)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLockManager_Validation(t *testing.T) {
	_, locks, _, _ := setupCoordination(t)
	ctx := context.Background()

	_, err := locks.Acquire(ctx, "", store.LockTypeFile, "a.txt", store.LockModeShared)
	assert.Error(t, err)

	_, err = locks.Acquire(ctx, "s1", "mutex", "a.txt", store.LockModeShared)
	assert.Error(t, err)

	_, err = locks.Acquire(ctx, "s1", store.LockTypeFile, "", store.LockModeShared)
	assert.Error(t, err)

	_, err = locks.Acquire(ctx, "s1", store.LockTypeFile, "a.txt", "upgrade")
	assert.Error(t, err)
}

func TestLockManager_ReleaseAllAndList(t *testing.T) {
	_, locks, registry, _ := setupCoordination(t)
	ctx := context.Background()

	registerSession(t, registry, "s1", "alice", "client-1")

	for _, target := range []string{"a.txt", "b.txt"} {
		res, err := locks.Acquire(ctx, "s1", store.LockTypeFile, target, store.LockModeExclusive)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	held, err := locks.ListForSession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, held, 2)

	count, err := locks.ReleaseAll(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Idempotent second pass
	count, err = locks.ReleaseAll(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
