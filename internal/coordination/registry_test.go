// ABOUTME: Tests for the session registry service
// ABOUTME: Covers duplicate handling, stale sweeping on create, and lock cascade

package coordination

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

func TestRegistry_CreateGeneratesID(t *testing.T) {
	_, _, registry, _ := setupCoordination(t)

	sess, err := registry.Create(context.Background(), CreateSessionInput{User: "alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "alice", sess.User)
}

func TestRegistry_CreateDuplicate(t *testing.T) {
	_, _, registry, _ := setupCoordination(t)
	ctx := context.Background()

	_, err := registry.Create(ctx, CreateSessionInput{ID: "s1", User: "alice"})
	require.NoError(t, err)

	_, err = registry.Create(ctx, CreateSessionInput{ID: "s1", User: "alice"})
	assert.ErrorIs(t, err, store.ErrDuplicateSession)
}

func TestRegistry_CreateRequiresUser(t *testing.T) {
	_, _, registry, _ := setupCoordination(t)

	_, err := registry.Create(context.Background(), CreateSessionInput{ID: "s1"})
	assert.Error(t, err)
}

func TestRegistry_CreateSweepsStale(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	registry := NewRegistry(s, time.Hour, slog.Default())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	registry.SetNow(func() time.Time { return clock })

	_, err = registry.Create(context.Background(), CreateSessionInput{ID: "old", User: "alice"})
	require.NoError(t, err)

	// Two hours later a new registration sweeps the abandoned session
	clock = base.Add(2 * time.Hour)
	_, err = registry.Create(context.Background(), CreateSessionInput{ID: "new", User: "bob"})
	require.NoError(t, err)

	_, err = registry.Get(context.Background(), "old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = registry.Get(context.Background(), "new")
	assert.NoError(t, err)
}

func TestRegistry_UpdateAndDelete(t *testing.T) {
	_, locks, registry, _ := setupCoordination(t)
	ctx := context.Background()

	registerSession(t, registry, "s1", "alice", "client-1")

	op := "Edit"
	ok, err := registry.Update(ctx, "s1", store.SessionPatch{CurrentOperation: &op})
	require.NoError(t, err)
	assert.True(t, ok)

	sess, err := registry.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Edit", sess.CurrentOperation)

	// Held locks go away with the session
	res, err := locks.Acquire(ctx, "s1", store.LockTypeFile, "a.txt", store.LockModeExclusive)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	deleted, err := registry.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, deleted)

	held, err := locks.ListForSession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, held)

	ok, err = registry.Update(ctx, "s1", store.SessionPatch{CurrentOperation: &op})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_CleanupStaleValidation(t *testing.T) {
	_, _, registry, _ := setupCoordination(t)

	_, err := registry.CleanupStale(context.Background(), 0)
	assert.Error(t, err)
}
