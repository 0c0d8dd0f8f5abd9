// ABOUTME: Shared test helpers and coordination session store tests
// ABOUTME: Covers CRUD, filtering, ordering, and stale session sweeping

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func createTestSession(t *testing.T, store *SQLiteStore, id string, lastActivity time.Time) {
	t.Helper()
	sess := &Session{
		ID:             id,
		User:           "dev",
		Project:        "switchboard",
		CWD:            "/home/dev/switchboard",
		Branch:         "main",
		ClientID:       "client-" + id,
		LastActivityAt: lastActivity,
	}
	require.NoError(t, store.CreateSession(context.Background(), sess))
}

func TestFormatTime_LexicographicOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := base.Add(500 * time.Millisecond)

	// Stored strings must sort the way the timestamps do, including within
	// a shared second, since SQL compares them lexicographically.
	assert.Less(t, formatTime(base), formatTime(later))
	assert.Less(t, formatTime(later), formatTime(base.Add(time.Second)))

	parsed, err := parseTime(formatTime(later))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(later))
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	sess := &Session{
		ID:               "sess-001",
		User:             "dev",
		Project:          "switchboard",
		CWD:              "/home/dev/switchboard",
		Branch:           "feature/locks",
		ClientID:         "client-a",
		CurrentOperation: "Edit",
		FilesEditing:     []string{"a.txt", "b.txt"},
		LastActivityAt:   now,
	}
	require.NoError(t, store.CreateSession(ctx, sess))

	got, err := store.GetSession(ctx, "sess-001")
	require.NoError(t, err)
	assert.Equal(t, "sess-001", got.ID)
	assert.Equal(t, "dev", got.User)
	assert.Equal(t, "feature/locks", got.Branch)
	assert.Equal(t, []string{"a.txt", "b.txt"}, got.FilesEditing)
	assert.True(t, got.LastActivityAt.Equal(now))
}

func TestSessionStore_Create_Duplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestSession(t, store, "sess-001", time.Now().UTC())

	err := store.CreateSession(ctx, &Session{ID: "sess-001", User: "dev", LastActivityAt: time.Now().UTC()})
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestSessionStore_Get_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionStore_List_OrderedAndFiltered(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	createTestSession(t, store, "old", base.Add(-2*time.Hour))
	createTestSession(t, store, "mid", base.Add(-1*time.Hour))
	createTestSession(t, store, "new", base)

	sessions, err := store.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, "new", sessions[0].ID)
	assert.Equal(t, "mid", sessions[1].ID)
	assert.Equal(t, "old", sessions[2].ID)

	clientID := "client-mid"
	filtered, err := store.ListSessions(ctx, SessionFilter{ClientID: &clientID})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "mid", filtered[0].ID)

	project := "nothing"
	empty, err := store.ListSessions(ctx, SessionFilter{Project: &project})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSessionStore_Update(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	createTestSession(t, store, "sess-001", created)

	op := "Write"
	files := []string{"c.txt"}
	now := time.Now().UTC().Truncate(time.Second)
	ok, err := store.UpdateSession(ctx, "sess-001", SessionPatch{
		CurrentOperation: &op,
		FilesEditing:     &files,
	}, now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetSession(ctx, "sess-001")
	require.NoError(t, err)
	assert.Equal(t, "Write", got.CurrentOperation)
	assert.Equal(t, []string{"c.txt"}, got.FilesEditing)
	assert.True(t, got.LastActivityAt.Equal(now))

	ok, err = store.UpdateSession(ctx, "missing", SessionPatch{CurrentOperation: &op}, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionStore_Delete_CascadesLocks(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestSession(t, store, "sess-001", time.Now().UTC())

	conflict, err := store.AcquireLock(ctx, "sess-001", LockTypeFile, "a.txt", LockModeExclusive, time.Now().UTC())
	require.NoError(t, err)
	require.Nil(t, conflict)

	ok, err := store.DeleteSession(ctx, "sess-001")
	require.NoError(t, err)
	assert.True(t, ok)

	locks, err := store.ListLocksBySession(ctx, "sess-001")
	require.NoError(t, err)
	assert.Empty(t, locks)

	// Deleting again is a no-op
	ok, err = store.DeleteSession(ctx, "sess-001")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionStore_DeleteStale(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	createTestSession(t, store, "stale", now.Add(-2*time.Hour))
	createTestSession(t, store, "fresh", now)

	count, err := store.DeleteStaleSessions(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = store.GetSession(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetSession(ctx, "fresh")
	assert.NoError(t, err)
}
