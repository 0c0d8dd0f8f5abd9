// ABOUTME: Tests for account snapshot persistence
// ABOUTME: Covers upsert patching semantics and optional timestamps

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountStore_UpsertAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	usage := 42.5
	reset := now.Add(12 * time.Hour)
	email := "a@example.org"
	err := store.UpsertAccount(ctx, "acct-a", AccountPatch{
		UsagePercent: &usage,
		ResetTime:    &reset,
		Email:        &email,
	}, now)
	require.NoError(t, err)

	got, err := store.GetAccount(ctx, "acct-a")
	require.NoError(t, err)
	assert.Equal(t, 42.5, got.UsagePercent)
	require.NotNil(t, got.ResetTime)
	assert.True(t, got.ResetTime.Equal(reset))
	assert.Equal(t, "a@example.org", got.Email)
	assert.Nil(t, got.FirstTokenDate)
	assert.True(t, got.LastUpdated.Equal(now))
}

func TestAccountStore_PatchPreservesUnsetFields(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	usage := 80.0
	notes := "primary"
	require.NoError(t, store.UpsertAccount(ctx, "acct-a", AccountPatch{UsagePercent: &usage, Notes: &notes}, now))

	// Patching one field leaves the others alone
	newUsage := 90.0
	later := now.Add(time.Minute)
	require.NoError(t, store.UpsertAccount(ctx, "acct-a", AccountPatch{UsagePercent: &newUsage}, later))

	got, err := store.GetAccount(ctx, "acct-a")
	require.NoError(t, err)
	assert.Equal(t, 90.0, got.UsagePercent)
	assert.Equal(t, "primary", got.Notes)
	assert.True(t, got.LastUpdated.Equal(later))
}

func TestAccountStore_GetNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetAccount(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAccountStore_List(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, store.UpsertAccount(ctx, id, AccountPatch{}, now))
	}

	accounts, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 3)
	assert.Equal(t, "a", accounts[0].ID)
	assert.Equal(t, "b", accounts[1].ID)
	assert.Equal(t, "c", accounts[2].ID)
}
