// ABOUTME: Tests for the TOML accounts snapshot loader
// ABOUTME: Merging preserves unset fields and tolerates a missing file

package accounts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const snapshotTOML = `
[[accounts]]
id = "personal"
email = "me@example.com"
usage_percent = 42.5
seven_day_percent = 30.0
reset_time = "2026-03-02T00:00:00Z"

[[accounts]]
id = "work"
notes = "shared with the team"
usage_percent = 80.0
seven_day_percent = 75.0
first_token_date = "2026-02-20T00:00:00Z"
`

func TestLoadSnapshot(t *testing.T) {
	s, sel, _ := setupSelector(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "accounts.toml")
	require.NoError(t, os.WriteFile(path, []byte(snapshotTOML), 0o600))

	merged, err := sel.LoadSnapshot(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, merged)

	personal, err := s.GetAccount(ctx, "personal")
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", personal.Email)
	assert.Equal(t, 42.5, personal.UsagePercent)
	require.NotNil(t, personal.ResetTime)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), personal.ResetTime.UTC())

	work, err := s.GetAccount(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, "shared with the team", work.Notes)
	require.NotNil(t, work.FirstTokenDate)
	assert.Nil(t, work.ResetTime)
}

func TestLoadSnapshot_MissingFileIsEmpty(t *testing.T) {
	_, sel, _ := setupSelector(t)

	merged, err := sel.LoadSnapshot(context.Background(), filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, 0, merged)
}

func TestLoadSnapshot_RejectsMalformed(t *testing.T) {
	_, sel, _ := setupSelector(t)

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[accounts]\nid="), 0o600))

	_, err := sel.LoadSnapshot(context.Background(), path)
	assert.Error(t, err)
}

func TestLoadSnapshot_SkipsEntriesWithoutID(t *testing.T) {
	s, sel, _ := setupSelector(t)

	path := filepath.Join(t.TempDir(), "accounts.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[accounts]]
email = "anonymous@example.com"

[[accounts]]
id = "named"
usage_percent = 5.0
`), 0o600))

	merged, err := sel.LoadSnapshot(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, merged)

	accts, err := s.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accts, 1)
	assert.Equal(t, "named", accts[0].ID)
}
