// ABOUTME: TOML snapshot loader for account usage data
// ABOUTME: Merges externally maintained usage snapshots into the store

package accounts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/2389/switchboard/internal/store"
)

// fileSchema is the on-disk layout of the accounts snapshot file. Usage
// numbers are maintained by an external process; this side only reads.
type fileSchema struct {
	Accounts []accountSchema `toml:"accounts"`
}

type accountSchema struct {
	ID              string  `toml:"id"`
	Email           string  `toml:"email"`
	Notes           string  `toml:"notes"`
	UsagePercent    float64 `toml:"usage_percent"`
	SevenDayPercent float64 `toml:"seven_day_percent"`
	ResetTime       string  `toml:"reset_time"`
	FirstTokenDate  string  `toml:"first_token_date"`
}

// LoadSnapshot reads the accounts file at path and upserts every entry into
// the store. A missing file is not an error; it means no accounts are
// configured yet. Returns the number of accounts merged.
func (s *Selector) LoadSnapshot(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Debug("accounts snapshot missing", "path", path)
			return 0, nil
		}
		return 0, fmt.Errorf("reading accounts snapshot %s: %w", path, err)
	}

	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("decoding accounts snapshot %s: %w", path, err)
	}

	now := s.now()
	merged := 0
	for _, entry := range file.Accounts {
		if entry.ID == "" {
			s.logger.Warn("skipping account entry without id", "path", path)
			continue
		}

		patch := store.AccountPatch{
			UsagePercent:    &entry.UsagePercent,
			SevenDayPercent: &entry.SevenDayPercent,
			Email:           &entry.Email,
			Notes:           &entry.Notes,
		}
		if t, ok := parseSnapshotTime(entry.ResetTime); ok {
			patch.ResetTime = &t
		}
		if t, ok := parseSnapshotTime(entry.FirstTokenDate); ok {
			patch.FirstTokenDate = &t
		}

		if err := s.store.UpsertAccount(ctx, entry.ID, patch, now); err != nil {
			return merged, fmt.Errorf("upserting account %s: %w", entry.ID, err)
		}
		merged++
	}

	s.logger.Info("accounts snapshot loaded", "path", path, "accounts", merged)
	return merged, nil
}

func parseSnapshotTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
