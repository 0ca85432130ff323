package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codexlb/codexlb/internal/codexlb"
)

// GetSettings reads the single settings row.
func (s *Store) GetSettings(ctx context.Context) (codexlb.Settings, error) {
	var (
		out    codexlb.Settings
		sticky int
		prefer int
		pinned string
	)
	err := s.read.QueryRowContext(ctx, `
		SELECT sticky_threads_enabled, prefer_earlier_reset_accounts, pinned_account_ids
		FROM settings WHERE id = 1`,
	).Scan(&sticky, &prefer, &pinned)
	if err != nil {
		return codexlb.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	out.StickyThreadsEnabled = sticky != 0
	out.PreferEarlierResetAccounts = prefer != 0
	if err := json.Unmarshal([]byte(pinned), &out.PinnedAccountIDs); err != nil {
		return codexlb.Settings{}, fmt.Errorf("parse pinned_account_ids: %w", err)
	}
	return out, nil
}

// UpdateSettings overwrites the single settings row. Pinned account ids
// are deduplicated preserving order before persisting.
func (s *Store) UpdateSettings(ctx context.Context, set codexlb.Settings) error {
	pinned, err := json.Marshal(dedupe(set.PinnedAccountIDs))
	if err != nil {
		return fmt.Errorf("encode pinned_account_ids: %w", err)
	}
	_, err = s.write.ExecContext(ctx, `
		UPDATE settings
		SET sticky_threads_enabled = ?,
		    prefer_earlier_reset_accounts = ?,
		    pinned_account_ids = ?
		WHERE id = 1`,
		boolToInt(set.StickyThreadsEnabled), boolToInt(set.PreferEarlierResetAccounts),
		string(pinned),
	)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
