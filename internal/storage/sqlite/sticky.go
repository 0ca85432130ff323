package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sticky is the durable sticky-session backend: one row per key with
// UPSERT semantics, selected via STICKY_SESSIONS_BACKEND=db. It shares
// the Store's connection pools so sticky rows cascade with account
// deletes.
type Sticky struct {
	s *Store
}

// Sticky returns the sticky-session view of the store.
func (s *Store) Sticky() *Sticky { return &Sticky{s: s} }

func (st *Sticky) Get(ctx context.Context, key string) (string, bool, error) {
	var accountID string
	err := st.s.read.QueryRowContext(ctx,
		`SELECT account_id FROM sticky_sessions WHERE key = ?`, key,
	).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sticky get: %w", err)
	}
	return accountID, true, nil
}

func (st *Sticky) Upsert(ctx context.Context, key, accountID string) error {
	_, err := st.s.write.ExecContext(ctx, `
		INSERT INTO sticky_sessions (key, account_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			account_id = excluded.account_id,
			updated_at = excluded.updated_at`,
		key, accountID, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("sticky upsert: %w", err)
	}
	return nil
}

func (st *Sticky) Delete(ctx context.Context, key string) error {
	if _, err := st.s.write.ExecContext(ctx,
		`DELETE FROM sticky_sessions WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sticky delete: %w", err)
	}
	return nil
}

func (st *Sticky) DeleteByAccount(ctx context.Context, accountID string) error {
	if _, err := st.s.write.ExecContext(ctx,
		`DELETE FROM sticky_sessions WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("sticky delete by account: %w", err)
	}
	return nil
}

func (st *Sticky) CountByAccount(ctx context.Context) (map[string]int, error) {
	rows, err := st.s.read.QueryContext(ctx,
		`SELECT account_id, COUNT(*) FROM sticky_sessions GROUP BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("sticky count by account: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan sticky count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
