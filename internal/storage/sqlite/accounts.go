package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/codexlb/codexlb/internal/codexlb"
)

const accountColumns = `account_id, chatgpt_account_id, email, plan_type,
	access_token_enc, refresh_token_enc, id_token_enc, last_refresh,
	status, status_reset_at, deactivation_reason`

// List returns all accounts ordered by email.
func (s *Store) List(ctx context.Context) ([]codexlb.Account, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []codexlb.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Upsert inserts or updates an account by id. When the id is new but the
// email already exists, the token/status/last_refresh fields are merged
// onto the existing row instead of violating the unique email constraint.
func (s *Store) Upsert(ctx context.Context, a codexlb.Account) error {
	if a.Status == "" {
		a.Status = codexlb.StatusActive
	}
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			chatgpt_account_id = excluded.chatgpt_account_id,
			email = excluded.email,
			plan_type = excluded.plan_type,
			access_token_enc = excluded.access_token_enc,
			refresh_token_enc = excluded.refresh_token_enc,
			id_token_enc = excluded.id_token_enc,
			last_refresh = excluded.last_refresh,
			status = excluded.status,
			status_reset_at = excluded.status_reset_at,
			deactivation_reason = excluded.deactivation_reason
		ON CONFLICT(email) DO UPDATE SET
			chatgpt_account_id = excluded.chatgpt_account_id,
			plan_type = excluded.plan_type,
			access_token_enc = excluded.access_token_enc,
			refresh_token_enc = excluded.refresh_token_enc,
			id_token_enc = excluded.id_token_enc,
			last_refresh = excluded.last_refresh,
			status = excluded.status,
			status_reset_at = excluded.status_reset_at,
			deactivation_reason = excluded.deactivation_reason`,
		a.AccountID, a.ChatGPTAccountID, a.Email, string(a.PlanType),
		a.AccessTokenEnc, a.RefreshTokenEnc, a.IDTokenEnc, formatTime(a.LastRefresh),
		string(a.Status), epoch(a.StatusResetAt), a.DeactivationReason,
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// UpdateStatus atomically transitions an account's status. Transitioning
// back to ACTIVE clears deactivation_reason regardless of the reason
// argument.
func (s *Store) UpdateStatus(ctx context.Context, id string, status codexlb.AccountStatus, resetAt time.Time, reason string) error {
	if status == codexlb.StatusActive {
		reason = ""
	}
	res, err := s.write.ExecContext(ctx, `
		UPDATE accounts
		SET status = ?, status_reset_at = ?, deactivation_reason = ?
		WHERE account_id = ?`,
		string(status), epoch(resetAt), reason, id,
	)
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update account status %q: %w", id, codexlb.ErrNotFound)
	}
	return nil
}

// UpdateTokens persists a refreshed token set. Empty plan/email/
// chatgptAccountID arguments leave the stored value untouched.
func (s *Store) UpdateTokens(ctx context.Context, id, access, refresh, idToken string, lastRefresh time.Time, plan, email, chatgptAccountID string) error {
	res, err := s.write.ExecContext(ctx, `
		UPDATE accounts
		SET access_token_enc = ?,
		    refresh_token_enc = ?,
		    id_token_enc = ?,
		    last_refresh = ?,
		    plan_type = CASE WHEN ? != '' THEN ? ELSE plan_type END,
		    email = CASE WHEN ? != '' THEN ? ELSE email END,
		    chatgpt_account_id = CASE WHEN ? != '' THEN ? ELSE chatgpt_account_id END
		WHERE account_id = ?`,
		access, refresh, idToken, formatTime(lastRefresh),
		plan, plan, email, email, chatgptAccountID, chatgptAccountID, id,
	)
	if err != nil {
		return fmt.Errorf("update account tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update account tokens %q: %w", id, codexlb.ErrNotFound)
	}
	return nil
}

// Delete removes an account. Usage rows, sticky rows, and request logs
// cascade via foreign keys.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM accounts WHERE account_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete account %q: %w", id, codexlb.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (codexlb.Account, error) {
	var (
		a           codexlb.Account
		plan        string
		status      string
		lastRefresh string
		resetAt     int64
	)
	err := row.Scan(
		&a.AccountID, &a.ChatGPTAccountID, &a.Email, &plan,
		&a.AccessTokenEnc, &a.RefreshTokenEnc, &a.IDTokenEnc, &lastRefresh,
		&status, &resetAt, &a.DeactivationReason,
	)
	if err != nil {
		return codexlb.Account{}, fmt.Errorf("scan account: %w", err)
	}
	a.PlanType = codexlb.PlanType(plan)
	a.Status = codexlb.AccountStatus(status)
	a.LastRefresh = parseTime(lastRefresh)
	a.StatusResetAt = fromEpoch(resetAt)
	return a, nil
}

// formatTime renders t as RFC3339 UTC; the zero time renders as "".
// Second precision keeps the strings lexicographically comparable; the
// id column breaks ties within a second.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// epoch renders t as epoch seconds; the zero time renders as 0.
func epoch(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromEpoch(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
