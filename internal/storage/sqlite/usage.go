package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/codexlb/codexlb/internal/codexlb"
	"github.com/codexlb/codexlb/internal/storage"
)

// effectiveWindowExpr reclassifies legacy "primary" rows whose window is a
// day or longer as secondary, and maps the empty window to primary. Kept as
// a SQL fragment so every usage query applies the same rule.
const effectiveWindowExpr = `CASE
	WHEN "window" = 'primary' AND window_minutes >= 1440 THEN 'secondary'
	WHEN "window" = '' THEN 'primary'
	ELSE "window"
END`

const usageColumns = `id, account_id, recorded_at, "window", used_percent,
	reset_at, window_minutes, input_tokens, output_tokens,
	credit_has, credit_unlimited, credit_balance`

// AddEntry appends a usage snapshot. RecordedAt defaults to now when zero.
func (s *Store) AddEntry(ctx context.Context, snap codexlb.UsageSnapshot) error {
	if snap.RecordedAt.IsZero() {
		snap.RecordedAt = time.Now().UTC()
	}
	if snap.Window == "" {
		snap.Window = codexlb.WindowPrimary
	}
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO usage_history
			(account_id, recorded_at, "window", used_percent, reset_at,
			 window_minutes, input_tokens, output_tokens,
			 credit_has, credit_unlimited, credit_balance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.AccountID, formatTime(snap.RecordedAt), string(snap.Window),
		snap.UsedPercent, epoch(snap.ResetAt), snap.WindowMinutes,
		snap.InputTokens, snap.OutputTokens,
		boolToInt(snap.CreditHas), boolToInt(snap.CreditUnlimited), snap.CreditBalance,
	)
	if err != nil {
		return fmt.Errorf("add usage entry: %w", err)
	}
	return nil
}

// LatestByAccount returns, for each account, the most recent snapshot of
// the given effective window. "Most recent" orders by recorded_at, then id.
func (s *Store) LatestByAccount(ctx context.Context, window codexlb.Window) (map[string]codexlb.UsageSnapshot, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT `+usageColumns+` FROM (
			SELECT *, ROW_NUMBER() OVER (
				PARTITION BY account_id
				ORDER BY recorded_at DESC, id DESC
			) AS rn
			FROM usage_history
			WHERE `+effectiveWindowExpr+` = ?
		) WHERE rn = 1`,
		string(window),
	)
	if err != nil {
		return nil, fmt.Errorf("latest usage by account: %w", err)
	}
	defer rows.Close()

	out := make(map[string]codexlb.UsageSnapshot)
	for rows.Next() {
		snap, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out[snap.AccountID] = snap
	}
	return out, rows.Err()
}

// LatestPrimarySecondaryByAccount returns the latest primary and secondary
// snapshots per account in one round trip.
func (s *Store) LatestPrimarySecondaryByAccount(ctx context.Context) (primary, secondary map[string]codexlb.UsageSnapshot, err error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT `+usageColumns+`, eff FROM (
			SELECT *, `+effectiveWindowExpr+` AS eff, ROW_NUMBER() OVER (
				PARTITION BY account_id, `+effectiveWindowExpr+`
				ORDER BY recorded_at DESC, id DESC
			) AS rn
			FROM usage_history
		) WHERE rn = 1`,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("latest primary/secondary usage: %w", err)
	}
	defer rows.Close()

	primary = make(map[string]codexlb.UsageSnapshot)
	secondary = make(map[string]codexlb.UsageSnapshot)
	for rows.Next() {
		var (
			snap       codexlb.UsageSnapshot
			recordedAt string
			window     string
			resetAt    int64
			hasCredit  int
			unlimited  int
			eff        string
		)
		if err := rows.Scan(
			&snap.ID, &snap.AccountID, &recordedAt, &window, &snap.UsedPercent,
			&resetAt, &snap.WindowMinutes, &snap.InputTokens, &snap.OutputTokens,
			&hasCredit, &unlimited, &snap.CreditBalance, &eff,
		); err != nil {
			return nil, nil, fmt.Errorf("scan usage snapshot: %w", err)
		}
		snap.RecordedAt = parseTime(recordedAt)
		snap.Window = codexlb.Window(window)
		snap.ResetAt = fromEpoch(resetAt)
		snap.CreditHas = hasCredit != 0
		snap.CreditUnlimited = unlimited != 0
		if eff == string(codexlb.WindowSecondary) {
			secondary[snap.AccountID] = snap
		} else {
			primary[snap.AccountID] = snap
		}
	}
	return primary, secondary, rows.Err()
}

// LatestWindowMinutes returns the largest window_minutes observed across
// all accounts for the given effective window.
func (s *Store) LatestWindowMinutes(ctx context.Context, window codexlb.Window) (int, error) {
	var minutes int
	err := s.read.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(window_minutes), 0) FROM usage_history
		WHERE `+effectiveWindowExpr+` = ?`,
		string(window),
	).Scan(&minutes)
	if err != nil {
		return 0, fmt.Errorf("latest window minutes: %w", err)
	}
	return minutes, nil
}

// AggregateSince aggregates snapshots recorded since `since` into one row
// per account for the given effective window.
func (s *Store) AggregateSince(ctx context.Context, since time.Time, window codexlb.Window) ([]storage.WindowAggregate, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT account_id,
		       AVG(used_percent),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COUNT(*),
		       MAX(recorded_at),
		       MAX(reset_at),
		       MAX(window_minutes)
		FROM usage_history
		WHERE recorded_at >= ? AND `+effectiveWindowExpr+` = ?
		GROUP BY account_id
		ORDER BY account_id`,
		formatTime(since), string(window),
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	defer rows.Close()

	var out []storage.WindowAggregate
	for rows.Next() {
		var (
			agg        storage.WindowAggregate
			lastRec    string
			resetAtMax int64
		)
		if err := rows.Scan(
			&agg.AccountID, &agg.UsedPercentAvg, &agg.InputTokensSum,
			&agg.OutputTokensSum, &agg.Samples, &lastRec, &resetAtMax,
			&agg.WindowMinutesMax,
		); err != nil {
			return nil, fmt.Errorf("scan usage aggregate: %w", err)
		}
		agg.LastRecordedAt = parseTime(lastRec)
		agg.ResetAtMax = fromEpoch(resetAtMax)
		out = append(out, agg)
	}
	return out, rows.Err()
}

func scanUsage(row rowScanner) (codexlb.UsageSnapshot, error) {
	var (
		snap       codexlb.UsageSnapshot
		recordedAt string
		window     string
		resetAt    int64
		hasCredit  int
		unlimited  int
	)
	err := row.Scan(
		&snap.ID, &snap.AccountID, &recordedAt, &window, &snap.UsedPercent,
		&resetAt, &snap.WindowMinutes, &snap.InputTokens, &snap.OutputTokens,
		&hasCredit, &unlimited, &snap.CreditBalance,
	)
	if err != nil {
		return codexlb.UsageSnapshot{}, fmt.Errorf("scan usage snapshot: %w", err)
	}
	snap.RecordedAt = parseTime(recordedAt)
	snap.Window = codexlb.Window(window)
	snap.ResetAt = fromEpoch(resetAt)
	snap.CreditHas = hasCredit != 0
	snap.CreditUnlimited = unlimited != 0
	return snap, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
