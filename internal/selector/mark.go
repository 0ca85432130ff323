package selector

import (
	"context"
	"log/slog"
	"time"

	"github.com/codexlb/codexlb/internal/codexlb"
)

// cooldownFloor is the minimum block duration applied on a rate-limit
// mark: it sets the gate whenever the upstream hint is absent or earlier
// than now+cooldownFloor.
const cooldownFloor = time.Minute

// Hint carries upstream guidance about when a blocked account recovers.
type Hint struct {
	ResetsAt time.Time
}

// MarkRateLimit transitions account to RATE_LIMITED. The reset gate is
// the later of now+cooldownFloor and the upstream hint, so repeated marks
// with the same hint keep the gate at that hint while it lies beyond
// now+cooldownFloor; a nearer hint is extended to the floor.
func (s *Selector) MarkRateLimit(ctx context.Context, account codexlb.Account, hint *Hint) {
	resetAt := s.now().Add(cooldownFloor)
	if hint != nil && hint.ResetsAt.After(resetAt) {
		resetAt = hint.ResetsAt
	}
	s.mark(ctx, account.AccountID, codexlb.StatusRateLimited, resetAt, "", "rate_limit")
}

// MarkQuotaExceeded transitions account to QUOTA_EXCEEDED, gating on the
// upstream hint or, absent one, the account's secondary window reset.
func (s *Selector) MarkQuotaExceeded(ctx context.Context, account codexlb.Account, hint *Hint) {
	var resetAt time.Time
	switch {
	case hint != nil && !hint.ResetsAt.IsZero():
		resetAt = hint.ResetsAt
	default:
		if snap, err := s.builder.Snapshot(ctx); err == nil {
			if sec, ok := snap.LatestSecondary[account.AccountID]; ok {
				resetAt = sec.ResetAt
			}
		}
	}
	if resetAt.IsZero() || resetAt.Before(s.now()) {
		resetAt = s.now().Add(cooldownFloor)
	}
	s.mark(ctx, account.AccountID, codexlb.StatusQuotaExceeded, resetAt, "", "quota_exceeded")
}

// MarkPermanentFailure deactivates account with the given reason code.
func (s *Selector) MarkPermanentFailure(ctx context.Context, account codexlb.Account, code string) {
	s.mark(ctx, account.AccountID, codexlb.StatusDeactivated, time.Time{}, code, "permanent_failure")
	if s.metrics != nil {
		s.metrics.MarkPermanentFailureTotal.WithLabelValues(code).Inc()
	}
}

// RecordError counts a transient, non-persistent error against account.
// No status is written and no snapshot invalidation happens; the count is
// exposed through ErrorCount for debugging and is not read by scoring.
func (s *Selector) RecordError(accountID string) {
	s.mu.Lock()
	s.errorCount[accountID]++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.MarkTotal.WithLabelValues("record_error").Inc()
	}
}

// ErrorCount returns the process-local transient error count for account.
func (s *Selector) ErrorCount(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorCount[accountID]
}

func (s *Selector) mark(ctx context.Context, accountID string, status codexlb.AccountStatus, resetAt time.Time, reason, event string) {
	if err := s.accounts.UpdateStatus(ctx, accountID, status, resetAt, reason); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "account mark failed",
			slog.String("account_id", accountID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.builder.Invalidate()
	if s.metrics != nil {
		s.metrics.MarkTotal.WithLabelValues(event).Inc()
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "account marked",
		slog.String("account_id", accountID),
		slog.String("status", string(status)),
		slog.String("reason", reason),
	)
}
