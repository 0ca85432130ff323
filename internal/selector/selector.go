package selector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codexlb/codexlb/internal/codexlb"
	"github.com/codexlb/codexlb/internal/sticky"
	"github.com/codexlb/codexlb/internal/storage"
	"github.com/codexlb/codexlb/internal/telemetry"
)

// Input is one selection request.
type Input struct {
	StickyKey        string
	ReallocateSticky bool
	RequestID        string
}

// Selection is the outcome of Select. Account is nil when no account is
// eligible; ReasonCode then explains why.
type Selection struct {
	Account      *codexlb.Account
	ReasonCode   string
	SelectedTier int64
	TierScores   []TierScore
	FromSticky   bool
}

// Empty-pool reason codes.
const (
	ReasonNoAccounts     = "no_accounts"
	ReasonAllBlocked     = "all_blocked"
	ReasonAllDeactivated = "all_deactivated"
)

// Selector picks the account a request should be proxied through.
type Selector struct {
	builder  *Builder
	accounts storage.AccountStore
	sticky   sticky.Store
	metrics  *telemetry.Metrics
	strategy Strategy
	now      func() time.Time

	mu         sync.Mutex
	errorCount map[string]int
}

// New creates a Selector. metrics may be nil.
func New(builder *Builder, accounts storage.AccountStore, stickyStore sticky.Store, metrics *telemetry.Metrics, strategy Strategy) *Selector {
	if strategy == "" {
		strategy = StrategyWastePressure
	}
	return &Selector{
		builder:    builder,
		accounts:   accounts,
		sticky:     stickyStore,
		metrics:    metrics,
		strategy:   strategy,
		now:        time.Now,
		errorCount: make(map[string]int),
	}
}

// Select routes one request to an account. The decision is a pure
// function of the snapshot except for the salted weighted draw; sticky
// mappings are consulted first and rewritten on every final selection.
func (s *Selector) Select(ctx context.Context, in Input) (Selection, error) {
	snap, err := s.builder.Snapshot(ctx)
	if err != nil {
		return Selection{}, err
	}
	now := s.now()

	accounts := s.reconcile(ctx, snap, now)

	eligible, reasons := s.partition(ctx, snap, accounts, now)
	if len(eligible) == 0 {
		sel := Selection{ReasonCode: emptyPoolReason(accounts, reasons)}
		s.observeSelect(sel.ReasonCode)
		return sel, nil
	}

	pinnedSet := make(map[string]struct{}, len(snap.Settings.PinnedAccountIDs))
	for _, id := range snap.Settings.PinnedAccountIDs {
		pinnedSet[id] = struct{}{}
	}
	var pinnedPool []codexlb.Account
	for _, a := range eligible {
		if _, ok := pinnedSet[a.AccountID]; ok {
			pinnedPool = append(pinnedPool, a)
		}
	}

	pool := eligible
	if len(pinnedPool) > 0 {
		pool = pinnedPool
	}

	// Sticky evaluation: honor an existing pin when its target is still
	// in the effective pool, unless the caller asked to reallocate.
	stickyActive := snap.Settings.StickyThreadsEnabled && in.StickyKey != ""
	if stickyActive && !in.ReallocateSticky {
		if id, ok, err := s.sticky.Get(ctx, in.StickyKey); err == nil && ok {
			if a, found := findAccount(pool, id); found {
				s.observeSelect("sticky")
				return Selection{Account: &a, FromSticky: true}, nil
			}
		}
	}

	account, tier, scores := pickFromPool(snap, pool, s.strategy, in.RequestID, now)

	if stickyActive {
		if err := s.sticky.Upsert(ctx, in.StickyKey, account.AccountID); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "sticky upsert failed",
				slog.String("account_id", account.AccountID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.observeSelect("scored")
	return Selection{Account: &account, SelectedTier: tier, TierScores: scores}, nil
}

// InvalidateSnapshot drops the cached snapshot; called when settings or
// accounts change outside the marking paths.
func (s *Selector) InvalidateSnapshot() { s.builder.Invalidate() }

// Lookup finds an account by id in the current snapshot, bypassing
// eligibility. Used by the force-account testing escape hatch.
func (s *Selector) Lookup(ctx context.Context, id string) (codexlb.Account, bool) {
	snap, err := s.builder.Snapshot(ctx)
	if err != nil {
		return codexlb.Account{}, false
	}
	return snap.Account(id)
}

// reconcile clears stale blocks: any RATE_LIMITED or QUOTA_EXCEEDED
// account whose blocked_until has passed goes back to ACTIVE. The store
// write is best-effort; the returned slice already reflects the reset so
// selection never blocks on it.
func (s *Selector) reconcile(ctx context.Context, snap *Snapshot, now time.Time) []codexlb.Account {
	accounts := snap.Accounts
	var reset bool
	out := make([]codexlb.Account, len(accounts))
	copy(out, accounts)

	for i, a := range out {
		if a.Status != codexlb.StatusRateLimited && a.Status != codexlb.StatusQuotaExceeded {
			continue
		}
		if s.blockedUntil(snap, a).After(now) {
			continue
		}
		if err := s.accounts.UpdateStatus(ctx, a.AccountID, codexlb.StatusActive, time.Time{}, ""); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "stale block reset failed",
				slog.String("account_id", a.AccountID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out[i].Status = codexlb.StatusActive
		out[i].StatusResetAt = time.Time{}
		reset = true
	}
	if reset {
		s.builder.Invalidate()
	}
	return out
}

// blockedUntil computes the effective gate for an informationally-blocked
// account: the later of its status_reset_at and the usage window reset
// that matches the block kind.
func (s *Selector) blockedUntil(snap *Snapshot, a codexlb.Account) time.Time {
	until := a.StatusResetAt
	var usage codexlb.UsageSnapshot
	var ok bool
	switch a.Status {
	case codexlb.StatusRateLimited:
		usage, ok = snap.LatestPrimary[a.AccountID]
	case codexlb.StatusQuotaExceeded:
		usage, ok = snap.LatestSecondary[a.AccountID]
	}
	if ok && usage.ResetAt.After(until) {
		until = usage.ResetAt
	}
	return until
}

// partition returns the eligible accounts and, for each ineligible one,
// the reason it was skipped. Accounts whose latest usage shows an
// exhausted window are marked as they are discovered.
func (s *Selector) partition(ctx context.Context, snap *Snapshot, accounts []codexlb.Account, now time.Time) ([]codexlb.Account, map[string]string) {
	eligible := make([]codexlb.Account, 0, len(accounts))
	reasons := make(map[string]string)

	for _, a := range accounts {
		switch a.Status {
		case codexlb.StatusDeactivated:
			reasons[a.AccountID] = "deactivated"
			continue
		case codexlb.StatusPaused:
			reasons[a.AccountID] = "paused"
			continue
		case codexlb.StatusRateLimited, codexlb.StatusQuotaExceeded:
			if s.blockedUntil(snap, a).After(now) {
				reasons[a.AccountID] = "blocked"
				continue
			}
		}

		// An ACTIVE account whose latest window reads 100% is exhausted
		// even before the upstream says so.
		if sec, ok := snap.LatestSecondary[a.AccountID]; ok && sec.UsedPercent >= 100 && sec.ResetAt.After(now) {
			s.MarkQuotaExceeded(ctx, a, &Hint{ResetsAt: sec.ResetAt})
			reasons[a.AccountID] = "secondary_exhausted"
			continue
		}
		if p, ok := snap.LatestPrimary[a.AccountID]; ok && p.UsedPercent >= 100 && p.ResetAt.After(now) {
			s.MarkRateLimit(ctx, a, &Hint{ResetsAt: p.ResetAt})
			reasons[a.AccountID] = "primary_exhausted"
			continue
		}

		eligible = append(eligible, a)
	}
	return eligible, reasons
}

func emptyPoolReason(accounts []codexlb.Account, reasons map[string]string) string {
	if len(accounts) == 0 {
		return ReasonNoAccounts
	}
	allDeactivated := true
	for _, a := range accounts {
		if reasons[a.AccountID] != "deactivated" {
			allDeactivated = false
			break
		}
	}
	if allDeactivated {
		return ReasonAllDeactivated
	}
	return ReasonAllBlocked
}

func findAccount(pool []codexlb.Account, id string) (codexlb.Account, bool) {
	for _, a := range pool {
		if a.AccountID == id {
			return a, true
		}
	}
	return codexlb.Account{}, false
}

func (s *Selector) observeSelect(outcome string) {
	if s.metrics != nil {
		s.metrics.SelectTotal.WithLabelValues(outcome).Inc()
	}
}
