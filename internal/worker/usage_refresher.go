package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codexlb/codexlb/internal/authmanager"
	"github.com/codexlb/codexlb/internal/codexlb"
	"github.com/codexlb/codexlb/internal/storage"
	"github.com/codexlb/codexlb/internal/telemetry"
	"github.com/codexlb/codexlb/internal/upstream"
)

const (
	// DefaultRefreshInterval is how often usage is polled upstream.
	DefaultRefreshInterval = 60 * time.Second
	// DefaultFetchConcurrency bounds the per-tick fan-out.
	DefaultFetchConcurrency = 20
)

// UsageFetcher is the upstream usage endpoint.
type UsageFetcher interface {
	FetchUsage(ctx context.Context, accessToken, chatgptAccountID string) (*upstream.UsageResponse, error)
}

// TokenSource yields a usable access token for an account.
type TokenSource interface {
	EnsureFresh(ctx context.Context, account codexlb.Account, force bool) (authmanager.Credentials, error)
}

// UsageStore is the persistence slice the refresher writes to.
type UsageStore interface {
	List(ctx context.Context) ([]codexlb.Account, error)
	AddEntry(ctx context.Context, snap codexlb.UsageSnapshot) error
}

// UsageRefresher polls the upstream usage endpoint for every account on a
// fixed interval and appends the returned windows as usage snapshots.
// Accounts sharing a workspace identifier are fetched once and the result
// is copied to every member of the group.
type UsageRefresher struct {
	store       UsageStore
	fetcher     UsageFetcher
	tokens      TokenSource
	metrics     *telemetry.Metrics
	interval    time.Duration
	concurrency int
	now         func() time.Time
}

// NewUsageRefresher creates a UsageRefresher. metrics may be nil; zero
// interval/concurrency fall back to defaults.
func NewUsageRefresher(store UsageStore, fetcher UsageFetcher, tokens TokenSource, metrics *telemetry.Metrics, interval time.Duration, concurrency int) *UsageRefresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if concurrency <= 0 {
		concurrency = DefaultFetchConcurrency
	}
	return &UsageRefresher{
		store:       store,
		fetcher:     fetcher,
		tokens:      tokens,
		metrics:     metrics,
		interval:    interval,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Name returns the worker identifier.
func (u *UsageRefresher) Name() string { return "usage_refresher" }

// Run ticks until ctx is cancelled. Each tick runs to completion; failures
// are counted, never fatal.
func (u *UsageRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			u.Tick(ctx)
		}
	}
}

// Tick refreshes usage for all accounts once.
func (u *UsageRefresher) Tick(ctx context.Context) {
	accounts, err := u.store.List(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage refresh list failed",
			slog.String("error", err.Error()),
		)
		return
	}

	groups := groupByWorkspace(accounts)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)
	for _, group := range groups {
		g.Go(func() error {
			u.refreshGroup(ctx, group)
			return nil
		})
	}
	g.Wait()
}

// groupByWorkspace collapses accounts sharing a chatgpt_account_id into
// one fetch group. Accounts without one each form their own group.
func groupByWorkspace(accounts []codexlb.Account) [][]codexlb.Account {
	var groups [][]codexlb.Account
	byWorkspace := make(map[string]int)
	for _, a := range accounts {
		if a.Status == codexlb.StatusDeactivated {
			continue
		}
		if a.ChatGPTAccountID == "" {
			groups = append(groups, []codexlb.Account{a})
			continue
		}
		if i, ok := byWorkspace[a.ChatGPTAccountID]; ok {
			groups[i] = append(groups[i], a)
			continue
		}
		byWorkspace[a.ChatGPTAccountID] = len(groups)
		groups = append(groups, []codexlb.Account{a})
	}
	return groups
}

func (u *UsageRefresher) refreshGroup(ctx context.Context, group []codexlb.Account) {
	lead := group[0]

	creds, err := u.tokens.EnsureFresh(ctx, lead, false)
	if err != nil {
		u.countFailure(0, "auth")
		slog.LogAttrs(ctx, slog.LevelWarn, "usage refresh auth failed",
			slog.String("account_id", lead.AccountID),
			slog.String("error", err.Error()),
		)
		return
	}

	resp, err := u.fetcher.FetchUsage(ctx, creds.AccessToken, lead.ChatGPTAccountID)
	if err != nil {
		status := 0
		var serr *upstream.StatusError
		if errors.As(err, &serr) {
			status = serr.Status
		}
		u.countFailure(status, "usage")
		slog.LogAttrs(ctx, slog.LevelWarn, "usage fetch failed",
			slog.String("account_id", lead.AccountID),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		return
	}

	now := u.now().UTC()
	for _, account := range group {
		u.appendWindows(ctx, account.AccountID, resp, now)
	}
}

func (u *UsageRefresher) appendWindows(ctx context.Context, accountID string, resp *upstream.UsageResponse, now time.Time) {
	windows := []struct {
		window codexlb.Window
		usage  *upstream.WindowUsage
	}{
		{codexlb.WindowPrimary, resp.RateLimit.PrimaryWindow},
		{codexlb.WindowSecondary, resp.RateLimit.SecondaryWindow},
	}
	for _, w := range windows {
		if w.usage == nil {
			continue
		}
		snap := codexlb.UsageSnapshot{
			AccountID:       accountID,
			RecordedAt:      now,
			Window:          w.window,
			UsedPercent:     w.usage.UsedPercent,
			WindowMinutes:   w.usage.LimitWindowSeconds / 60,
			CreditHas:       resp.Credits.Has,
			CreditUnlimited: resp.Credits.Unlimited,
			CreditBalance:   resp.Credits.Balance,
		}
		if w.usage.ResetAt > 0 {
			snap.ResetAt = time.Unix(w.usage.ResetAt, 0).UTC()
		}
		if err := u.store.AddEntry(ctx, snap); err != nil {
			u.countFailure(0, "store")
			slog.LogAttrs(ctx, slog.LevelError, "usage snapshot write failed",
				slog.String("account_id", accountID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (u *UsageRefresher) countFailure(status int, phase string) {
	if u.metrics != nil {
		u.metrics.UsageRefreshFailures.WithLabelValues(strconv.Itoa(status), phase).Inc()
	}
}

var _ UsageStore = storage.Store(nil)
