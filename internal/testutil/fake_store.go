// Package testutil provides hand-rolled fakes shared by tests across
// packages.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codexlb/codexlb/internal/codexlb"
	"github.com/codexlb/codexlb/internal/storage"
)

// FakeStore is an in-memory implementation of storage.Store.
type FakeStore struct {
	mu       sync.RWMutex
	accounts map[string]codexlb.Account
	usage    []codexlb.UsageSnapshot
	logs     []codexlb.RequestLog
	settings codexlb.Settings

	// UpdateStatusErr, when set, is returned by UpdateStatus.
	UpdateStatusErr error
}

// NewFakeStore returns a FakeStore with sticky threads enabled by
// default, matching the persisted schema default.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		accounts: make(map[string]codexlb.Account),
		settings: codexlb.Settings{StickyThreadsEnabled: true},
	}
}

// SeedAccount inserts an account directly.
func (f *FakeStore) SeedAccount(a codexlb.Account) {
	f.mu.Lock()
	if a.Status == "" {
		a.Status = codexlb.StatusActive
	}
	f.accounts[a.AccountID] = a
	f.mu.Unlock()
}

// SeedUsage appends a usage snapshot directly.
func (f *FakeStore) SeedUsage(snap codexlb.UsageSnapshot) {
	f.mu.Lock()
	snap.ID = fmt.Sprintf("%08d", len(f.usage)+1)
	f.usage = append(f.usage, snap)
	f.mu.Unlock()
}

// SeedSettings overwrites the settings row directly.
func (f *FakeStore) SeedSettings(s codexlb.Settings) {
	f.mu.Lock()
	f.settings = s
	f.mu.Unlock()
}

// AccountByID returns the stored account, for assertions.
func (f *FakeStore) AccountByID(id string) (codexlb.Account, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	a, ok := f.accounts[id]
	return a, ok
}

// Logs returns a copy of all inserted request logs.
func (f *FakeStore) Logs() []codexlb.RequestLog {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]codexlb.RequestLog, len(f.logs))
	copy(out, f.logs)
	return out
}

// --- storage.AccountStore ---

func (f *FakeStore) List(context.Context) ([]codexlb.Account, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]codexlb.Account, 0, len(f.accounts))
	for _, a := range f.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (f *FakeStore) Upsert(_ context.Context, a codexlb.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, existing := range f.accounts {
		if id != a.AccountID && existing.Email == a.Email {
			existing.AccessTokenEnc = a.AccessTokenEnc
			existing.RefreshTokenEnc = a.RefreshTokenEnc
			existing.IDTokenEnc = a.IDTokenEnc
			existing.Status = a.Status
			existing.LastRefresh = a.LastRefresh
			existing.PlanType = a.PlanType
			f.accounts[id] = existing
			return nil
		}
	}
	f.accounts[a.AccountID] = a
	return nil
}

func (f *FakeStore) UpdateStatus(_ context.Context, id string, status codexlb.AccountStatus, resetAt time.Time, reason string) error {
	if f.UpdateStatusErr != nil {
		return f.UpdateStatusErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return codexlb.ErrNotFound
	}
	a.Status = status
	a.StatusResetAt = resetAt
	if status == codexlb.StatusActive {
		reason = ""
	}
	a.DeactivationReason = reason
	f.accounts[id] = a
	return nil
}

func (f *FakeStore) UpdateTokens(_ context.Context, id, access, refresh, idToken string, lastRefresh time.Time, plan, email, chatgptAccountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return codexlb.ErrNotFound
	}
	a.AccessTokenEnc = access
	a.RefreshTokenEnc = refresh
	a.IDTokenEnc = idToken
	a.LastRefresh = lastRefresh
	if plan != "" {
		a.PlanType = codexlb.PlanType(plan)
	}
	if email != "" {
		a.Email = email
	}
	if chatgptAccountID != "" {
		a.ChatGPTAccountID = chatgptAccountID
	}
	f.accounts[id] = a
	return nil
}

func (f *FakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[id]; !ok {
		return codexlb.ErrNotFound
	}
	delete(f.accounts, id)
	kept := f.usage[:0]
	for _, u := range f.usage {
		if u.AccountID != id {
			kept = append(kept, u)
		}
	}
	f.usage = kept
	return nil
}

// --- storage.UsageStore ---

func (f *FakeStore) AddEntry(_ context.Context, snap codexlb.UsageSnapshot) error {
	if snap.RecordedAt.IsZero() {
		snap.RecordedAt = time.Now().UTC()
	}
	f.SeedUsage(snap)
	return nil
}

func (f *FakeStore) LatestByAccount(_ context.Context, window codexlb.Window) (map[string]codexlb.UsageSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]codexlb.UsageSnapshot)
	for _, u := range f.usage {
		if u.EffectiveWindow() != window {
			continue
		}
		if cur, ok := out[u.AccountID]; !ok || u.RecordedAt.After(cur.RecordedAt) ||
			(u.RecordedAt.Equal(cur.RecordedAt) && u.ID > cur.ID) {
			out[u.AccountID] = u
		}
	}
	return out, nil
}

func (f *FakeStore) LatestPrimarySecondaryByAccount(ctx context.Context) (map[string]codexlb.UsageSnapshot, map[string]codexlb.UsageSnapshot, error) {
	primary, err := f.LatestByAccount(ctx, codexlb.WindowPrimary)
	if err != nil {
		return nil, nil, err
	}
	secondary, err := f.LatestByAccount(ctx, codexlb.WindowSecondary)
	if err != nil {
		return nil, nil, err
	}
	return primary, secondary, nil
}

func (f *FakeStore) LatestWindowMinutes(_ context.Context, window codexlb.Window) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	minutes := 0
	for _, u := range f.usage {
		if u.EffectiveWindow() == window && u.WindowMinutes > minutes {
			minutes = u.WindowMinutes
		}
	}
	return minutes, nil
}

func (f *FakeStore) AggregateSince(_ context.Context, since time.Time, window codexlb.Window) ([]storage.WindowAggregate, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	byAccount := make(map[string]*storage.WindowAggregate)
	for _, u := range f.usage {
		if u.EffectiveWindow() != window || u.RecordedAt.Before(since) {
			continue
		}
		agg, ok := byAccount[u.AccountID]
		if !ok {
			agg = &storage.WindowAggregate{AccountID: u.AccountID}
			byAccount[u.AccountID] = agg
		}
		agg.UsedPercentAvg += u.UsedPercent
		agg.Samples++
		if u.InputTokens != nil {
			agg.InputTokensSum += *u.InputTokens
		}
		if u.OutputTokens != nil {
			agg.OutputTokensSum += *u.OutputTokens
		}
		if u.RecordedAt.After(agg.LastRecordedAt) {
			agg.LastRecordedAt = u.RecordedAt
		}
		if u.ResetAt.After(agg.ResetAtMax) {
			agg.ResetAtMax = u.ResetAt
		}
		if u.WindowMinutes > agg.WindowMinutesMax {
			agg.WindowMinutesMax = u.WindowMinutes
		}
	}
	out := make([]storage.WindowAggregate, 0, len(byAccount))
	for _, agg := range byAccount {
		agg.UsedPercentAvg /= float64(agg.Samples)
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

// --- storage.RequestLogStore ---

func (f *FakeStore) InsertBatch(_ context.Context, logs []codexlb.RequestLog) error {
	f.mu.Lock()
	f.logs = append(f.logs, logs...)
	f.mu.Unlock()
	return nil
}

// --- storage.SettingsStore ---

func (f *FakeStore) GetSettings(context.Context) (codexlb.Settings, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.settings, nil
}

func (f *FakeStore) UpdateSettings(_ context.Context, s codexlb.Settings) error {
	f.mu.Lock()
	f.settings = s
	f.mu.Unlock()
	return nil
}

func (f *FakeStore) Ping(context.Context) error { return nil }
func (f *FakeStore) Close() error               { return nil }

var _ storage.Store = (*FakeStore)(nil)
