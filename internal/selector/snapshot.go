// Package selector implements the account load balancer: a TTL-cached
// selection snapshot, eligibility filtering, tiered scoring with sticky
// sessions, and the marking API that drives account lifecycle transitions.
package selector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codexlb/codexlb/internal/codexlb"
	"github.com/codexlb/codexlb/internal/sticky"
)

// DefaultSnapshotTTL is how long a snapshot stays fresh without an
// invalidation event.
const DefaultSnapshotTTL = time.Second

// Snapshot is an immutable point-in-time view of everything selection
// needs. Once built it is never mutated; a new request either reuses it
// (within TTL) or triggers a rebuild.
type Snapshot struct {
	UpdatedAt       time.Time
	Accounts        []codexlb.Account
	LatestPrimary   map[string]codexlb.UsageSnapshot
	LatestSecondary map[string]codexlb.UsageSnapshot
	StickyCounts    map[string]int
	Settings        codexlb.Settings
}

// SnapshotStore is the slice of the persistence layer the snapshot
// builder reads.
type SnapshotStore interface {
	List(ctx context.Context) ([]codexlb.Account, error)
	LatestPrimarySecondaryByAccount(ctx context.Context) (primary, secondary map[string]codexlb.UsageSnapshot, err error)
	GetSettings(ctx context.Context) (codexlb.Settings, error)
}

// Builder materializes snapshots on demand and caches them for a short
// TTL. Reads are cheap; the rebuild is guarded by a mutex so concurrent
// cache misses collapse into one store round trip.
type Builder struct {
	store  SnapshotStore
	sticky sticky.Store
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	current *Snapshot
}

// NewBuilder creates a Builder. A zero ttl falls back to
// DefaultSnapshotTTL.
func NewBuilder(store SnapshotStore, stickyStore sticky.Store, ttl time.Duration) *Builder {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &Builder{store: store, sticky: stickyStore, ttl: ttl, now: time.Now}
}

// Snapshot returns the cached snapshot when fresh, rebuilding otherwise.
func (b *Builder) Snapshot(ctx context.Context) (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current != nil && b.now().Sub(b.current.UpdatedAt) < b.ttl {
		return b.current, nil
	}

	snap, err := b.build(ctx)
	if err != nil {
		return nil, err
	}
	b.current = snap
	return snap, nil
}

// Invalidate drops the cached snapshot so the next read rebuilds. Called
// on marking events, settings updates, and account mutations.
func (b *Builder) Invalidate() {
	b.mu.Lock()
	b.current = nil
	b.mu.Unlock()
}

func (b *Builder) build(ctx context.Context) (*Snapshot, error) {
	accounts, err := b.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list accounts: %w", err)
	}
	primary, secondary, err := b.store.LatestPrimarySecondaryByAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: latest usage: %w", err)
	}
	settings, err := b.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: settings: %w", err)
	}
	counts, err := b.sticky.CountByAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: sticky counts: %w", err)
	}
	return &Snapshot{
		UpdatedAt:       b.now(),
		Accounts:        accounts,
		LatestPrimary:   primary,
		LatestSecondary: secondary,
		StickyCounts:    counts,
		Settings:        settings,
	}, nil
}

// Account looks up an account in the snapshot by id.
func (s *Snapshot) Account(id string) (codexlb.Account, bool) {
	for _, a := range s.Accounts {
		if a.AccountID == id {
			return a, true
		}
	}
	return codexlb.Account{}, false
}
