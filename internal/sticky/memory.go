package sticky

import (
	"context"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

const (
	// DefaultMaxSize is the default entry cap for the memory backend.
	DefaultMaxSize = 10_000
	// DefaultTTL is the default per-entry time-to-live.
	DefaultTTL = 24 * time.Hour
)

// entry is the value stored per sticky key.
type entry struct {
	accountID string
	expiresAt time.Time
}

// Memory is a size- and time-bounded LRU sticky store, backed by otter's
// W-TinyLFU cache (the same admission/eviction policy the gateway uses for
// its response and auth caches). A small reverse index tracks which keys
// belong to which account so DeleteByAccount and CountByAccount don't need
// a full cache scan; it tolerates brief staleness against expired otter
// entries, which is consistent with the store's non-transactional nature.
type Memory struct {
	cache *otter.Cache[string, entry]
	ttl   time.Duration

	mu     sync.Mutex
	byAcct map[string]map[string]struct{}
}

// NewMemory creates a Memory store with the given max size and TTL. A
// zero maxSize or ttl falls back to the package defaults.
func NewMemory(maxSize int, ttl time.Duration) (*Memory, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry](ttl),
	})
	if err != nil {
		return nil, err
	}
	return &Memory{cache: c, ttl: ttl, byAcct: make(map[string]map[string]struct{})}, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		return "", false, nil
	}
	if time.Now().After(e.expiresAt) {
		m.cache.Invalidate(key)
		m.unindex(key, e.accountID)
		return "", false, nil
	}
	return e.accountID, true, nil
}

func (m *Memory) Upsert(_ context.Context, key, accountID string) error {
	// Drop any prior account association for this key before reindexing.
	if old, ok := m.cache.GetIfPresent(key); ok && old.accountID != accountID {
		m.unindex(key, old.accountID)
	}
	m.cache.Set(key, entry{accountID: accountID, expiresAt: time.Now().Add(m.ttl)})
	m.index(key, accountID)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	if e, ok := m.cache.GetIfPresent(key); ok {
		m.unindex(key, e.accountID)
	}
	m.cache.Invalidate(key)
	return nil
}

func (m *Memory) DeleteByAccount(_ context.Context, accountID string) error {
	m.mu.Lock()
	keys := m.byAcct[accountID]
	delete(m.byAcct, accountID)
	m.mu.Unlock()

	for key := range keys {
		m.cache.Invalidate(key)
	}
	return nil
}

func (m *Memory) CountByAccount(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int, len(m.byAcct))
	for acct, keys := range m.byAcct {
		if len(keys) > 0 {
			counts[acct] = len(keys)
		}
	}
	return counts, nil
}

func (m *Memory) index(key, accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byAcct[accountID]
	if !ok {
		set = make(map[string]struct{})
		m.byAcct[accountID] = set
	}
	set[key] = struct{}{}
}

func (m *Memory) unindex(key, accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.byAcct[accountID]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(m.byAcct, accountID)
		}
	}
}
