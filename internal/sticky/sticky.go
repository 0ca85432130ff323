// Package sticky implements the sticky-session store: a map from session
// fingerprint to account id, backed by either an in-memory LRU (fast path,
// lost on restart) or a durable backend selected by config.
package sticky

import "context"

// Store is the sticky-session contract the selector depends on. The
// selector treats memory and persistent backends identically.
type Store interface {
	// Get returns the account id mapped to key, or ok=false if absent or
	// expired.
	Get(ctx context.Context, key string) (accountID string, ok bool, err error)
	// Upsert writes or overwrites the key -> accountID mapping.
	Upsert(ctx context.Context, key, accountID string) error
	// Delete removes a single mapping.
	Delete(ctx context.Context, key string) error
	// DeleteByAccount removes every mapping pointing at accountID, used
	// when an account is deleted (cascade).
	DeleteByAccount(ctx context.Context, accountID string) error
	// CountByAccount returns the number of sticky mappings per account,
	// used by the snapshot builder's sticky_counts.
	CountByAccount(ctx context.Context) (map[string]int, error)
}
