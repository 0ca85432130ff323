// Package storage defines the persistence contracts for accounts, usage
// history, request logs, and settings. Any backend implementing these
// interfaces can serve as the core's persistent store (§1: "persistent
// storage engine choice" is explicitly a pluggable concern).
package storage

import (
	"context"
	"time"

	"github.com/codexlb/codexlb/internal/codexlb"
)

// AccountStore manages account persistence.
type AccountStore interface {
	// List returns all accounts ordered deterministically by email.
	List(ctx context.Context) ([]codexlb.Account, error)
	// Upsert inserts or updates an account by id. When id is absent, a
	// collision on email merges the token/status/last_refresh fields onto
	// the existing row instead of creating a duplicate.
	Upsert(ctx context.Context, account codexlb.Account) error
	// UpdateStatus atomically transitions an account's status. Moving
	// back to ACTIVE clears deactivation_reason.
	UpdateStatus(ctx context.Context, id string, status codexlb.AccountStatus, resetAt time.Time, reason string) error
	// UpdateTokens persists a refreshed token set.
	UpdateTokens(ctx context.Context, id, access, refresh, idToken string, lastRefresh time.Time, plan, email, chatgptAccountID string) error
	// Delete removes an account and cascades its usage rows, sticky rows,
	// and request logs.
	Delete(ctx context.Context, id string) error
}

// WindowAggregate is one row of UsageStore.AggregateSince.
type WindowAggregate struct {
	AccountID        string
	UsedPercentAvg   float64
	InputTokensSum   int64
	OutputTokensSum  int64
	Samples          int
	LastRecordedAt   time.Time
	ResetAtMax       time.Time
	WindowMinutesMax int
}

// UsageStore manages usage snapshot persistence.
type UsageStore interface {
	// AddEntry appends a usage snapshot. RecordedAt defaults to now when
	// zero.
	AddEntry(ctx context.Context, snap codexlb.UsageSnapshot) error
	// LatestByAccount returns, for every account, the most recent snapshot
	// of the given effective window.
	LatestByAccount(ctx context.Context, window codexlb.Window) (map[string]codexlb.UsageSnapshot, error)
	// LatestPrimarySecondaryByAccount returns both maps in one round trip.
	LatestPrimarySecondaryByAccount(ctx context.Context) (primary, secondary map[string]codexlb.UsageSnapshot, err error)
	// LatestWindowMinutes returns the largest window_minutes observed for
	// the given effective window across all accounts.
	LatestWindowMinutes(ctx context.Context, window codexlb.Window) (int, error)
	// AggregateSince aggregates snapshots recorded since `since` into one
	// row per account for the given effective window.
	AggregateSince(ctx context.Context, since time.Time, window codexlb.Window) ([]WindowAggregate, error)
}

// RequestLogStore persists proxy attempt logs in bulk batches.
type RequestLogStore interface {
	InsertBatch(ctx context.Context, logs []codexlb.RequestLog) error
}

// SettingsStore manages the single-row dashboard settings.
type SettingsStore interface {
	GetSettings(ctx context.Context) (codexlb.Settings, error)
	UpdateSettings(ctx context.Context, s codexlb.Settings) error
}

// Store combines all persistence interfaces plus lifecycle management.
type Store interface {
	AccountStore
	UsageStore
	RequestLogStore
	SettingsStore
	Ping(ctx context.Context) error
	Close() error
}
