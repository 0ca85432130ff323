// Package codexlb holds the domain model shared across the load balancer:
// accounts, usage snapshots, request logs, sticky sessions, and the
// request-scoped context helpers threaded through the proxy pipeline.
package codexlb

import (
	"context"
	"time"
)

// AccountStatus is the lifecycle state of a pooled account.
type AccountStatus string

const (
	StatusActive        AccountStatus = "ACTIVE"
	StatusRateLimited   AccountStatus = "RATE_LIMITED"
	StatusQuotaExceeded AccountStatus = "QUOTA_EXCEEDED"
	StatusPaused        AccountStatus = "PAUSED"
	StatusDeactivated   AccountStatus = "DEACTIVATED"
)

// Window identifies a usage accounting window.
type Window string

const (
	WindowPrimary   Window = "primary"
	WindowSecondary Window = "secondary"
)

// PlanType enumerates recognized upstream plan tiers.
type PlanType string

const (
	PlanPlus          PlanType = "plus"
	PlanPro           PlanType = "pro"
	PlanTeam          PlanType = "team"
	PlanBusiness      PlanType = "business"
	PlanEnterprise    PlanType = "enterprise"
	PlanEducation     PlanType = "education"
	PlanEdu           PlanType = "edu"
	PlanFree          PlanType = "free"
	PlanFreeWorkspace PlanType = "free_workspace"
	PlanGo            PlanType = "go"
	PlanGuest         PlanType = "guest"
	PlanK12           PlanType = "k12"
	PlanQuorum        PlanType = "quorum"
)

// Account is the stable identity of a pooled upstream credential.
type Account struct {
	AccountID          string
	ChatGPTAccountID   string // optional, upstream-recognized workspace identifier
	Email              string
	PlanType           PlanType
	AccessTokenEnc     string
	RefreshTokenEnc    string
	IDTokenEnc         string
	LastRefresh        time.Time
	Status             AccountStatus
	StatusResetAt      time.Time // zero value means unset
	DeactivationReason string
}

// HasStatusResetAt reports whether StatusResetAt carries a meaningful value.
func (a *Account) HasStatusResetAt() bool { return !a.StatusResetAt.IsZero() }

// UsageSnapshot is an append-only usage time-series row.
type UsageSnapshot struct {
	ID              string
	AccountID       string
	RecordedAt      time.Time
	Window          Window
	UsedPercent     float64
	ResetAt         time.Time
	WindowMinutes   int
	InputTokens     *int64
	OutputTokens    *int64
	CreditHas       bool
	CreditUnlimited bool
	CreditBalance   float64
}

// EffectiveWindow applies the historical-compatibility reclassification
// rule: a "primary" snapshot with window_minutes >= 1440 (one day or more)
// is really a secondary-window sample.
func (u UsageSnapshot) EffectiveWindow() Window {
	if u.Window == WindowPrimary && u.WindowMinutes >= 1440 {
		return WindowSecondary
	}
	if u.Window == "" {
		return WindowPrimary
	}
	return u.Window
}

// RequestLog is one row per proxy attempt (success or error).
type RequestLog struct {
	ID                string
	AccountID         string
	RequestID         string
	Model             string
	InputTokens       int64
	OutputTokens      int64
	CachedInputTokens int64
	ReasoningTokens   int64
	ReasoningEffort   string
	LatencyMs         int64
	Status            string // "success" | "error"
	ErrorCode         string
	ErrorMessage      string
	RequestedAt       time.Time
}

// StickySession maps a sticky key to the account it was last routed to.
type StickySession struct {
	Key       string
	AccountID string
	UpdatedAt time.Time
}

// Settings is the single-row, process-wide dashboard configuration
// relevant to the core (TOTP/dashboard-auth fields are out of scope).
type Settings struct {
	StickyThreadsEnabled      bool
	PreferEarlierResetAccounts bool
	PinnedAccountIDs          []string // ordered, deduped
}

// requestMeta is stored once per request via context.WithValue and mutated
// in place by later middleware/pipeline stages, avoiding repeated
// context.WithValue allocations on the hot path.
type requestMeta struct {
	requestID string
}

type requestMetaKey struct{}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(requestMetaKey{}).(*requestMeta)
	return m
}

// ContextWithRequestID stores id in ctx, reusing an existing requestMeta
// when present.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.requestID = id
		return ctx
	}
	return context.WithValue(ctx, requestMetaKey{}, &requestMeta{requestID: id})
}

// RequestIDFromContext returns the request ID stored in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.requestID
	}
	return ""
}
