package codexlb

import "strings"

// ErrorKind is the coarse classification of an upstream error code, used
// to decide whether a proxy attempt is retryable and which account mark
// (if any) to apply.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimit
	KindQuota
	KindAuth
	KindValidation
	KindTransport
	KindStreamGuard
	KindPermanent
)

// permanentCodes is the fixed set of upstream error codes that indicate an
// account can never recover without operator intervention.
var permanentCodes = map[string]bool{
	"refresh_token_invalid": true,
	"account_deleted":       true,
}

// rateLimitCodes and quotaCodes enumerate the codes the core recognizes as
// retryable rate/quota conditions; everything else falls through to the
// prefix/suffix rules below.
var rateLimitCodes = map[string]bool{
	"rate_limit_exceeded": true,
	"usage_limit_reached": true,
}

var quotaCodes = map[string]bool{
	"insufficient_quota": true,
	"usage_not_included": true,
	"quota_exceeded":     true,
}

// streamGuardCodes are synthesized when a guard tears down an open
// stream. They terminate the attempt without a retry or an account mark.
var streamGuardCodes = map[string]bool{
	"stream_idle_timeout":    true,
	"stream_event_too_large": true,
	"stream_incomplete":      true,
	"client_disconnected":    true,
}

// ClassifyErrorCode maps an upstream error `code` field to an ErrorKind.
func ClassifyErrorCode(code string) ErrorKind {
	if permanentCodes[code] {
		return KindPermanent
	}
	if streamGuardCodes[code] {
		return KindStreamGuard
	}
	if rateLimitCodes[code] {
		return KindRateLimit
	}
	if quotaCodes[code] {
		return KindQuota
	}
	if code == "invalid_api_key" || code == "invalid_auth" || code == "auth_refresh_failed" || strings.HasPrefix(code, "auth_") {
		return KindAuth
	}
	if code == "invalid_request" || code == "missing_prompt_cache_key" || strings.HasPrefix(code, "invalid_") {
		return KindValidation
	}
	if strings.HasPrefix(code, "server_") || strings.HasSuffix(code, "_server_error") {
		return KindTransport
	}
	return KindTransport // unknown -> upstream_error, still a transport-class condition
}

// Retryable reports whether a streaming attempt that failed with this code
// (and status) should move to the next account instead of terminating.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindQuota, KindTransport:
		return true
	default:
		return false
	}
}

// NormalizedCode returns "upstream_error" for any error code the core does
// not explicitly recognize, per the taxonomy's "unknown -> upstream_error"
// rule; recognized codes pass through unchanged.
func NormalizedCode(code string) string {
	if code == "" {
		return "upstream_error"
	}
	switch ClassifyErrorCode(code) {
	case KindRateLimit, KindQuota, KindAuth, KindValidation, KindPermanent, KindStreamGuard:
		return code
	case KindTransport:
		if strings.HasPrefix(code, "server_") || strings.HasSuffix(code, "_server_error") {
			return code
		}
		return "upstream_error"
	default:
		return "upstream_error"
	}
}
