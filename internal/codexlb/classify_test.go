package codexlb

import "testing"

func TestClassifyErrorCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code string
		want ErrorKind
	}{
		{"rate_limit_exceeded", KindRateLimit},
		{"usage_limit_reached", KindRateLimit},
		{"insufficient_quota", KindQuota},
		{"usage_not_included", KindQuota},
		{"quota_exceeded", KindQuota},
		{"invalid_api_key", KindAuth},
		{"invalid_auth", KindAuth},
		{"auth_refresh_failed", KindAuth},
		{"auth_session_expired", KindAuth},
		{"invalid_request", KindValidation},
		{"missing_prompt_cache_key", KindValidation},
		{"invalid_image_url", KindValidation},
		{"server_error", KindTransport},
		{"internal_server_error", KindTransport},
		{"refresh_token_invalid", KindPermanent},
		{"account_deleted", KindPermanent},
		{"stream_idle_timeout", KindStreamGuard},
		{"stream_event_too_large", KindStreamGuard},
		{"stream_incomplete", KindStreamGuard},
		{"something_novel", KindTransport},
	}
	for _, tt := range tests {
		if got := ClassifyErrorCode(tt.code); got != tt.want {
			t.Errorf("ClassifyErrorCode(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	if !KindRateLimit.Retryable() || !KindQuota.Retryable() || !KindTransport.Retryable() {
		t.Error("rate/quota/transport kinds must be retryable")
	}
	if KindAuth.Retryable() || KindValidation.Retryable() || KindPermanent.Retryable() || KindStreamGuard.Retryable() {
		t.Error("auth/validation/permanent/guard kinds must not be retryable")
	}
}

func TestNormalizedCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code string
		want string
	}{
		{"", "upstream_error"},
		{"rate_limit_exceeded", "rate_limit_exceeded"},
		{"stream_idle_timeout", "stream_idle_timeout"},
		{"server_error", "server_error"},
		{"my_custom_server_error", "my_custom_server_error"},
		{"mystery_code", "upstream_error"},
	}
	for _, tt := range tests {
		if got := NormalizedCode(tt.code); got != tt.want {
			t.Errorf("NormalizedCode(%q) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestEffectiveWindowReclassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		snap UsageSnapshot
		want Window
	}{
		{"primary stays", UsageSnapshot{Window: WindowPrimary, WindowMinutes: 300}, WindowPrimary},
		{"day-long primary becomes secondary", UsageSnapshot{Window: WindowPrimary, WindowMinutes: 1440}, WindowSecondary},
		{"week-long primary becomes secondary", UsageSnapshot{Window: WindowPrimary, WindowMinutes: 10080}, WindowSecondary},
		{"empty window defaults primary", UsageSnapshot{}, WindowPrimary},
		{"secondary stays", UsageSnapshot{Window: WindowSecondary, WindowMinutes: 10080}, WindowSecondary},
	}
	for _, tt := range tests {
		if got := tt.snap.EffectiveWindow(); got != tt.want {
			t.Errorf("%s: EffectiveWindow() = %q, want %q", tt.name, got, tt.want)
		}
	}
}
