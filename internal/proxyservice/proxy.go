// Package proxyservice orchestrates one proxied request end to end:
// select an account, refresh its token, stream from the upstream,
// classify failures, mark the account, and retry on the next account
// while logging every attempt.
package proxyservice

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/codexlb/codexlb/internal/authmanager"
	"github.com/codexlb/codexlb/internal/codexlb"
	"github.com/codexlb/codexlb/internal/pricing"
	"github.com/codexlb/codexlb/internal/selector"
	"github.com/codexlb/codexlb/internal/telemetry"
	"github.com/codexlb/codexlb/internal/upstream"
)

// DefaultMaxAttempts bounds how many accounts one request may burn
// through before giving up.
const DefaultMaxAttempts = 3

// Upstream is the slice of the upstream client the proxy uses.
type Upstream interface {
	Stream(ctx context.Context, req upstream.StreamRequest) (<-chan upstream.Event, error)
	Compact(ctx context.Context, req upstream.StreamRequest) ([]byte, error)
}

// AuthManager keeps account tokens fresh.
type AuthManager interface {
	EnsureFresh(ctx context.Context, account codexlb.Account, force bool) (authmanager.Credentials, error)
}

// LogRecorder accepts request logs without blocking.
type LogRecorder interface {
	Record(codexlb.RequestLog)
}

// Service is the per-request orchestrator.
type Service struct {
	selector    *selector.Selector
	auth        AuthManager
	upstream    Upstream
	logs        LogRecorder
	metrics     *telemetry.Metrics
	tracer      trace.Tracer // nil disables tracing
	pricing     *pricing.Table
	maxAttempts int
	keySecret   []byte
	now         func() time.Time
}

// New wires a Service. metrics and tracer may be nil; maxAttempts <= 0
// falls back to DefaultMaxAttempts. keySecret keys the sticky/request
// fingerprint hashes so raw prompt_cache_key values never appear in
// storage or logs.
func New(sel *selector.Selector, auth AuthManager, up Upstream, logs LogRecorder, metrics *telemetry.Metrics, tracer trace.Tracer, maxAttempts int, keySecret []byte) *Service {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Service{
		selector:    sel,
		auth:        auth,
		upstream:    up,
		logs:        logs,
		metrics:     metrics,
		tracer:      tracer,
		pricing:     pricing.DefaultTable(),
		maxAttempts: maxAttempts,
		keySecret:   keySecret,
		now:         time.Now,
	}
}

// Request is one inbound proxy call.
type Request struct {
	Body             []byte
	Headers          http.Header
	RequestID        string // minted when empty
	ReallocateSticky bool
	ForceAccountID   string // testing bypass: skip the selector
}

// EnsureRequestID derives or mints the request id, mirroring it into the
// returned value.
func (r *Request) EnsureRequestID() string {
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
	return r.RequestID
}

// Stream proxies a streaming call. The returned channel yields the
// upstream events of the winning attempt; any terminal failure is
// delivered as a response.failed event rather than an error. The only
// error return is a client-payload rejection (*codexlb.ClientPayloadError).
func (s *Service) Stream(ctx context.Context, req Request) (<-chan upstream.Event, error) {
	if err := ValidatePayload(req.Body); err != nil {
		return nil, err
	}
	req.EnsureRequestID()
	ctx = codexlb.ContextWithRequestID(ctx, req.RequestID)

	out := make(chan upstream.Event, 4)
	go s.run(ctx, req, out)
	return out, nil
}

func (s *Service) run(ctx context.Context, req Request, out chan<- upstream.Event) {
	defer close(out)

	stickyKey := s.stickyKey(req.Body)
	model := gjson.GetBytes(req.Body, "model").String()
	reasoningEffort := gjson.GetBytes(req.Body, "reasoning.effort").String()

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		account, reason, ok := s.pick(ctx, req, stickyKey, attempt)
		if !ok {
			s.emit(ctx, out, upstream.FailureEvent(reason, "No available accounts"))
			return
		}

		creds, err := s.auth.EnsureFresh(ctx, account, false)
		if err != nil {
			s.handleRefreshFailure(ctx, account, err, model, reasoningEffort, req.RequestID)
			continue
		}
		account = creds.Account

		done := s.attempt(ctx, req, account, creds.AccessToken, model, reasoningEffort, attempt, out)
		if done {
			return
		}
	}

	s.emit(ctx, out, upstream.FailureEvent(selector.ReasonNoAccounts, "No available accounts after retries"))
}

// pick chooses the account for this attempt: the forced account when the
// test-only bypass header was set, the selector otherwise. Sticky
// reallocation is forced from the second attempt on so retries move off
// the account that just failed.
func (s *Service) pick(ctx context.Context, req Request, stickyKey string, attempt int) (codexlb.Account, string, bool) {
	if req.ForceAccountID != "" {
		if account, ok := s.selector.Lookup(ctx, req.ForceAccountID); ok {
			return account, "", true
		}
		return codexlb.Account{}, selector.ReasonNoAccounts, false
	}

	sel, err := s.selector.Select(ctx, selector.Input{
		StickyKey:        stickyKey,
		ReallocateSticky: req.ReallocateSticky || attempt > 1,
		RequestID:        req.RequestID,
	})
	if err != nil || sel.Account == nil {
		reason := selector.ReasonNoAccounts
		if err == nil && sel.ReasonCode != "" {
			reason = sel.ReasonCode
		}
		return codexlb.Account{}, reason, false
	}
	return *sel.Account, "", true
}

// attempt runs one streaming attempt. It reports true when the request is
// finished (success or a terminal failure was forwarded), false when the
// caller should retry with another account.
func (s *Service) attempt(ctx context.Context, req Request, account codexlb.Account, accessToken, model, reasoningEffort string, attemptNo int, out chan<- upstream.Event) bool {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.tracer != nil {
		var span trace.Span
		attemptCtx, span = s.tracer.Start(attemptCtx, "upstream.Stream",
			trace.WithAttributes(
				attribute.String("account_id", account.AccountID),
				attribute.Int("attempt", attemptNo),
			),
		)
		defer span.End()
	}

	start := s.now()
	events, err := s.upstream.Stream(attemptCtx, upstream.StreamRequest{
		Body:             req.Body,
		InboundHeaders:   req.Headers,
		AccessToken:      accessToken,
		ChatGPTAccountID: account.ChatGPTAccountID,
		RequestID:        req.RequestID,
	})
	if err != nil {
		code, hint := errorCodeAndHint(err)
		retryable := codexlb.ClassifyErrorCode(code).Retryable() && attemptNo < s.maxAttempts
		s.applyMark(ctx, account, code, hint)
		s.logAttempt(account, req.RequestID, model, reasoningEffort, start, nil, code, err.Error())
		if retryable {
			return false
		}
		s.emit(ctx, out, upstream.FailureEvent(codexlb.NormalizedCode(code), err.Error()))
		return true
	}

	first := true
	var usage *upstream.Usage
	for ev := range events {
		if ev.Usage != nil {
			usage = ev.Usage
		}

		if first && ev.IsFailure() {
			first = false
			kind := codexlb.ClassifyErrorCode(ev.ErrorCode)
			if kind.Retryable() && attemptNo < s.maxAttempts {
				cancel()
				s.applyMark(ctx, account, ev.ErrorCode, hintFromEvent(ev))
				s.logAttempt(account, req.RequestID, model, reasoningEffort, start, usage, ev.ErrorCode, ev.ErrorMessage)
				return false
			}
			s.applyMark(ctx, account, ev.ErrorCode, hintFromEvent(ev))
			s.logAttempt(account, req.RequestID, model, reasoningEffort, start, usage, ev.ErrorCode, ev.ErrorMessage)
			s.emit(ctx, out, ev)
			return true
		}
		first = false

		if ev.IsTerminal() && ev.IsFailure() {
			s.applyMark(ctx, account, ev.ErrorCode, hintFromEvent(ev))
			s.logAttempt(account, req.RequestID, model, reasoningEffort, start, usage, ev.ErrorCode, ev.ErrorMessage)
			s.emit(ctx, out, ev)
			return true
		}

		s.emit(ctx, out, ev)

		if ev.IsTerminal() {
			s.logAttempt(account, req.RequestID, model, reasoningEffort, start, usage, "", "")
			return true
		}
	}

	// The channel closed without a terminal event: the client was
	// cancelled mid-stream. Log what we saw and stop.
	s.logAttempt(account, req.RequestID, model, reasoningEffort, start, usage, "client_disconnected", "stream closed before a terminal event")
	return true
}

// Compact proxies the non-streaming call: same selection, auth, and
// classification discipline, one JSON round trip.
func (s *Service) Compact(ctx context.Context, req Request) ([]byte, error) {
	if err := ValidatePayload(req.Body); err != nil {
		return nil, err
	}
	req.EnsureRequestID()
	ctx = codexlb.ContextWithRequestID(ctx, req.RequestID)

	stickyKey := s.stickyKey(req.Body)
	model := gjson.GetBytes(req.Body, "model").String()
	reasoningEffort := gjson.GetBytes(req.Body, "reasoning.effort").String()

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		account, reason, ok := s.pick(ctx, req, stickyKey, attempt)
		if !ok {
			return nil, noAccountsError(reason)
		}

		creds, err := s.auth.EnsureFresh(ctx, account, false)
		if err != nil {
			s.handleRefreshFailure(ctx, account, err, model, reasoningEffort, req.RequestID)
			lastErr = err
			continue
		}
		account = creds.Account

		start := s.now()
		body, err := s.upstream.Compact(ctx, upstream.StreamRequest{
			Body:             req.Body,
			InboundHeaders:   req.Headers,
			AccessToken:      creds.AccessToken,
			ChatGPTAccountID: account.ChatGPTAccountID,
			RequestID:        req.RequestID,
		})
		if err != nil {
			code, hint := errorCodeAndHint(err)
			s.applyMark(ctx, account, code, hint)
			s.logAttempt(account, req.RequestID, model, reasoningEffort, start, nil, code, err.Error())
			if codexlb.ClassifyErrorCode(code).Retryable() && attempt < s.maxAttempts {
				lastErr = err
				continue
			}
			return nil, err
		}

		s.logAttempt(account, req.RequestID, model, reasoningEffort, start, usageFromBody(body), "", "")
		return body, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, noAccountsError(selector.ReasonNoAccounts)
}

func (s *Service) handleRefreshFailure(ctx context.Context, account codexlb.Account, err error, model, reasoningEffort, requestID string) {
	code := "auth_refresh_failed"
	var rerr *codexlb.RefreshError
	if errors.As(err, &rerr) {
		code = rerr.Code
		if rerr.Permanent {
			s.selector.MarkPermanentFailure(ctx, account, rerr.Code)
		} else {
			s.selector.RecordError(account.AccountID)
		}
	}
	s.logAttempt(account, requestID, model, reasoningEffort, s.now(), nil, code, err.Error())
}

// applyMark maps a classified error code to the matching marking call.
func (s *Service) applyMark(ctx context.Context, account codexlb.Account, code string, hint *selector.Hint) {
	switch codexlb.ClassifyErrorCode(code) {
	case codexlb.KindRateLimit:
		s.selector.MarkRateLimit(ctx, account, hint)
	case codexlb.KindQuota:
		s.selector.MarkQuotaExceeded(ctx, account, hint)
	case codexlb.KindPermanent:
		s.selector.MarkPermanentFailure(ctx, account, code)
	default:
		s.selector.RecordError(account.AccountID)
	}
}

// logAttempt enqueues exactly one request log for this attempt.
func (s *Service) logAttempt(account codexlb.Account, requestID, model, reasoningEffort string, start time.Time, usage *upstream.Usage, errorCode, errorMessage string) {
	entry := codexlb.RequestLog{
		AccountID:       account.AccountID,
		RequestID:       requestID,
		Model:           model,
		ReasoningEffort: reasoningEffort,
		LatencyMs:       s.now().Sub(start).Milliseconds(),
		Status:          "success",
		RequestedAt:     start.UTC(),
	}
	if usage != nil {
		entry.InputTokens = usage.InputTokens
		entry.OutputTokens = usage.OutputTokens
		entry.CachedInputTokens = usage.CachedInputTokens
		entry.ReasoningTokens = usage.ReasoningTokens
	}
	if errorCode != "" {
		entry.Status = "error"
		entry.ErrorCode = codexlb.NormalizedCode(errorCode)
		entry.ErrorMessage = errorMessage
	}
	if s.logs != nil {
		s.logs.Record(entry)
	}
	if s.metrics != nil {
		s.metrics.ProxyAttemptsTotal.WithLabelValues(entry.Status).Inc()
		if entry.Status == "success" && usage != nil && s.pricing != nil {
			if rates, ok := s.pricing.RatesFor(model); ok {
				cost := pricing.Cost(rates, entry.InputTokens, entry.CachedInputTokens, entry.OutputTokens, entry.ReasoningTokens)
				s.metrics.EstimatedCostTotal.WithLabelValues(s.pricing.Canonical(model)).Add(cost.InexactFloat64())
			}
		}
	}
}

func (s *Service) emit(ctx context.Context, out chan<- upstream.Event, ev upstream.Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

// errorCodeAndHint extracts the classification code and any reset hint
// from a pre-stream upstream error.
func errorCodeAndHint(err error) (string, *selector.Hint) {
	var perr *codexlb.ProxyResponseError
	if errors.As(err, &perr) {
		code := perr.Envelope.Error.Code
		if code == "" {
			if perr.Status >= 500 {
				code = "upstream_error"
			} else if perr.Status == http.StatusTooManyRequests {
				code = "rate_limit_exceeded"
			} else {
				code = "invalid_request"
			}
		}
		var hint *selector.Hint
		if perr.Envelope.Error.ResetsAt != nil {
			hint = &selector.Hint{ResetsAt: time.Unix(*perr.Envelope.Error.ResetsAt, 0)}
		}
		return code, hint
	}
	return "upstream_error", nil
}

// hintFromEvent reads an error.resets_at epoch from a failure event.
func hintFromEvent(ev upstream.Event) *selector.Hint {
	resets := gjson.GetBytes(ev.Raw, "error.resets_at")
	if !resets.Exists() {
		return nil
	}
	return &selector.Hint{ResetsAt: time.Unix(resets.Int(), 0)}
}

// usageFromBody extracts token usage from a compact JSON response.
func usageFromBody(body []byte) *upstream.Usage {
	u := gjson.GetBytes(body, "usage")
	if !u.Exists() {
		return nil
	}
	return &upstream.Usage{
		InputTokens:       gjson.Get(u.Raw, "input_tokens").Int(),
		OutputTokens:      gjson.Get(u.Raw, "output_tokens").Int(),
		CachedInputTokens: gjson.Get(u.Raw, "cached_tokens").Int(),
		ReasoningTokens:   gjson.Get(u.Raw, "reasoning_tokens").Int(),
	}
}

// noAccountsError wraps an empty-pool reason for non-streaming callers.
func noAccountsError(reason string) error {
	return &codexlb.ProxyResponseError{
		Status: http.StatusServiceUnavailable,
		Envelope: codexlb.ErrorEnvelope{
			Error: codexlb.ErrorBody{
				Message: "No available accounts",
				Type:    "server_error",
				Code:    reason,
			},
		},
	}
}
