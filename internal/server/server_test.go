package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codexlb/codexlb/internal/authmanager"
	"github.com/codexlb/codexlb/internal/codexlb"
	"github.com/codexlb/codexlb/internal/proxyservice"
	"github.com/codexlb/codexlb/internal/selector"
	"github.com/codexlb/codexlb/internal/sticky"
	"github.com/codexlb/codexlb/internal/testutil"
	"github.com/codexlb/codexlb/internal/upstream"
)

// scriptedUpstream serves canned events keyed by the account's workspace id.
type scriptedUpstream struct {
	events  map[string][]upstream.Event
	compact map[string][]byte
	errs    map[string]error
}

func (s *scriptedUpstream) Stream(_ context.Context, req upstream.StreamRequest) (<-chan upstream.Event, error) {
	if err := s.errs[req.ChatGPTAccountID]; err != nil {
		return nil, err
	}
	events := s.events[req.ChatGPTAccountID]
	ch := make(chan upstream.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (s *scriptedUpstream) Compact(_ context.Context, req upstream.StreamRequest) ([]byte, error) {
	if err := s.errs[req.ChatGPTAccountID]; err != nil {
		return nil, err
	}
	return s.compact[req.ChatGPTAccountID], nil
}

type noopAuth struct{}

func (noopAuth) EnsureFresh(_ context.Context, account codexlb.Account, _ bool) (authmanager.Credentials, error) {
	return authmanager.Credentials{AccessToken: "tok", Account: account}, nil
}

type discardLogs struct{}

func (discardLogs) Record(codexlb.RequestLog) {}

type testServer struct {
	handler  http.Handler
	store    *testutil.FakeStore
	upstream *scriptedUpstream
}

func newTestServer(t *testing.T, accounts ...codexlb.Account) *testServer {
	t.Helper()
	store := testutil.NewFakeStore()
	for _, a := range accounts {
		if a.ChatGPTAccountID == "" {
			a.ChatGPTAccountID = a.AccountID
		}
		store.SeedAccount(a)
	}
	mem, err := sticky.NewMemory(0, 0)
	if err != nil {
		t.Fatalf("sticky: %v", err)
	}
	builder := selector.NewBuilder(store, mem, time.Nanosecond)
	sel := selector.New(builder, store, mem, nil, selector.StrategyUsage)

	up := &scriptedUpstream{
		events:  make(map[string][]upstream.Event),
		compact: make(map[string][]byte),
		errs:    make(map[string]error),
	}
	proxy := proxyservice.New(sel, noopAuth{}, up, discardLogs{}, nil, nil, 3, nil)

	handler := New(Deps{
		Proxy:    proxy,
		Store:    store,
		Sticky:   mem,
		Selector: sel,
	})
	return &testServer{handler: handler, store: store, upstream: up}
}

func activeAccount(id string) codexlb.Account {
	return codexlb.Account{AccountID: id, Email: id + "@x", PlanType: codexlb.PlanPlus, Status: codexlb.StatusActive}
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)
	if rec := doRequest(t, ts.handler, "GET", "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	if rec := doRequest(t, ts.handler, "GET", "/readyz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("readyz = %d", rec.Code)
	}
}

func TestRequestIDMirrored(t *testing.T) {
	ts := newTestServer(t)
	rec := doRequest(t, ts.handler, "GET", "/healthz", "", map[string]string{"X-Request-Id": "req-123"})
	if got := rec.Header().Get("X-Request-Id"); got != "req-123" {
		t.Errorf("request id not mirrored, got %q", got)
	}

	// request-id is honored too; invalid values are replaced.
	rec = doRequest(t, ts.handler, "GET", "/healthz", "", map[string]string{"Request-Id": "alt-456"})
	if got := rec.Header().Get("X-Request-Id"); got != "alt-456" {
		t.Errorf("alt request id not honored, got %q", got)
	}
	rec = doRequest(t, ts.handler, "GET", "/healthz", "", map[string]string{"X-Request-Id": "bad id!"})
	if got := rec.Header().Get("X-Request-Id"); got == "bad id!" || got == "" {
		t.Errorf("invalid request id should be replaced, got %q", got)
	}
}

func TestResponsesNoAccountsStreaming(t *testing.T) {
	ts := newTestServer(t)
	rec := doRequest(t, ts.handler, "POST", "/v1/responses", `{"model":"gpt-5"}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (errors ride the stream)", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "response.failed") || !strings.Contains(body, "no_accounts") {
		t.Errorf("expected terminal no_accounts frame, got %q", body)
	}
}

func TestResponsesNoAccountsNonStreaming(t *testing.T) {
	ts := newTestServer(t)
	rec := doRequest(t, ts.handler, "POST", "/v1/responses", `{"model":"gpt-5","stream":false}`, nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var env codexlb.ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Code != "no_accounts" || env.Error.Type != "server_error" {
		t.Errorf("envelope = %+v", env.Error)
	}
}

func TestResponsesStreamingSuccess(t *testing.T) {
	ts := newTestServer(t, activeAccount("acc-1"))
	completed, _ := json.Marshal(map[string]any{
		"type":     "response.completed",
		"response": map[string]any{"usage": map[string]int64{"input_tokens": 3, "output_tokens": 5}},
	})
	ts.upstream.events["acc-1"] = []upstream.Event{
		{Type: "response.output_text.delta", Raw: []byte(`{"type":"response.output_text.delta","delta":"hi"}`)},
		{Type: "response.completed", Raw: completed, Usage: &upstream.Usage{InputTokens: 3, OutputTokens: 5}},
	}
	ts.store.SeedUsage(codexlb.UsageSnapshot{
		AccountID: "acc-1", Window: codexlb.WindowPrimary, UsedPercent: 25,
		ResetAt: time.Now().Add(time.Hour), WindowMinutes: 300, RecordedAt: time.Now(),
	})

	rec := doRequest(t, ts.handler, "POST", "/v1/responses", `{"model":"gpt-5"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "response.output_text.delta") || !strings.Contains(body, "response.completed") {
		t.Errorf("events not forwarded: %q", body)
	}
	if got := rec.Header().Get("x-codex-primary-used-percent"); got != "25.00" {
		t.Errorf("usage header = %q, want 25.00", got)
	}
	if rec.Header().Get("x-codex-credits-has") == "" {
		t.Error("credits headers missing")
	}
}

func TestResponsesRejectsStoreTrue(t *testing.T) {
	ts := newTestServer(t, activeAccount("acc-1"))
	rec := doRequest(t, ts.handler, "POST", "/v1/responses", `{"model":"gpt-5","store":true}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var env codexlb.ErrorEnvelope
	json.Unmarshal(rec.Body.Bytes(), &env)
	if env.Error.Param == nil || *env.Error.Param != "store" {
		t.Errorf("param = %v", env.Error.Param)
	}
}

func TestCompactEndpoint(t *testing.T) {
	ts := newTestServer(t, activeAccount("acc-1"))
	ts.upstream.compact["acc-1"] = []byte(`{"id":"resp_1","output_text":"hello"}`)

	rec := doRequest(t, ts.handler, "POST", "/v1/responses/compact", `{"model":"gpt-5"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"resp_1"`) {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	ts := newTestServer(t, activeAccount("acc-1"))
	completed, _ := json.Marshal(map[string]any{
		"type":     "response.completed",
		"response": map[string]any{"usage": map[string]int64{"input_tokens": 2, "output_tokens": 4}},
	})
	ts.upstream.events["acc-1"] = []upstream.Event{
		{Type: "response.output_text.delta", Raw: []byte(`{"type":"response.output_text.delta","delta":"hel"}`)},
		{Type: "response.output_text.delta", Raw: []byte(`{"type":"response.output_text.delta","delta":"lo"}`)},
		{Type: "response.completed", Raw: completed, Usage: &upstream.Usage{InputTokens: 2, OutputTokens: 4}},
	}

	rec := doRequest(t, ts.handler, "POST", "/v1/chat/completions",
		`{"model":"gpt-5","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hello" {
		t.Errorf("choices = %+v", resp.Choices)
	}
	if resp.Usage.TotalTokens != 6 {
		t.Errorf("total tokens = %d, want 6", resp.Usage.TotalTokens)
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	ts := newTestServer(t, activeAccount("acc-1"))
	ts.upstream.events["acc-1"] = []upstream.Event{
		{Type: "response.output_text.delta", Raw: []byte(`{"type":"response.output_text.delta","delta":"hi"}`)},
		{Type: "response.completed", Raw: []byte(`{"type":"response.completed"}`)},
	}

	rec := doRequest(t, ts.handler, "POST", "/v1/chat/completions",
		`{"model":"gpt-5","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	body := rec.Body.String()
	if !strings.Contains(body, "chat.completion.chunk") {
		t.Errorf("no chunks in %q", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("missing [DONE] sentinel: %q", body)
	}
}

func TestChatCompletionsRequiresModelAndMessages(t *testing.T) {
	ts := newTestServer(t, activeAccount("acc-1"))
	rec := doRequest(t, ts.handler, "POST", "/v1/chat/completions", `{"model":"gpt-5"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCodexUsageEndpoint(t *testing.T) {
	ts := newTestServer(t, activeAccount("acc-1"))
	now := time.Now()
	ts.store.SeedUsage(codexlb.UsageSnapshot{
		AccountID: "acc-1", Window: codexlb.WindowPrimary, UsedPercent: 40,
		ResetAt: now.Add(time.Hour), WindowMinutes: 300, RecordedAt: now,
	})
	ts.store.SeedUsage(codexlb.UsageSnapshot{
		AccountID: "acc-1", Window: codexlb.WindowSecondary, UsedPercent: 10,
		ResetAt: now.Add(100 * time.Hour), WindowMinutes: 10080, RecordedAt: now,
		CreditHas: true, CreditBalance: 12.5,
	})

	rec := doRequest(t, ts.handler, "GET", "/api/codex/usage", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp usageSummaryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Primary.UsedPercent != 40 || resp.Secondary.UsedPercent != 10 {
		t.Errorf("summary = %+v", resp)
	}
	if !resp.Credits.Has || resp.Credits.Balance != 12.5 {
		t.Errorf("credits = %+v", resp.Credits)
	}
	if resp.Accounts != 1 {
		t.Errorf("accounts = %d", resp.Accounts)
	}
}

func TestForceAccountHeader(t *testing.T) {
	ts := newTestServer(t, activeAccount("acc-1"), activeAccount("acc-2"))
	ts.upstream.events["acc-2"] = []upstream.Event{
		{Type: "response.completed", Raw: []byte(`{"type":"response.completed"}`)},
	}
	rec := doRequest(t, ts.handler, "POST", "/v1/responses", `{"model":"gpt-5"}`,
		map[string]string{forceAccountHeader: "acc-2"})
	if !strings.Contains(rec.Body.String(), "response.completed") {
		t.Errorf("forced account did not serve: %q", rec.Body.String())
	}
}

func TestAdminAccountsAndSettings(t *testing.T) {
	ts := newTestServer(t, activeAccount("acc-1"))

	rec := doRequest(t, ts.handler, "GET", "/admin/v1/accounts", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "acc-1@x") {
		t.Errorf("list accounts = %d %q", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "token_enc") {
		t.Error("token material must not be serialized")
	}

	rec = doRequest(t, ts.handler, "POST", "/admin/v1/accounts",
		`{"email":"new@x","plan_type":"pro","refresh_token_enc":"enc"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, ts.handler, "PATCH", "/admin/v1/accounts/acc-1/status",
		`{"status":"PAUSED"}`, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("patch status = %d %s", rec.Code, rec.Body.String())
	}
	a, _ := ts.store.AccountByID("acc-1")
	if a.Status != codexlb.StatusPaused {
		t.Errorf("status = %s", a.Status)
	}

	// Deactivation without a reason is rejected.
	rec = doRequest(t, ts.handler, "PATCH", "/admin/v1/accounts/acc-1/status",
		`{"status":"DEACTIVATED"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("deactivate without reason = %d", rec.Code)
	}

	rec = doRequest(t, ts.handler, "PUT", "/admin/v1/settings",
		`{"sticky_threads_enabled":false,"prefer_earlier_reset_accounts":true,"pinned_account_ids":["acc-1"]}`, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put settings = %d", rec.Code)
	}
	rec = doRequest(t, ts.handler, "GET", "/admin/v1/settings", "", nil)
	var settings settingsJSON
	json.Unmarshal(rec.Body.Bytes(), &settings)
	if settings.StickyThreadsEnabled || !settings.PreferEarlierResetAccounts {
		t.Errorf("settings = %+v", settings)
	}

	rec = doRequest(t, ts.handler, "DELETE", "/admin/v1/accounts/acc-1", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	if _, ok := ts.store.AccountByID("acc-1"); ok {
		t.Error("account not deleted")
	}

	rec = doRequest(t, ts.handler, "DELETE", "/admin/v1/accounts/ghost", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete missing = %d, want 404", rec.Code)
	}
}
