package server

import (
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/codexlb/codexlb/internal/codexlb"
	"github.com/codexlb/codexlb/internal/planmodel"
	"github.com/codexlb/codexlb/internal/proxyservice"
	"github.com/codexlb/codexlb/internal/upstream"
)

// Testing-only header: bypasses the selector.
const forceAccountHeader = "X-Codex-Lb-Force-Account-Id"

// proxyRequest assembles the proxy input from the inbound HTTP request.
func (s *server) proxyRequest(r *http.Request, body []byte) proxyservice.Request {
	return proxyservice.Request{
		Body:             body,
		Headers:          r.Header,
		RequestID:        codexlb.RequestIDFromContext(r.Context()),
		ReallocateSticky: r.Header.Get("X-Codex-Lb-Reallocate-Sticky") == "true",
		ForceAccountID:   r.Header.Get(forceAccountHeader),
	}
}

// handleResponses proxies the native responses call. stream defaults to
// true; a body with stream=false gets the compact JSON treatment.
func (s *server) handleResponses(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	if v := gjson.GetBytes(body, "stream"); v.Exists() && v.Type == gjson.False {
		s.serveCompact(w, r, body)
		return
	}

	events, err := s.deps.Proxy.Stream(r.Context(), s.proxyRequest(r, body))
	if err != nil {
		writeError(w, err)
		return
	}

	s.setUsageHeaders(w, r)
	writeSSEHeaders(w)
	flusher, _ := w.(http.Flusher)
	for ev := range events {
		w.Write(upstream.EncodeEvent(ev))
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleCompact proxies the non-streaming compact call.
func (s *server) handleCompact(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	s.serveCompact(w, r, body)
}

func (s *server) serveCompact(w http.ResponseWriter, r *http.Request, body []byte) {
	resp, err := s.deps.Proxy.Compact(r.Context(), s.proxyRequest(r, body))
	if err != nil {
		writeError(w, err)
		return
	}
	s.setUsageHeaders(w, r)
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

// handleCodexUsage reports the pool-wide usage summary per window.
func (s *server) handleCodexUsage(w http.ResponseWriter, r *http.Request) {
	summary, err := s.usageSummary(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// usageSummaryResponse is the /api/codex/usage body.
type usageSummaryResponse struct {
	Primary   windowSummaryJSON `json:"primary"`
	Secondary windowSummaryJSON `json:"secondary"`
	Credits   creditsJSON       `json:"credits"`
	Accounts  int               `json:"accounts"`
}

type creditsJSON struct {
	Has       bool    `json:"has"`
	Unlimited bool    `json:"unlimited"`
	Balance   float64 `json:"balance"`
}

type windowSummaryJSON struct {
	UsedPercent     float64 `json:"used_percent"`
	CapacityCredits float64 `json:"capacity_credits"`
	UsedCredits     float64 `json:"used_credits"`
	ResetAt         int64   `json:"reset_at,omitempty"`
	WindowMinutes   int     `json:"window_minutes"`
}

func (s *server) usageSummary(r *http.Request) (usageSummaryResponse, error) {
	ctx := r.Context()
	accounts, err := s.deps.Store.List(ctx)
	if err != nil {
		return usageSummaryResponse{}, err
	}
	primary, secondary, err := s.deps.Store.LatestPrimarySecondaryByAccount(ctx)
	if err != nil {
		return usageSummaryResponse{}, err
	}

	byID := make(map[string]codexlb.Account, len(accounts))
	for _, a := range accounts {
		byID[a.AccountID] = a
	}

	out := usageSummaryResponse{
		Primary:   toSummaryJSON(planmodel.SummarizeWindow(mapValues(primary), byID)),
		Secondary: toSummaryJSON(planmodel.SummarizeWindow(mapValues(secondary), byID)),
		Accounts:  len(accounts),
	}
	for _, snap := range secondary {
		if snap.CreditHas {
			out.Credits = creditsJSON{Has: true, Unlimited: snap.CreditUnlimited, Balance: out.Credits.Balance + snap.CreditBalance}
		}
	}
	return out, nil
}

func mapValues(m map[string]codexlb.UsageSnapshot) []codexlb.UsageSnapshot {
	out := make([]codexlb.UsageSnapshot, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func toSummaryJSON(s planmodel.WindowSummary) windowSummaryJSON {
	out := windowSummaryJSON{
		UsedPercent:     s.UsedPercent,
		CapacityCredits: s.CapacityCredits,
		UsedCredits:     s.UsedCredits,
		WindowMinutes:   s.WindowMinutes,
	}
	if !s.ResetAt.IsZero() {
		out.ResetAt = s.ResetAt.Unix()
	}
	return out
}

// setUsageHeaders attaches the x-codex-* usage headers to a proxied
// response. Best-effort: header omission is preferable to failing the
// proxied call.
func (s *server) setUsageHeaders(w http.ResponseWriter, r *http.Request) {
	summary, err := s.usageSummary(r)
	if err != nil {
		return
	}
	h := w.Header()
	setWindowHeaders(h, "x-codex-primary", summary.Primary)
	setWindowHeaders(h, "x-codex-secondary", summary.Secondary)
	h.Set("x-codex-credits-has", strconv.FormatBool(summary.Credits.Has))
	h.Set("x-codex-credits-unlimited", strconv.FormatBool(summary.Credits.Unlimited))
	h.Set("x-codex-credits-balance", strconv.FormatFloat(summary.Credits.Balance, 'f', 2, 64))
}

func setWindowHeaders(h http.Header, prefix string, s windowSummaryJSON) {
	h.Set(prefix+"-used-percent", strconv.FormatFloat(s.UsedPercent, 'f', 2, 64))
	h.Set(prefix+"-window-minutes", strconv.Itoa(s.WindowMinutes))
	if s.ResetAt > 0 {
		h.Set(prefix+"-reset-at", strconv.FormatInt(s.ResetAt, 10))
	}
}
