package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/codexlb/codexlb/internal/codexlb"
)

// accountJSON is the admin view of an account. Token material is never
// serialized, only whether it is present.
type accountJSON struct {
	AccountID          string `json:"account_id"`
	ChatGPTAccountID   string `json:"chatgpt_account_id,omitempty"`
	Email              string `json:"email"`
	PlanType           string `json:"plan_type"`
	Status             string `json:"status"`
	StatusResetAt      int64  `json:"status_reset_at,omitempty"`
	DeactivationReason string `json:"deactivation_reason,omitempty"`
	LastRefresh        string `json:"last_refresh,omitempty"`
	HasTokens          bool   `json:"has_tokens"`
}

func toAccountJSON(a codexlb.Account) accountJSON {
	out := accountJSON{
		AccountID:          a.AccountID,
		ChatGPTAccountID:   a.ChatGPTAccountID,
		Email:              a.Email,
		PlanType:           string(a.PlanType),
		Status:             string(a.Status),
		DeactivationReason: a.DeactivationReason,
		HasTokens:          a.RefreshTokenEnc != "",
	}
	if a.HasStatusResetAt() {
		out.StatusResetAt = a.StatusResetAt.Unix()
	}
	if !a.LastRefresh.IsZero() {
		out.LastRefresh = a.LastRefresh.UTC().Format(time.RFC3339)
	}
	return out
}

func (s *server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Store.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, adminErrorEnvelope("store_error", err.Error()))
		return
	}
	out := make([]accountJSON, len(accounts))
	for i, a := range accounts {
		out[i] = toAccountJSON(a)
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

// createAccountRequest carries pre-encrypted token material; onboarding
// (OAuth import, encryption) happens outside this surface.
type createAccountRequest struct {
	AccountID        string `json:"account_id"`
	ChatGPTAccountID string `json:"chatgpt_account_id"`
	Email            string `json:"email"`
	PlanType         string `json:"plan_type"`
	AccessTokenEnc   string `json:"access_token_enc"`
	RefreshTokenEnc  string `json:"refresh_token_enc"`
	IDTokenEnc       string `json:"id_token_enc"`
}

func (s *server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" {
		writeJSON(w, http.StatusBadRequest, adminErrorEnvelope("invalid_request", "email is required"))
		return
	}
	if req.AccountID == "" {
		req.AccountID = uuid.New().String()
	}
	if req.PlanType == "" {
		req.PlanType = string(codexlb.PlanPlus)
	}
	account := codexlb.Account{
		AccountID:        req.AccountID,
		ChatGPTAccountID: req.ChatGPTAccountID,
		Email:            req.Email,
		PlanType:         codexlb.PlanType(req.PlanType),
		AccessTokenEnc:   req.AccessTokenEnc,
		RefreshTokenEnc:  req.RefreshTokenEnc,
		IDTokenEnc:       req.IDTokenEnc,
		Status:           codexlb.StatusActive,
	}
	if err := s.deps.Store.Upsert(r.Context(), account); err != nil {
		writeJSON(w, http.StatusInternalServerError, adminErrorEnvelope("store_error", err.Error()))
		return
	}
	s.invalidateSnapshot()
	writeJSON(w, http.StatusCreated, toAccountJSON(account))
}

type updateStatusRequest struct {
	Status  string `json:"status"`
	ResetAt int64  `json:"reset_at,omitempty"` // epoch seconds
	Reason  string `json:"reason,omitempty"`
}

var validStatuses = map[codexlb.AccountStatus]bool{
	codexlb.StatusActive:        true,
	codexlb.StatusRateLimited:   true,
	codexlb.StatusQuotaExceeded: true,
	codexlb.StatusPaused:        true,
	codexlb.StatusDeactivated:   true,
}

func (s *server) handleUpdateAccountStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status := codexlb.AccountStatus(req.Status)
	if !validStatuses[status] {
		writeJSON(w, http.StatusBadRequest, adminErrorEnvelope("invalid_request", "unknown status"))
		return
	}
	if status == codexlb.StatusDeactivated && req.Reason == "" {
		writeJSON(w, http.StatusBadRequest, adminErrorEnvelope("invalid_request", "deactivation requires a reason"))
		return
	}
	var resetAt time.Time
	if req.ResetAt > 0 {
		resetAt = time.Unix(req.ResetAt, 0).UTC()
	}
	if err := s.deps.Store.UpdateStatus(r.Context(), id, status, resetAt, req.Reason); err != nil {
		writeJSON(w, errStatusOr500(err), adminErrorEnvelope("store_error", err.Error()))
		return
	}
	s.invalidateSnapshot()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.Delete(r.Context(), id); err != nil {
		writeJSON(w, errStatusOr500(err), adminErrorEnvelope("store_error", err.Error()))
		return
	}
	if s.deps.Sticky != nil {
		// Memory backends have no foreign keys to cascade through.
		s.deps.Sticky.DeleteByAccount(r.Context(), id)
	}
	s.invalidateSnapshot()
	w.WriteHeader(http.StatusNoContent)
}

type settingsJSON struct {
	StickyThreadsEnabled       bool     `json:"sticky_threads_enabled"`
	PreferEarlierResetAccounts bool     `json:"prefer_earlier_reset_accounts"`
	PinnedAccountIDs           []string `json:"pinned_account_ids"`
}

func (s *server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.deps.Store.GetSettings(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, adminErrorEnvelope("store_error", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, settingsJSON{
		StickyThreadsEnabled:       settings.StickyThreadsEnabled,
		PreferEarlierResetAccounts: settings.PreferEarlierResetAccounts,
		PinnedAccountIDs:           settings.PinnedAccountIDs,
	})
}

func (s *server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsJSON
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.deps.Store.UpdateSettings(r.Context(), codexlb.Settings{
		StickyThreadsEnabled:       req.StickyThreadsEnabled,
		PreferEarlierResetAccounts: req.PreferEarlierResetAccounts,
		PinnedAccountIDs:           req.PinnedAccountIDs,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, adminErrorEnvelope("store_error", err.Error()))
		return
	}
	s.invalidateSnapshot()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) invalidateSnapshot() {
	if s.deps.Selector != nil {
		s.deps.Selector.InvalidateSnapshot()
	}
}

func errStatusOr500(err error) int {
	if status := codexlb.ErrorStatus(err); status == http.StatusNotFound {
		return status
	}
	return http.StatusInternalServerError
}
