// Package authmanager keeps account access tokens fresh: it parses the
// token's exp claim, refreshes lazily against the OAuth token endpoint,
// and classifies refresh failures as permanent or transient so the proxy
// can deactivate dead accounts instead of retrying them forever.
package authmanager

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/codexlb/codexlb/internal/codexlb"
	"github.com/codexlb/codexlb/internal/secrets"
	"github.com/codexlb/codexlb/internal/storage"
)

const (
	// expirySlack is how close to expiry a token may be before it is
	// refreshed anyway.
	expirySlack = 60 * time.Second
	// refreshTimeout bounds the whole refresh round trip.
	refreshTimeout = 30 * time.Second
)

// permanentOAuthErrors are token-endpoint error codes that mean the
// refresh token itself is dead; retrying with it can never succeed.
var permanentOAuthErrors = map[string]bool{
	"invalid_grant":       true,
	"invalid_client":      true,
	"unauthorized_client": true,
}

// Manager refreshes account tokens lazily.
type Manager struct {
	store storage.AccountStore
	box   *secrets.Box
	oauth oauth2.Config
	http  *http.Client
	now   func() time.Time
}

// New builds a Manager. authBase is the OAuth issuer base; the token
// endpoint is ${authBase}/oauth/token.
func New(store storage.AccountStore, box *secrets.Box, authBase, clientID string, client *http.Client) *Manager {
	if client == nil {
		client = &http.Client{Timeout: refreshTimeout}
	}
	return &Manager{
		store: store,
		box:   box,
		oauth: oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				TokenURL: strings.TrimRight(authBase, "/") + "/oauth/token",
			},
		},
		http: client,
		now:  time.Now,
	}
}

// Credentials is the decrypted token set EnsureFresh hands back to the
// proxy pipeline. Tokens never leave this struct unencrypted except into
// the Authorization header.
type Credentials struct {
	AccessToken string
	Account     codexlb.Account
}

// EnsureFresh returns usable credentials for account, refreshing first
// when the access token is within a minute of expiry or force is set.
// A *codexlb.RefreshError with Permanent=true means the account should be
// deactivated; Permanent=false means the caller may retry once.
func (m *Manager) EnsureFresh(ctx context.Context, account codexlb.Account, force bool) (Credentials, error) {
	access, err := m.box.Decrypt(account.AccessTokenEnc)
	if err != nil {
		return Credentials{}, &codexlb.RefreshError{Code: "token_decrypt_failed", Permanent: true, Cause: err}
	}

	if !force && access != "" {
		if exp, ok := tokenExpiry(access); ok && m.now().Add(expirySlack).Before(exp) {
			return Credentials{AccessToken: access, Account: account}, nil
		}
	}
	return m.refresh(ctx, account)
}

func (m *Manager) refresh(ctx context.Context, account codexlb.Account) (Credentials, error) {
	refreshToken, err := m.box.Decrypt(account.RefreshTokenEnc)
	if err != nil {
		return Credentials{}, &codexlb.RefreshError{Code: "token_decrypt_failed", Permanent: true, Cause: err}
	}
	if refreshToken == "" {
		return Credentials{}, &codexlb.RefreshError{Code: "refresh_token_invalid", Permanent: true, Cause: errors.New("account has no refresh token")}
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.http)

	tok, err := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return Credentials{}, classifyRefreshError(err)
	}

	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	idToken, _ := tok.Extra("id_token").(string)

	accessEnc, err := m.box.Encrypt(tok.AccessToken)
	if err != nil {
		return Credentials{}, fmt.Errorf("authmanager: encrypt access token: %w", err)
	}
	refreshEnc, err := m.box.Encrypt(newRefresh)
	if err != nil {
		return Credentials{}, fmt.Errorf("authmanager: encrypt refresh token: %w", err)
	}
	idEnc, err := m.box.Encrypt(idToken)
	if err != nil {
		return Credentials{}, fmt.Errorf("authmanager: encrypt id token: %w", err)
	}

	now := m.now().UTC()
	if err := m.store.UpdateTokens(ctx, account.AccountID, accessEnc, refreshEnc, idEnc, now, "", "", ""); err != nil {
		return Credentials{}, fmt.Errorf("authmanager: persist tokens: %w", err)
	}

	account.AccessTokenEnc = accessEnc
	account.RefreshTokenEnc = refreshEnc
	account.IDTokenEnc = idEnc
	account.LastRefresh = now
	return Credentials{AccessToken: tok.AccessToken, Account: account}, nil
}

// classifyRefreshError folds an oauth2 retrieve error into the domain's
// RefreshError, deciding permanence from the OAuth error code and status.
func classifyRefreshError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		code := rerr.ErrorCode
		if code == "" {
			code = fmt.Sprintf("auth_http_%d", statusOf(rerr))
		}
		permanent := permanentOAuthErrors[rerr.ErrorCode] ||
			(statusOf(rerr) == http.StatusForbidden)
		return &codexlb.RefreshError{Code: code, Permanent: permanent, Cause: err}
	}
	return &codexlb.RefreshError{Code: "auth_refresh_failed", Permanent: false, Cause: err}
}

func statusOf(rerr *oauth2.RetrieveError) int {
	if rerr.Response != nil {
		return rerr.Response.StatusCode
	}
	return 0
}

// tokenExpiry parses the exp claim of a JWT access token without
// verifying the signature (the upstream verifies; we only need the
// expiry for refresh scheduling).
func tokenExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	exp := gjson.GetBytes(payload, "exp")
	if !exp.Exists() {
		return time.Time{}, false
	}
	return time.Unix(exp.Int(), 0), true
}
