package config

import (
	"context"
	"testing"

	"github.com/codexlb/codexlb/internal/codexlb"
	"github.com/codexlb/codexlb/internal/secrets"
	"github.com/codexlb/codexlb/internal/testutil"
)

func testBox(t *testing.T) *secrets.Box {
	t.Helper()
	box, err := secrets.NewBox(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	return box
}

func TestBootstrapSeedsAccountsAndSettings(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	box := testBox(t)

	prefer := true
	cfg := &Config{
		Accounts: []AccountEntry{
			{Email: "a@example.com", PlanType: "pro", RefreshToken: "rt-1", ChatGPTAccountID: "ws-1"},
			{Email: "", AccessToken: "ignored"}, // missing email, skipped
		},
		Settings: &SettingsEntry{
			PreferEarlierResetAccounts: prefer,
			PinnedAccountIDs:           []string{"acc-1"},
		},
	}

	if err := Bootstrap(ctx, cfg, store, box); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	accounts, _ := store.List(ctx)
	if len(accounts) != 1 {
		t.Fatalf("expected 1 seeded account, got %d", len(accounts))
	}
	a := accounts[0]
	if a.PlanType != codexlb.PlanPro || a.Status != codexlb.StatusActive || a.ChatGPTAccountID != "ws-1" {
		t.Errorf("seeded account = %+v", a)
	}
	if a.RefreshTokenEnc == "" || a.RefreshTokenEnc == "rt-1" {
		t.Error("refresh token must be stored encrypted")
	}
	if got, err := box.Decrypt(a.RefreshTokenEnc); err != nil || got != "rt-1" {
		t.Errorf("decrypt round trip = %q, err=%v", got, err)
	}

	settings, _ := store.GetSettings(ctx)
	if !settings.PreferEarlierResetAccounts || len(settings.PinnedAccountIDs) != 1 {
		t.Errorf("settings = %+v", settings)
	}
	if !settings.StickyThreadsEnabled {
		t.Error("sticky threads should default on when unset in the seed")
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	box := testBox(t)

	cfg := &Config{Accounts: []AccountEntry{{Email: "a@example.com", RefreshToken: "rt-1"}}}
	if err := Bootstrap(ctx, cfg, store, box); err != nil {
		t.Fatalf("first Bootstrap: %v", err)
	}
	accounts, _ := store.List(ctx)
	first := accounts[0]

	// Second run with a different token must not touch the existing row.
	cfg.Accounts[0].RefreshToken = "rt-2"
	if err := Bootstrap(ctx, cfg, store, box); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	accounts, _ = store.List(ctx)
	if len(accounts) != 1 {
		t.Fatalf("idempotent bootstrap duplicated accounts: %d", len(accounts))
	}
	if accounts[0].RefreshTokenEnc != first.RefreshTokenEnc {
		t.Error("existing account was overwritten on re-bootstrap")
	}
}
