// Package config provides configuration loading and database bootstrapping.
package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/codexlb/codexlb/internal/codexlb"
	"github.com/codexlb/codexlb/internal/secrets"
	"github.com/codexlb/codexlb/internal/storage"
)

// Bootstrap seeds accounts and settings from the config file on first
// run. It is idempotent: accounts whose email already exists are skipped,
// and the settings row is only written when the file carries a settings
// block.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store, box *secrets.Box) error {
	existing, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: list accounts: %w", err)
	}
	byEmail := make(map[string]struct{}, len(existing))
	for _, a := range existing {
		byEmail[a.Email] = struct{}{}
	}

	for _, entry := range cfg.Accounts {
		if entry.Email == "" {
			slog.Warn("account seed missing email, skipped", "account_id", entry.AccountID)
			continue
		}
		if _, ok := byEmail[entry.Email]; ok {
			continue
		}
		account, err := seedAccount(entry, box)
		if err != nil {
			return err
		}
		if err := store.Upsert(ctx, account); err != nil {
			return fmt.Errorf("bootstrap: seed account %q: %w", entry.Email, err)
		}
		slog.Info("bootstrapped account", "email", entry.Email, "plan", entry.PlanType)
	}

	if cfg.Settings != nil {
		settings := codexlb.Settings{
			StickyThreadsEnabled:       cfg.Settings.StickyThreadsEnabled == nil || *cfg.Settings.StickyThreadsEnabled,
			PreferEarlierResetAccounts: cfg.Settings.PreferEarlierResetAccounts,
			PinnedAccountIDs:           cfg.Settings.PinnedAccountIDs,
		}
		if err := store.UpdateSettings(ctx, settings); err != nil {
			return fmt.Errorf("bootstrap: settings: %w", err)
		}
		slog.Info("bootstrapped settings",
			"sticky_threads", settings.StickyThreadsEnabled,
			"pinned", len(settings.PinnedAccountIDs),
		)
	}
	return nil
}

func seedAccount(entry AccountEntry, box *secrets.Box) (codexlb.Account, error) {
	id := entry.AccountID
	if id == "" {
		id = uuid.New().String()
	}
	plan := entry.PlanType
	if plan == "" {
		plan = string(codexlb.PlanPlus)
	}

	accessEnc, err := box.Encrypt(entry.AccessToken)
	if err != nil {
		return codexlb.Account{}, fmt.Errorf("bootstrap: encrypt access token for %q: %w", entry.Email, err)
	}
	refreshEnc, err := box.Encrypt(entry.RefreshToken)
	if err != nil {
		return codexlb.Account{}, fmt.Errorf("bootstrap: encrypt refresh token for %q: %w", entry.Email, err)
	}
	idEnc, err := box.Encrypt(entry.IDToken)
	if err != nil {
		return codexlb.Account{}, fmt.Errorf("bootstrap: encrypt id token for %q: %w", entry.Email, err)
	}

	return codexlb.Account{
		AccountID:        id,
		ChatGPTAccountID: entry.ChatGPTAccountID,
		Email:            entry.Email,
		PlanType:         codexlb.PlanType(plan),
		AccessTokenEnc:   accessEnc,
		RefreshTokenEnc:  refreshEnc,
		IDTokenEnc:       idEnc,
		Status:           codexlb.StatusActive,
	}, nil
}
