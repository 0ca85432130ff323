package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/codexlb/codexlb/internal/codexlb"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *Store, id, email string) {
	t.Helper()
	err := s.Upsert(context.Background(), codexlb.Account{
		AccountID: id,
		Email:     email,
		PlanType:  codexlb.PlanPlus,
		Status:    codexlb.StatusActive,
	})
	if err != nil {
		t.Fatalf("Upsert(%s): %v", id, err)
	}
}

func TestAccountUpsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, "acc-b", "b@example.com")
	seedAccount(t, s, "acc-a", "a@example.com")

	accounts, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(accounts))
	}
	if accounts[0].Email != "a@example.com" || accounts[1].Email != "b@example.com" {
		t.Errorf("accounts not ordered by email: %v, %v", accounts[0].Email, accounts[1].Email)
	}
}

func TestAccountUpsertEmailCollisionMerges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, "acc-1", "same@example.com")

	err := s.Upsert(ctx, codexlb.Account{
		AccountID:      "acc-2",
		Email:          "same@example.com",
		PlanType:       codexlb.PlanPro,
		AccessTokenEnc: "new-access",
		Status:         codexlb.StatusActive,
	})
	if err != nil {
		t.Fatalf("Upsert collision: %v", err)
	}

	accounts, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("expected email collision to merge, got %d rows", len(accounts))
	}
	if accounts[0].AccountID != "acc-1" {
		t.Errorf("merge changed account_id: %s", accounts[0].AccountID)
	}
	if accounts[0].AccessTokenEnc != "new-access" || accounts[0].PlanType != codexlb.PlanPro {
		t.Errorf("merge did not carry token/plan fields: %+v", accounts[0])
	}
}

func TestUpdateStatusClearsReasonOnReactivate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", "a@example.com")

	reset := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := s.UpdateStatus(ctx, "acc-1", codexlb.StatusDeactivated, time.Time{}, "refresh_token_invalid"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := s.UpdateStatus(ctx, "acc-1", codexlb.StatusActive, reset, "stale"); err != nil {
		t.Fatalf("UpdateStatus reactivate: %v", err)
	}

	accounts, _ := s.List(ctx)
	if accounts[0].DeactivationReason != "" {
		t.Errorf("reactivation should clear deactivation_reason, got %q", accounts[0].DeactivationReason)
	}
	if !accounts[0].StatusResetAt.Equal(reset) {
		t.Errorf("status_reset_at = %v, want %v", accounts[0].StatusResetAt, reset)
	}

	if err := s.UpdateStatus(ctx, "missing", codexlb.StatusPaused, time.Time{}, ""); err == nil {
		t.Error("expected error for unknown account")
	}
}

func TestUpdateTokensPartialFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", "a@example.com")

	now := time.Now().UTC()
	if err := s.UpdateTokens(ctx, "acc-1", "at", "rt", "it", now, "", "", "ws-1"); err != nil {
		t.Fatalf("UpdateTokens: %v", err)
	}

	accounts, _ := s.List(ctx)
	a := accounts[0]
	if a.AccessTokenEnc != "at" || a.RefreshTokenEnc != "rt" || a.IDTokenEnc != "it" {
		t.Errorf("tokens not persisted: %+v", a)
	}
	if a.Email != "a@example.com" {
		t.Errorf("empty email argument must not overwrite, got %q", a.Email)
	}
	if a.ChatGPTAccountID != "ws-1" {
		t.Errorf("chatgpt_account_id = %q, want ws-1", a.ChatGPTAccountID)
	}
}

func TestDeleteCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", "a@example.com")

	if err := s.AddEntry(ctx, codexlb.UsageSnapshot{AccountID: "acc-1", UsedPercent: 10}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := s.Sticky().Upsert(ctx, "key-1", "acc-1"); err != nil {
		t.Fatalf("sticky upsert: %v", err)
	}
	if err := s.InsertBatch(ctx, []codexlb.RequestLog{{AccountID: "acc-1", Status: "success"}}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	if err := s.Delete(ctx, "acc-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	primary, err := s.LatestByAccount(ctx, codexlb.WindowPrimary)
	if err != nil {
		t.Fatalf("LatestByAccount: %v", err)
	}
	if len(primary) != 0 {
		t.Error("usage rows survived account delete")
	}
	counts, _ := s.Sticky().CountByAccount(ctx)
	if len(counts) != 0 {
		t.Error("sticky rows survived account delete")
	}
}

func TestUsageLatestAndEffectiveWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", "a@example.com")

	base := time.Now().UTC().Add(-time.Hour)
	// Older primary row; newer one should win.
	mustAdd(t, s, codexlb.UsageSnapshot{
		AccountID: "acc-1", RecordedAt: base, Window: codexlb.WindowPrimary,
		UsedPercent: 10, WindowMinutes: 300,
	})
	mustAdd(t, s, codexlb.UsageSnapshot{
		AccountID: "acc-1", RecordedAt: base.Add(time.Minute), Window: codexlb.WindowPrimary,
		UsedPercent: 20, WindowMinutes: 300,
	})
	// "primary" with a one-day window is really secondary.
	mustAdd(t, s, codexlb.UsageSnapshot{
		AccountID: "acc-1", RecordedAt: base, Window: codexlb.WindowPrimary,
		UsedPercent: 55, WindowMinutes: 10080,
	})

	primary, secondary, err := s.LatestPrimarySecondaryByAccount(ctx)
	if err != nil {
		t.Fatalf("LatestPrimarySecondaryByAccount: %v", err)
	}
	if got := primary["acc-1"].UsedPercent; got != 20 {
		t.Errorf("latest primary used_percent = %v, want 20", got)
	}
	if got := secondary["acc-1"].UsedPercent; got != 55 {
		t.Errorf("reclassified secondary used_percent = %v, want 55", got)
	}

	minutes, err := s.LatestWindowMinutes(ctx, codexlb.WindowSecondary)
	if err != nil {
		t.Fatalf("LatestWindowMinutes: %v", err)
	}
	if minutes != 10080 {
		t.Errorf("secondary window minutes = %d, want 10080", minutes)
	}
}

func TestUsageAggregateSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", "a@example.com")

	in1, out1 := int64(100), int64(50)
	in2, out2 := int64(300), int64(150)
	base := time.Now().UTC().Add(-30 * time.Minute)
	mustAdd(t, s, codexlb.UsageSnapshot{
		AccountID: "acc-1", RecordedAt: base, Window: codexlb.WindowPrimary,
		UsedPercent: 10, InputTokens: &in1, OutputTokens: &out1, WindowMinutes: 300,
	})
	mustAdd(t, s, codexlb.UsageSnapshot{
		AccountID: "acc-1", RecordedAt: base.Add(time.Minute), Window: codexlb.WindowPrimary,
		UsedPercent: 30, InputTokens: &in2, OutputTokens: &out2, WindowMinutes: 300,
	})

	aggs, err := s.AggregateSince(ctx, base.Add(-time.Minute), codexlb.WindowPrimary)
	if err != nil {
		t.Fatalf("AggregateSince: %v", err)
	}
	if len(aggs) != 1 {
		t.Fatalf("expected 1 aggregate row, got %d", len(aggs))
	}
	agg := aggs[0]
	if agg.Samples != 2 || agg.UsedPercentAvg != 20 {
		t.Errorf("samples=%d avg=%v, want 2/20", agg.Samples, agg.UsedPercentAvg)
	}
	if agg.InputTokensSum != 400 || agg.OutputTokensSum != 200 {
		t.Errorf("token sums = %d/%d, want 400/200", agg.InputTokensSum, agg.OutputTokensSum)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if !got.StickyThreadsEnabled {
		t.Error("sticky_threads_enabled should default to true")
	}

	want := codexlb.Settings{
		StickyThreadsEnabled:       false,
		PreferEarlierResetAccounts: true,
		PinnedAccountIDs:           []string{"a", "b", "a", ""},
	}
	if err := s.UpdateSettings(ctx, want); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	got, err = s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got.StickyThreadsEnabled || !got.PreferEarlierResetAccounts {
		t.Errorf("flags not persisted: %+v", got)
	}
	if len(got.PinnedAccountIDs) != 2 || got.PinnedAccountIDs[0] != "a" || got.PinnedAccountIDs[1] != "b" {
		t.Errorf("pinned ids not deduped in order: %v", got.PinnedAccountIDs)
	}
}

func TestStickyUpsertSemantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", "a@example.com")
	seedAccount(t, s, "acc-2", "b@example.com")

	st := s.Sticky()
	if err := st.Upsert(ctx, "key-1", "acc-1"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := st.Upsert(ctx, "key-1", "acc-2"); err != nil {
		t.Fatalf("Upsert overwrite: %v", err)
	}

	id, ok, err := st.Get(ctx, "key-1")
	if err != nil || !ok {
		t.Fatalf("Get: %v ok=%v", err, ok)
	}
	if id != "acc-2" {
		t.Errorf("upsert did not overwrite, got %s", id)
	}

	if _, ok, _ := st.Get(ctx, "missing"); ok {
		t.Error("missing key should not resolve")
	}

	if err := st.DeleteByAccount(ctx, "acc-2"); err != nil {
		t.Fatalf("DeleteByAccount: %v", err)
	}
	if _, ok, _ := st.Get(ctx, "key-1"); ok {
		t.Error("mapping survived DeleteByAccount")
	}
}

func mustAdd(t *testing.T, s *Store, snap codexlb.UsageSnapshot) {
	t.Helper()
	if err := s.AddEntry(context.Background(), snap); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
}
