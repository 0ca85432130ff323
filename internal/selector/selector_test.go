package selector

import (
	"context"
	"testing"
	"time"

	"github.com/codexlb/codexlb/internal/codexlb"
	"github.com/codexlb/codexlb/internal/sticky"
	"github.com/codexlb/codexlb/internal/testutil"
)

func newTestSelector(t *testing.T, store *testutil.FakeStore, strategy Strategy) (*Selector, sticky.Store) {
	t.Helper()
	mem, err := sticky.NewMemory(0, 0)
	if err != nil {
		t.Fatalf("sticky.NewMemory: %v", err)
	}
	builder := NewBuilder(store, mem, time.Nanosecond)
	return New(builder, store, mem, nil, strategy), mem
}

func activeAccount(id, email string, plan codexlb.PlanType) codexlb.Account {
	return codexlb.Account{AccountID: id, Email: email, PlanType: plan, Status: codexlb.StatusActive}
}

func TestSelectEmptyPoolReasons(t *testing.T) {
	ctx := context.Background()

	t.Run("no accounts", func(t *testing.T) {
		store := testutil.NewFakeStore()
		s, _ := newTestSelector(t, store, StrategyWastePressure)
		sel, err := s.Select(ctx, Input{RequestID: "r1"})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if sel.Account != nil || sel.ReasonCode != ReasonNoAccounts {
			t.Errorf("got %+v, want reason no_accounts", sel)
		}
	})

	t.Run("all deactivated", func(t *testing.T) {
		store := testutil.NewFakeStore()
		store.SeedAccount(codexlb.Account{
			AccountID: "a", Email: "a@x", Status: codexlb.StatusDeactivated,
			DeactivationReason: "refresh_token_invalid",
		})
		s, _ := newTestSelector(t, store, StrategyWastePressure)
		sel, _ := s.Select(ctx, Input{RequestID: "r1"})
		if sel.ReasonCode != ReasonAllDeactivated {
			t.Errorf("reason = %q, want all_deactivated", sel.ReasonCode)
		}
	})

	t.Run("all blocked", func(t *testing.T) {
		store := testutil.NewFakeStore()
		store.SeedAccount(codexlb.Account{
			AccountID: "a", Email: "a@x", Status: codexlb.StatusRateLimited,
			StatusResetAt: time.Now().Add(time.Hour),
		})
		s, _ := newTestSelector(t, store, StrategyWastePressure)
		sel, _ := s.Select(ctx, Input{RequestID: "r1"})
		if sel.ReasonCode != ReasonAllBlocked {
			t.Errorf("reason = %q, want all_blocked", sel.ReasonCode)
		}
	})
}

func TestStaleBlockReconciliation(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	store.SeedAccount(codexlb.Account{
		AccountID: "a", Email: "a@x", PlanType: codexlb.PlanPlus,
		Status:        codexlb.StatusRateLimited,
		StatusResetAt: time.Now().Add(-time.Minute),
	})
	// Usage gate also in the past.
	store.SeedUsage(codexlb.UsageSnapshot{
		AccountID: "a", Window: codexlb.WindowPrimary, UsedPercent: 50,
		ResetAt: time.Now().Add(-time.Minute), WindowMinutes: 300,
		RecordedAt: time.Now().Add(-time.Hour),
	})

	s, _ := newTestSelector(t, store, StrategyWastePressure)
	sel, err := s.Select(ctx, Input{RequestID: "r1"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Account == nil || sel.Account.AccountID != "a" {
		t.Fatalf("stale-blocked account should be selectable, got %+v", sel)
	}
	a, _ := store.AccountByID("a")
	if a.Status != codexlb.StatusActive {
		t.Errorf("reconciliation did not persist ACTIVE, got %s", a.Status)
	}
}

func TestBlockRespectsUsageResetGate(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	// status_reset_at passed, but the primary usage window resets later:
	// the effective gate is the max of the two.
	store.SeedAccount(codexlb.Account{
		AccountID: "a", Email: "a@x",
		Status:        codexlb.StatusRateLimited,
		StatusResetAt: time.Now().Add(-time.Minute),
	})
	store.SeedUsage(codexlb.UsageSnapshot{
		AccountID: "a", Window: codexlb.WindowPrimary, UsedPercent: 100,
		ResetAt: time.Now().Add(time.Hour), WindowMinutes: 300,
		RecordedAt: time.Now(),
	})

	s, _ := newTestSelector(t, store, StrategyWastePressure)
	sel, _ := s.Select(ctx, Input{RequestID: "r1"})
	if sel.Account != nil {
		t.Errorf("account should stay blocked until usage reset, got %s", sel.Account.AccountID)
	}
}

func TestSecondaryExhaustionMarksQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	store.SeedAccount(activeAccount("a", "a@x", codexlb.PlanPlus))
	store.SeedAccount(activeAccount("b", "b@x", codexlb.PlanPlus))
	store.SeedUsage(codexlb.UsageSnapshot{
		AccountID: "a", Window: codexlb.WindowSecondary, UsedPercent: 100,
		ResetAt: time.Now().Add(24 * time.Hour), WindowMinutes: 10080,
		RecordedAt: time.Now(),
	})

	s, _ := newTestSelector(t, store, StrategyWastePressure)
	sel, err := s.Select(ctx, Input{RequestID: "r1"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Account == nil || sel.Account.AccountID != "b" {
		t.Fatalf("expected b selected, got %+v", sel.Account)
	}
	a, _ := store.AccountByID("a")
	if a.Status != codexlb.StatusQuotaExceeded {
		t.Errorf("exhausted account status = %s, want QUOTA_EXCEEDED", a.Status)
	}
}

func TestStickyMappingHonored(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	store.SeedAccount(activeAccount("a", "a@x", codexlb.PlanPlus))
	store.SeedAccount(activeAccount("b", "b@x", codexlb.PlanPlus))

	s, mem := newTestSelector(t, store, StrategyWastePressure)
	if err := mem.Upsert(ctx, "key-1", "b"); err != nil {
		t.Fatalf("sticky seed: %v", err)
	}

	sel, err := s.Select(ctx, Input{StickyKey: "key-1", RequestID: "r1"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Account == nil || sel.Account.AccountID != "b" || !sel.FromSticky {
		t.Errorf("sticky mapping not honored: %+v", sel)
	}
}

func TestStickyOverriddenByPinnedPool(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	store.SeedAccount(activeAccount("a", "a@x", codexlb.PlanPlus))
	store.SeedAccount(activeAccount("b", "b@x", codexlb.PlanPlus))
	store.SeedSettings(codexlb.Settings{
		StickyThreadsEnabled: true,
		PinnedAccountIDs:     []string{"a"},
	})

	s, mem := newTestSelector(t, store, StrategyWastePressure)
	mem.Upsert(ctx, "key-1", "b")

	sel, _ := s.Select(ctx, Input{StickyKey: "key-1", RequestID: "r1"})
	if sel.Account == nil || sel.Account.AccountID != "a" {
		t.Fatalf("pinned pool should win over sticky target outside it, got %+v", sel.Account)
	}
	// The mapping is rewritten to the new selection.
	if id, ok, _ := mem.Get(ctx, "key-1"); !ok || id != "a" {
		t.Errorf("sticky mapping not rewritten, got %q ok=%v", id, ok)
	}
}

func TestReallocateStickyRewritesMapping(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	store.SeedAccount(activeAccount("a", "a@x", codexlb.PlanPlus))
	store.SeedAccount(activeAccount("b", "b@x", codexlb.PlanPlus))
	// a is nearly exhausted on the secondary window; b is fresh.
	now := time.Now()
	store.SeedUsage(codexlb.UsageSnapshot{
		AccountID: "a", Window: codexlb.WindowSecondary, UsedPercent: 95,
		ResetAt: now.Add(24 * time.Hour), WindowMinutes: 10080, RecordedAt: now,
	})
	store.SeedUsage(codexlb.UsageSnapshot{
		AccountID: "b", Window: codexlb.WindowSecondary, UsedPercent: 5,
		ResetAt: now.Add(24 * time.Hour), WindowMinutes: 10080, RecordedAt: now,
	})

	s, mem := newTestSelector(t, store, StrategyUsage)
	mem.Upsert(ctx, "key-1", "a")

	// Without reallocation the pin holds.
	sel, _ := s.Select(ctx, Input{StickyKey: "key-1", RequestID: "r1"})
	if sel.Account == nil || sel.Account.AccountID != "a" {
		t.Fatalf("pin should hold without reallocate, got %+v", sel.Account)
	}

	// With reallocation the mapping is rewritten to the scored winner.
	store.SeedUsage(codexlb.UsageSnapshot{
		AccountID: "a", Window: codexlb.WindowPrimary, UsedPercent: 95,
		ResetAt: now.Add(time.Hour), WindowMinutes: 300, RecordedAt: now,
	})
	store.SeedUsage(codexlb.UsageSnapshot{
		AccountID: "b", Window: codexlb.WindowPrimary, UsedPercent: 5,
		ResetAt: now.Add(time.Hour), WindowMinutes: 300, RecordedAt: now,
	})
	sel, _ = s.Select(ctx, Input{StickyKey: "key-1", ReallocateSticky: true, RequestID: "r2"})
	if sel.Account == nil || sel.Account.AccountID != "b" {
		t.Fatalf("reallocate should pick the better account, got %+v", sel.Account)
	}
	if id, _, _ := mem.Get(ctx, "key-1"); id != "b" {
		t.Errorf("mapping not rewritten on reallocate, got %q", id)
	}
}

func TestUsageStrategyPrefersLowestPrimary(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	store.SeedAccount(activeAccount("a", "a@x", codexlb.PlanPlus))
	store.SeedAccount(activeAccount("b", "b@x", codexlb.PlanPlus))
	now := time.Now()
	store.SeedUsage(codexlb.UsageSnapshot{
		AccountID: "a", Window: codexlb.WindowPrimary, UsedPercent: 80,
		ResetAt: now.Add(time.Hour), WindowMinutes: 300, RecordedAt: now,
	})
	store.SeedUsage(codexlb.UsageSnapshot{
		AccountID: "b", Window: codexlb.WindowPrimary, UsedPercent: 20,
		ResetAt: now.Add(time.Hour), WindowMinutes: 300, RecordedAt: now,
	})

	s, _ := newTestSelector(t, store, StrategyUsage)
	sel, _ := s.Select(ctx, Input{RequestID: "r1"})
	if sel.Account == nil || sel.Account.AccountID != "b" {
		t.Errorf("usage strategy should pick lowest primary, got %+v", sel.Account)
	}
}

func TestPreferEarlierResetTiering(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	store.SeedAccount(activeAccount("late", "late@x", codexlb.PlanPro))
	store.SeedAccount(activeAccount("soon", "soon@x", codexlb.PlanPlus))
	store.SeedSettings(codexlb.Settings{PreferEarlierResetAccounts: true})
	now := time.Now()
	// "late" has far more remaining credits, but "soon" resets days
	// earlier and must win the tier ranking.
	store.SeedUsage(codexlb.UsageSnapshot{
		AccountID: "late", Window: codexlb.WindowSecondary, UsedPercent: 0,
		ResetAt: now.Add(6 * 24 * time.Hour), WindowMinutes: 10080, RecordedAt: now,
	})
	store.SeedUsage(codexlb.UsageSnapshot{
		AccountID: "soon", Window: codexlb.WindowSecondary, UsedPercent: 50,
		ResetAt: now.Add(24 * time.Hour), WindowMinutes: 10080, RecordedAt: now,
	})

	s, _ := newTestSelector(t, store, StrategyWastePressure)
	sel, _ := s.Select(ctx, Input{RequestID: "r1"})
	if sel.Account == nil || sel.Account.AccountID != "soon" {
		t.Errorf("earlier reset bucket should win, got %+v", sel.Account)
	}
	if len(sel.TierScores) != 2 {
		t.Errorf("expected 2 tiers, got %d", len(sel.TierScores))
	}
}

func TestSelectionDeterministicPerRequestID(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	for _, id := range []string{"a", "b", "c", "d"} {
		store.SeedAccount(activeAccount(id, id+"@x", codexlb.PlanPlus))
	}

	s, _ := newTestSelector(t, store, StrategyWastePressure)
	first, _ := s.Select(ctx, Input{RequestID: "fixed-seed"})
	for i := 0; i < 5; i++ {
		again, _ := s.Select(ctx, Input{RequestID: "fixed-seed"})
		if again.Account.AccountID != first.Account.AccountID {
			t.Fatalf("selection not reproducible for same request id: %s vs %s",
				again.Account.AccountID, first.Account.AccountID)
		}
	}
}

func TestMarkRateLimitHintAndFloor(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	store.SeedAccount(activeAccount("a", "a@x", codexlb.PlanPlus))
	s, _ := newTestSelector(t, store, StrategyWastePressure)

	hint := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	a, _ := store.AccountByID("a")
	s.MarkRateLimit(ctx, a, &Hint{ResetsAt: hint})

	got, _ := store.AccountByID("a")
	if got.Status != codexlb.StatusRateLimited {
		t.Fatalf("status = %s", got.Status)
	}
	if !got.StatusResetAt.Equal(hint) {
		t.Errorf("status_reset_at = %v, want hint %v", got.StatusResetAt, hint)
	}

	// Marking again with the same hint must not advance the gate.
	s.MarkRateLimit(ctx, got, &Hint{ResetsAt: hint})
	again, _ := store.AccountByID("a")
	if !again.StatusResetAt.Equal(hint) {
		t.Errorf("repeated mark advanced gate to %v", again.StatusResetAt)
	}

	// Without a hint the floor applies.
	s.MarkRateLimit(ctx, again, nil)
	floored, _ := store.AccountByID("a")
	want := time.Now().Add(cooldownFloor)
	if floored.StatusResetAt.After(want.Add(time.Second)) || floored.StatusResetAt.Before(want.Add(-time.Second)) {
		t.Errorf("floor mark reset_at = %v, want ~%v", floored.StatusResetAt, want)
	}
}

func TestMarkPermanentFailureDeactivates(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	store.SeedAccount(activeAccount("a", "a@x", codexlb.PlanPlus))
	s, _ := newTestSelector(t, store, StrategyWastePressure)

	a, _ := store.AccountByID("a")
	s.MarkPermanentFailure(ctx, a, "refresh_token_invalid")

	got, _ := store.AccountByID("a")
	if got.Status != codexlb.StatusDeactivated || got.DeactivationReason != "refresh_token_invalid" {
		t.Errorf("got %+v", got)
	}

	sel, _ := s.Select(ctx, Input{RequestID: "r1"})
	if sel.Account != nil {
		t.Error("deactivated account must not be selected")
	}
}

func TestRecordErrorIsProcessLocal(t *testing.T) {
	store := testutil.NewFakeStore()
	store.SeedAccount(activeAccount("a", "a@x", codexlb.PlanPlus))
	s, _ := newTestSelector(t, store, StrategyWastePressure)

	s.RecordError("a")
	s.RecordError("a")
	if got := s.ErrorCount("a"); got != 2 {
		t.Errorf("ErrorCount = %d, want 2", got)
	}
	a, _ := store.AccountByID("a")
	if a.Status != codexlb.StatusActive {
		t.Error("record_error must not persist a status change")
	}
}
