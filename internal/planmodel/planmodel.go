// Package planmodel implements the plan->capacity tables and the
// percent<->credit math used to turn a raw usage_percent reading into
// credits, and to aggregate multiple usage rows into one window summary.
package planmodel

import (
	"time"

	"github.com/codexlb/codexlb/internal/codexlb"
)

// Capacity is the credits-per-cycle for a single window.
type Capacity struct {
	Credits       float64
	WindowMinutes int
}

// defaultPrimaryWindowMinutes and defaultSecondaryWindowMinutes are used
// when a plan's capacity table does not supply an explicit window size.
const (
	defaultPrimaryWindowMinutes   = 300
	defaultSecondaryWindowMinutes = 10080
)

// capacityTable holds the known plan -> {primary, secondary} credit caps.
// Plans absent from this table have unknown capacity (no credit math is
// meaningful; callers fall back to percent-only comparisons).
var capacityTable = map[codexlb.PlanType]struct{ primary, secondary float64 }{
	codexlb.PlanPlus:     {225, 7560},
	codexlb.PlanBusiness: {225, 7560},
	codexlb.PlanTeam:     {225, 7560},
	codexlb.PlanPro:      {1500, 50400},
}

// CapacityFor returns the credit capacity for plan/window. ok is false when
// the plan is not in the known table (capacity unknown).
func CapacityFor(plan codexlb.PlanType, window codexlb.Window) (cap Capacity, ok bool) {
	entry, known := capacityTable[plan]
	if !known {
		return Capacity{}, false
	}
	switch window {
	case codexlb.WindowPrimary:
		return Capacity{Credits: entry.primary, WindowMinutes: defaultPrimaryWindowMinutes}, true
	case codexlb.WindowSecondary:
		return Capacity{Credits: entry.secondary, WindowMinutes: defaultSecondaryWindowMinutes}, true
	default:
		return Capacity{}, false
	}
}

// UsedCredits converts a used_percent reading into credits for the given
// capacity.
func UsedCredits(capacityCredits, usedPercent float64) float64 {
	return capacityCredits * usedPercent / 100
}

// RemainingCredits is max(0, capacity - used).
func RemainingCredits(capacityCredits, usedCredits float64) float64 {
	if r := capacityCredits - usedCredits; r > 0 {
		return r
	}
	return 0
}

// RemainingPercent is max(0, 100 - used_percent).
func RemainingPercent(usedPercent float64) float64 {
	if r := 100 - usedPercent; r > 0 {
		return r
	}
	return 0
}

// WindowSummary is the aggregated view of many usage rows for one window
// across one or more accounts.
type WindowSummary struct {
	UsedPercent     float64
	CapacityCredits float64
	UsedCredits     float64
	ResetAt         time.Time
	WindowMinutes   int
}

// SummarizeWindow aggregates rows (one UsageSnapshot per account, already
// filtered to the effective window of interest) into a single summary:
// used_percent is the credit-weighted average across plans with known
// capacity (falling back to a simple percent average when no account has
// known capacity), reset_at is the earliest reset across all rows, and
// window_minutes is the largest window size observed.
func SummarizeWindow(rows []codexlb.UsageSnapshot, accounts map[string]codexlb.Account) WindowSummary {
	var (
		totalCapacity float64
		totalUsed     float64
		haveCapacity  bool
		percentSum    float64
		percentCount  int
		minReset      time.Time
		maxWindowMin  int
	)

	for _, row := range rows {
		acct, hasAcct := accounts[row.AccountID]
		if hasAcct {
			if cap, ok := CapacityFor(acct.PlanType, row.EffectiveWindow()); ok {
				used := UsedCredits(cap.Credits, row.UsedPercent)
				totalCapacity += cap.Credits
				totalUsed += used
				haveCapacity = true
			}
		}
		percentSum += row.UsedPercent
		percentCount++

		if !row.ResetAt.IsZero() && (minReset.IsZero() || row.ResetAt.Before(minReset)) {
			minReset = row.ResetAt
		}
		if row.WindowMinutes > maxWindowMin {
			maxWindowMin = row.WindowMinutes
		}
	}

	summary := WindowSummary{ResetAt: minReset, WindowMinutes: maxWindowMin}
	if haveCapacity && totalCapacity > 0 {
		summary.CapacityCredits = totalCapacity
		summary.UsedCredits = totalUsed
		summary.UsedPercent = totalUsed / totalCapacity * 100
	} else if percentCount > 0 {
		summary.UsedPercent = percentSum / float64(percentCount)
	}
	return summary
}
