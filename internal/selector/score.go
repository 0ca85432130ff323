package selector

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/codexlb/codexlb/internal/codexlb"
	"github.com/codexlb/codexlb/internal/planmodel"
)

// Strategy selects how accounts within the chosen pool are ranked.
type Strategy string

const (
	// StrategyWastePressure tiers by secondary reset bucket and draws
	// weighted by remaining credits, biasing toward accounts whose
	// credits would otherwise expire unused.
	StrategyWastePressure Strategy = "waste_pressure"
	// StrategyUsage prefers the account with the lowest primary
	// used_percent within a tier.
	StrategyUsage Strategy = "usage"
)

// drawEpsilon keeps zero-credit accounts drawable so an all-unknown-plan
// pool still selects.
const drawEpsilon = 1.0

// tierBucketSeconds is the granularity of the reset-time tier key.
const tierBucketSeconds = 24 * 60 * 60

// candidate is one eligible account with its precomputed scoring inputs.
type candidate struct {
	account            codexlb.Account
	remainingSecondary float64
	urgency            float64
	primaryUsedPercent float64
	resetSecondary     time.Time
	bucket             int64
}

// TierScore is the per-tier debug output of a selection.
type TierScore struct {
	Bucket     int64   `json:"bucket"`
	Accounts   int     `json:"accounts"`
	UrgencySum float64 `json:"urgency_sum"`
}

// buildCandidates computes scoring inputs for each pool member from the
// snapshot's latest usage.
func buildCandidates(snap *Snapshot, pool []codexlb.Account, now time.Time) []candidate {
	out := make([]candidate, 0, len(pool))
	for _, a := range pool {
		c := candidate{account: a}

		if p, ok := snap.LatestPrimary[a.AccountID]; ok {
			c.primaryUsedPercent = p.UsedPercent
		}
		if sec, ok := snap.LatestSecondary[a.AccountID]; ok {
			c.resetSecondary = sec.ResetAt
			if capSec, known := planmodel.CapacityFor(a.PlanType, codexlb.WindowSecondary); known {
				used := planmodel.UsedCredits(capSec.Credits, sec.UsedPercent)
				c.remainingSecondary = planmodel.RemainingCredits(capSec.Credits, used)
			}
		}

		timeToReset := c.resetSecondary.Sub(now).Seconds()
		if timeToReset < 0 {
			timeToReset = 0
		}
		c.urgency = c.remainingSecondary / max(1, timeToReset)

		if !c.resetSecondary.IsZero() {
			c.bucket = c.resetSecondary.Unix() / tierBucketSeconds
		}
		out = append(out, c)
	}
	return out
}

// pickFromPool partitions pool into tiers, ranks them, and picks one
// account from the winning tier according to strategy. seed salts the
// weighted draw so selections are reproducible per request id without
// herding every concurrent request onto the same account.
func pickFromPool(snap *Snapshot, pool []codexlb.Account, strategy Strategy, seed string, now time.Time) (codexlb.Account, int64, []TierScore) {
	cands := buildCandidates(snap, pool, now)

	tiered := snap.Settings.PreferEarlierResetAccounts
	tiers := make(map[int64][]candidate)
	for _, c := range cands {
		key := int64(0)
		if tiered {
			key = c.bucket
			if c.resetSecondary.IsZero() {
				// No known reset lands in the latest bucket so accounts
				// with real deadlines win.
				key = 1<<62 - 1
			}
		}
		tiers[key] = append(tiers[key], c)
	}

	type rankedTier struct {
		bucket     int64
		members    []candidate
		urgencySum float64
	}
	ranked := make([]rankedTier, 0, len(tiers))
	for bucket, members := range tiers {
		sum := 0.0
		for _, c := range members {
			sum += c.urgency
		}
		ranked = append(ranked, rankedTier{bucket: bucket, members: members, urgencySum: sum})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].bucket != ranked[j].bucket {
			return ranked[i].bucket < ranked[j].bucket
		}
		return ranked[i].urgencySum > ranked[j].urgencySum
	})

	scores := make([]TierScore, len(ranked))
	for i, t := range ranked {
		scores[i] = TierScore{Bucket: t.bucket, Accounts: len(t.members), UrgencySum: t.urgencySum}
	}

	winner := ranked[0]
	sortCandidates(winner.members)

	var chosen candidate
	switch strategy {
	case StrategyUsage:
		chosen = pickLowestUsage(winner.members)
	default:
		chosen = drawWeighted(winner.members, seed)
	}
	return chosen.account, winner.bucket, scores
}

// sortCandidates orders members by the deterministic tie-break chain:
// lower status_reset_at, then more recent last_refresh, then account id.
func sortCandidates(members []candidate) {
	sort.Slice(members, func(i, j int) bool {
		a, b := members[i].account, members[j].account
		ra, rb := epochOrMax(a.StatusResetAt), epochOrMax(b.StatusResetAt)
		if ra != rb {
			return ra < rb
		}
		if !a.LastRefresh.Equal(b.LastRefresh) {
			return a.LastRefresh.After(b.LastRefresh)
		}
		return a.AccountID < b.AccountID
	})
}

// epochOrMax orders unset reset times after any set one.
func epochOrMax(t time.Time) int64 {
	if t.IsZero() {
		return math.MaxInt64
	}
	return t.Unix()
}

// drawWeighted picks one member with probability proportional to its
// remaining secondary credits plus epsilon.
func drawWeighted(members []candidate, seed string) candidate {
	if len(members) == 1 {
		return members[0]
	}
	total := 0.0
	for _, c := range members {
		total += c.remainingSecondary + drawEpsilon
	}
	r := seededRand(seed).Float64() * total
	for _, c := range members {
		r -= c.remainingSecondary + drawEpsilon
		if r < 0 {
			return c
		}
	}
	return members[len(members)-1]
}

// pickLowestUsage returns the member with the lowest primary used_percent,
// breaking ties by higher remaining secondary credits; members is already
// in deterministic tie-break order for everything beyond that.
func pickLowestUsage(members []candidate) candidate {
	best := members[0]
	for _, c := range members[1:] {
		switch {
		case c.primaryUsedPercent < best.primaryUsedPercent:
			best = c
		case c.primaryUsedPercent == best.primaryUsedPercent && c.remainingSecondary > best.remainingSecondary:
			best = c
		}
	}
	return best
}

// seededRand derives a PRNG from the request-scoped seed string so the
// weighted draw is reproducible for a given request id.
func seededRand(seed string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(seed))
	return rand.New(rand.NewPCG(h.Sum64(), 0x634f6465784c42))
}
