// Package pricing implements canonical model aliasing and per-token cost
// accounting from usage counters, grounded in the gateway's flat-rate
// estimateCost helper but replacing it with a real per-model rate table.
package pricing

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Rates is the {input, cached_input, output} per-1M-token price for one
// canonical model.
type Rates struct {
	InputPer1M       decimal.Decimal
	CachedInputPer1M decimal.Decimal
	OutputPer1M      decimal.Decimal
}

// alias is a glob pattern -> canonical model name mapping entry.
type alias struct {
	pattern   string
	canonical string
}

// Table is the pricing engine: a glob-pattern alias table resolved
// longest-pattern-wins, and a canonical-model rate table.
type Table struct {
	aliases []alias // sorted longest pattern first
	rates   map[string]Rates
}

// NewTable builds a Table from an alias map (pattern -> canonical) and a
// rate map (canonical -> Rates).
func NewTable(aliases map[string]string, rates map[string]Rates) *Table {
	t := &Table{rates: rates}
	for pattern, canonical := range aliases {
		t.aliases = append(t.aliases, alias{pattern: pattern, canonical: canonical})
	}
	// Longest pattern wins on overlap; sort descending by length, then
	// lexicographically for determinism among equal-length patterns.
	sort.Slice(t.aliases, func(i, j int) bool {
		if len(t.aliases[i].pattern) != len(t.aliases[j].pattern) {
			return len(t.aliases[i].pattern) > len(t.aliases[j].pattern)
		}
		return t.aliases[i].pattern < t.aliases[j].pattern
	})
	return t
}

// Canonical resolves model to its canonical name via the longest matching
// glob pattern (case-insensitive). If nothing matches, model is returned
// unchanged (assumed already canonical).
func (t *Table) Canonical(model string) string {
	lower := strings.ToLower(model)
	for _, a := range t.aliases {
		if ok, _ := filepath.Match(strings.ToLower(a.pattern), lower); ok {
			return a.canonical
		}
	}
	return model
}

// RatesFor returns the Rates for model (resolved via Canonical), and
// whether a rate entry was found.
func (t *Table) RatesFor(model string) (Rates, bool) {
	r, ok := t.rates[t.Canonical(model)]
	return r, ok
}

// DefaultTable returns the built-in alias and rate tables for the model
// families the upstream currently serves. Rates are USD per 1M tokens.
func DefaultTable() *Table {
	return NewTable(
		map[string]string{
			"gpt-5-codex*": "gpt-5-codex",
			"gpt-5*":       "gpt-5",
			"codex-mini*":  "codex-mini",
			"o3*":          "o3",
			"o4-mini*":     "o4-mini",
		},
		map[string]Rates{
			"gpt-5":       {InputPer1M: decimal.RequireFromString("1.25"), CachedInputPer1M: decimal.RequireFromString("0.125"), OutputPer1M: decimal.RequireFromString("10")},
			"gpt-5-codex": {InputPer1M: decimal.RequireFromString("1.25"), CachedInputPer1M: decimal.RequireFromString("0.125"), OutputPer1M: decimal.RequireFromString("10")},
			"codex-mini":  {InputPer1M: decimal.RequireFromString("1.5"), CachedInputPer1M: decimal.RequireFromString("0.375"), OutputPer1M: decimal.RequireFromString("6")},
			"o3":          {InputPer1M: decimal.RequireFromString("2"), CachedInputPer1M: decimal.RequireFromString("0.5"), OutputPer1M: decimal.RequireFromString("8")},
			"o4-mini":     {InputPer1M: decimal.RequireFromString("1.1"), CachedInputPer1M: decimal.RequireFromString("0.275"), OutputPer1M: decimal.RequireFromString("4.4")},
		},
	)
}

// million is the per-token divisor used throughout cost math.
var million = decimal.NewFromInt(1_000_000)

// Cost computes the dollar cost of one request's token usage against
// rates, per P5: cost = (input-cached)/1e6*r_in + cached/1e6*r_c +
// output/1e6*r_o, where cached clamps to [0, input] and output falls back
// to reasoningTokens when zero.
func Cost(rates Rates, inputTokens, cachedTokens, outputTokens, reasoningTokens int64) decimal.Decimal {
	if cachedTokens < 0 {
		cachedTokens = 0
	}
	if cachedTokens > inputTokens {
		cachedTokens = inputTokens
	}
	if outputTokens == 0 && reasoningTokens > 0 {
		outputTokens = reasoningTokens
	}

	uncachedInput := decimal.NewFromInt(inputTokens - cachedTokens)
	cached := decimal.NewFromInt(cachedTokens)
	output := decimal.NewFromInt(outputTokens)

	inputCost := uncachedInput.Div(million).Mul(rates.InputPer1M)
	cachedCost := cached.Div(million).Mul(rates.CachedInputPer1M)
	outputCost := output.Div(million).Mul(rates.OutputPer1M)

	return inputCost.Add(cachedCost).Add(outputCost)
}
