package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func rates(in, cached, out string) Rates {
	return Rates{
		InputPer1M:       decimal.RequireFromString(in),
		CachedInputPer1M: decimal.RequireFromString(cached),
		OutputPer1M:      decimal.RequireFromString(out),
	}
}

func TestCanonicalLongestPatternWins(t *testing.T) {
	t.Parallel()

	table := NewTable(map[string]string{
		"gpt-5*":       "gpt-5",
		"gpt-5-codex*": "gpt-5-codex",
		"o3*":          "o3",
	}, nil)

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-5-codex-high", "gpt-5-codex"}, // longest pattern beats gpt-5*
		{"gpt-5-mini", "gpt-5"},
		{"GPT-5-CODEX", "gpt-5-codex"}, // case-insensitive
		{"o3-pro", "o3"},
		{"unknown-model", "unknown-model"}, // passthrough
	}
	for _, tt := range tests {
		if got := table.Canonical(tt.model); got != tt.want {
			t.Errorf("Canonical(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestRatesForResolvesAliases(t *testing.T) {
	t.Parallel()

	table := NewTable(
		map[string]string{"gpt-5*": "gpt-5"},
		map[string]Rates{"gpt-5": rates("1.25", "0.125", "10")},
	)
	if _, ok := table.RatesFor("gpt-5-codex"); !ok {
		t.Error("aliased model should resolve to a rate entry")
	}
	if _, ok := table.RatesFor("claude-3"); ok {
		t.Error("unknown model must not resolve")
	}
}

func TestDefaultTable(t *testing.T) {
	t.Parallel()

	table := DefaultTable()
	if got := table.Canonical("gpt-5-codex-high"); got != "gpt-5-codex" {
		t.Errorf("Canonical = %q", got)
	}
	if _, ok := table.RatesFor("gpt-5-mini"); !ok {
		t.Error("gpt-5 family should have rates")
	}
	if _, ok := table.RatesFor("totally-unknown"); ok {
		t.Error("unknown model must not resolve")
	}
}

func TestCost(t *testing.T) {
	t.Parallel()

	r := rates("1", "0.1", "10")

	tests := []struct {
		name                              string
		input, cached, output, reasoning  int64
		want                              string
	}{
		// (1000-200)/1e6*1 + 200/1e6*0.1 + 500/1e6*10
		{"basic", 1000, 200, 500, 0, "0.00582"},
		// cached clamps to input
		{"cached exceeds input", 100, 500, 0, 0, "0.00001"},
		// negative cached clamps to zero
		{"negative cached", 100, -5, 0, 0, "0.0001"},
		// output falls back to reasoning tokens
		{"reasoning fallback", 0, 0, 0, 300, "0.003"},
		// explicit output wins over reasoning
		{"output present", 0, 0, 100, 300, "0.001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cost(r, tt.input, tt.cached, tt.output, tt.reasoning)
			want := decimal.RequireFromString(tt.want)
			if !got.Equal(want) {
				t.Errorf("Cost = %s, want %s", got, want)
			}
		})
	}
}
