package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"agentcore/pkg/config"
)

func scored(id, text string, score float64, created time.Time) Scored {
	return Scored{Item: &Item{ID: id, Text: text, CreatedAt: created}, Score: score}
}

func ids(items []Scored) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = s.Item.ID
	}
	return out
}

func TestContextWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candidates := []Scored{
		scored("low", strings.Repeat("l", 10), 0.2, base),
		scored("big", strings.Repeat("b", 60), 0.9, base),
		scored("mid", strings.Repeat("m", 30), 0.5, base),
		scored("tie-old", strings.Repeat("o", 10), 0.5, base.Add(-time.Hour)),
	}

	tests := []struct {
		name string
		max  int
		want []string
	}{
		{"unlimited returns all sorted", 0, []string{"big", "mid", "tie-old", "low"}},
		{"negative is unlimited", -5, []string{"big", "mid", "tie-old", "low"}},
		{"oversized item is skipped", 50, []string{"mid", "tie-old", "low"}},
		{"exact fit", 100, []string{"big", "mid", "tie-old"}},
		{"nothing fits", 5, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			budget := Budget{Max: tt.max, Unit: config.BudgetChars}
			got := ContextWindow(candidates, budget)
			assert.Equal(t, tt.want, ids(got))

			if tt.max > 0 {
				used := 0
				for _, s := range got {
					used += len(s.Item.Text)
				}
				assert.LessOrEqual(t, used, tt.max)
			}
			assert.Equal(t, got, ContextWindow(candidates, budget), "deterministic")
		})
	}

	assert.Equal(t, "low", candidates[0].Item.ID, "input is not reordered")
}

func TestContextWindowTokens(t *testing.T) {
	items := []Scored{
		scored("a", "one two three four five six seven eight", 0.9, time.Time{}),
		scored("b", "short", 0.1, time.Time{}),
	}
	got := ContextWindow(items, Budget{Max: 3, Unit: config.BudgetTokens})
	assert.Equal(t, []string{"b"}, ids(got))

	assert.Equal(t, []string{"one two three four five six seven eight", "short"}, Texts(ContextWindow(items, Budget{})))
}

func TestBudgetFromConfig(t *testing.T) {
	b := BudgetFromConfig(config.MemoryConfig{ContextBudget: 100, BudgetUnit: config.BudgetChars})
	assert.Equal(t, 100, b.Max)
	assert.Equal(t, 5, b.measurer().Measure("héllo"))
}
