package memory

import (
	"agentcore/pkg/config"
	"agentcore/pkg/utils"
)

// Budget bounds the text selected for a prompt. Max <= 0 means unlimited.
type Budget struct {
	Unit     string
	Measurer utils.Measurer
	Max      int
}

// BudgetFromConfig builds the configured context budget.
func BudgetFromConfig(cfg config.MemoryConfig) Budget {
	return Budget{Max: cfg.ContextBudget, Unit: cfg.BudgetUnit}
}

func (b Budget) measurer() utils.Measurer {
	if b.Measurer != nil {
		return b.Measurer
	}
	if b.Unit == config.BudgetChars {
		return utils.CharCounter{}
	}
	return utils.DefaultTokenCounter()
}

// ContextWindow picks items greedily by score, newest first on ties, until the budget is
// spent. An item that does not fit is skipped and smaller ones after it may still be taken.
// The input slice is not modified.
func ContextWindow(items []Scored, budget Budget) []Scored {
	sorted := make([]Scored, len(items))
	copy(sorted, items)
	sortScored(sorted)

	if budget.Max <= 0 {
		return sorted
	}

	m := budget.measurer()
	selected := make([]Scored, 0, len(sorted))
	used := 0
	for _, s := range sorted {
		cost := m.Measure(s.Item.Text)
		if used+cost > budget.Max {
			continue
		}
		used += cost
		selected = append(selected, s)
	}
	return selected
}

// Texts returns the item texts in order.
func Texts(items []Scored) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = s.Item.Text
	}
	return out
}
