// Package model parses requested model names into the actual upstream model
// plus its thinking configuration. Hosts address models with an optional
// tier suffix ("-low", "-medium", "-high") that maps onto a thinking budget
// for budget-based models and a thinking level for Gemini 3.
package model

import "strings"

// Resolved is the outcome of parsing a requested model name.
type Resolved struct {
	ActualModel     string
	ThinkingBudget  int
	ThinkingLevel   string
	IsThinkingModel bool
}

// HasBudget reports whether a numeric budget applies.
func (r Resolved) HasBudget() bool { return r.ThinkingBudget > 0 }

type budgets struct{ low, medium, high int }

var (
	claudeBudgets      = budgets{8192, 16384, 32768}
	gemini25ProBudgets = budgets{8192, 16384, 32768}
	flashBudgets       = budgets{6144, 12288, 24576}
	defaultBudgets     = budgets{4096, 8192, 16384}
)

// aliases maps fully explicit names onto their resolution; checked before
// suffix parsing.
var aliases = map[string]Resolved{
	"gemini-3-pro-low":  {ActualModel: "gemini-3-pro", ThinkingLevel: "low", IsThinkingModel: true},
	"gemini-3-pro-high": {ActualModel: "gemini-3-pro", ThinkingLevel: "high", IsThinkingModel: true},
	"claude-sonnet-4-5-thinking-low": {
		ActualModel: "claude-sonnet-4-5-thinking", ThinkingBudget: claudeBudgets.low, IsThinkingModel: true,
	},
	"claude-sonnet-4-5-thinking-medium": {
		ActualModel: "claude-sonnet-4-5-thinking", ThinkingBudget: claudeBudgets.medium, IsThinkingModel: true,
	},
	"claude-sonnet-4-5-thinking-high": {
		ActualModel: "claude-sonnet-4-5-thinking", ThinkingBudget: claudeBudgets.high, IsThinkingModel: true,
	},
	"claude-opus-4-5-thinking-low": {
		ActualModel: "claude-opus-4-5-thinking", ThinkingBudget: claudeBudgets.low, IsThinkingModel: true,
	},
	"claude-opus-4-5-thinking-medium": {
		ActualModel: "claude-opus-4-5-thinking", ThinkingBudget: claudeBudgets.medium, IsThinkingModel: true,
	},
	"claude-opus-4-5-thinking-high": {
		ActualModel: "claude-opus-4-5-thinking", ThinkingBudget: claudeBudgets.high, IsThinkingModel: true,
	},
}

var tierSuffixes = []string{"-low", "-medium", "-high"}

// Resolve parses a requested model name. Resolution is idempotent: feeding
// the returned ActualModel back in yields the same actual model.
func Resolve(name string) Resolved {
	trimmed := strings.TrimSpace(name)
	if resolved, ok := aliases[strings.ToLower(trimmed)]; ok {
		return resolved
	}

	base, tier := splitTier(trimmed)
	resolved := Resolved{
		ActualModel:     base,
		IsThinkingModel: IsThinkingModel(base),
	}
	if tier == "" {
		return resolved
	}

	if isGemini3(base) {
		resolved.ThinkingLevel = tier
		return resolved
	}
	resolved.ThinkingBudget = budgetsFor(base).pick(tier)
	return resolved
}

// IsThinkingModel reports whether the model emits thinking content.
func IsThinkingModel(name string) bool {
	lowered := strings.ToLower(name)
	return strings.Contains(lowered, "thinking") ||
		strings.Contains(lowered, "gemini-3") ||
		strings.Contains(lowered, "opus")
}

func splitTier(name string) (base, tier string) {
	lowered := strings.ToLower(name)
	for _, suffix := range tierSuffixes {
		if strings.HasSuffix(lowered, suffix) {
			return name[:len(name)-len(suffix)], strings.TrimPrefix(suffix, "-")
		}
	}
	return name, ""
}

func budgetsFor(base string) budgets {
	lowered := strings.ToLower(base)
	switch {
	case strings.Contains(lowered, "claude"):
		return claudeBudgets
	case strings.Contains(lowered, "gemini-2.5-pro"):
		return gemini25ProBudgets
	case strings.Contains(lowered, "gemini-2.5-flash"):
		return flashBudgets
	default:
		return defaultBudgets
	}
}

func (b budgets) pick(tier string) int {
	switch tier {
	case "low":
		return b.low
	case "medium":
		return b.medium
	default:
		return b.high
	}
}

func isGemini3(name string) bool {
	return strings.Contains(strings.ToLower(name), "gemini-3")
}
