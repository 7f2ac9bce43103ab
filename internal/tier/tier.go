// Package tier defines the complexity tier enum shared by the classifier,
// routing engine, budget tracker, and A/B test manager.
package tier

import "strings"

// Tier is one of the four assumed-complexity buckets a request can be routed
// into. Order matters: ranks increase with assumed complexity, and downgrade/
// upgrade decisions walk this ordering.
type Tier string

const (
	Simple    Tier = "simple"
	Mid       Tier = "mid"
	Complex   Tier = "complex"
	Reasoning Tier = "reasoning"
)

// All lists every tier in rank order, lowest first.
var All = []Tier{Simple, Mid, Complex, Reasoning}

var ranks = map[Tier]int{
	Simple:    1,
	Mid:       2,
	Complex:   3,
	Reasoning: 4,
}

// Rank returns the tier's fixed ordinal (1..4). Unknown tiers rank 0.
func (t Tier) Rank() int {
	return ranks[t]
}

// Valid reports whether t is one of the four known tiers.
func (t Tier) Valid() bool {
	_, ok := ranks[t]
	return ok
}

// Parse maps a case-insensitive string to a Tier.
func Parse(s string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", false
	}
	return t, true
}

// Below returns every tier strictly below t, ordered from highest to lowest
// rank (nearest neighbor first). Used by the budget-enforcement downgrade path.
func Below(t Tier) []Tier {
	r := t.Rank()
	var out []Tier
	for i := len(All) - 1; i >= 0; i-- {
		if All[i].Rank() < r {
			out = append(out, All[i])
		}
	}
	return out
}

// reasoningMarkers, simpleMarkers, midMarkers, and complexMarkers are
// case-insensitive substrings checked against a model id, in priority order,
// to reverse-map a concrete model onto an assumed tier.
var reasoningMarkers = []string{"o1", "o3", "o4-mini", "deepseek-r1", "gemini-2.5-pro"}
var simpleMarkers = []string{"haiku", "gpt-4.1-nano", "gpt-4o-mini", "nano", "deepseek-v3", "gpt-3.5"}
var midMarkers = []string{"sonnet", "gpt-4.1-mini", "flash", "llama-4-maverick", "qwen3-coder"}
var complexMarkers = []string{"opus", "gpt-4", "llama-405b"}

// InferFromModel reverse-maps a concrete model id to an assumed tier using
// case-insensitive substring heuristics. Falls back to Complex when nothing
// matches.
func InferFromModel(modelID string) Tier {
	lower := strings.ToLower(modelID)

	for _, m := range reasoningMarkers {
		if strings.Contains(lower, m) {
			return Reasoning
		}
	}
	for _, m := range simpleMarkers {
		if strings.Contains(lower, m) {
			return Simple
		}
	}
	for _, m := range midMarkers {
		if strings.Contains(lower, m) {
			return Mid
		}
	}
	// "gpt-4.1" without "nano"/"mini" counts as complex; those cases were
	// already claimed by simpleMarkers/midMarkers above.
	for _, m := range complexMarkers {
		if strings.Contains(lower, m) {
			return Complex
		}
	}
	if strings.Contains(lower, "gpt-4.1") {
		return Complex
	}
	return Complex
}
