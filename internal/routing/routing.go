// Package routing implements the tier-resolution, override, and
// decision-engine pipeline: it turns a classification result plus request
// context into a concrete upstream model, provider, and header set,
// consulting budget enforcement and A/B assignment along the way, and always
// emits a shadow recommendation for observability even when routing does not
// apply.
package routing

import (
	"time"

	"github.com/jordanhubbard/slimclaw/internal/abtest"
	"github.com/jordanhubbard/slimclaw/internal/budget"
	"github.com/jordanhubbard/slimclaw/internal/classifier"
	"github.com/jordanhubbard/slimclaw/internal/pricing"
	"github.com/jordanhubbard/slimclaw/internal/providers"
	"github.com/jordanhubbard/slimclaw/internal/tier"
)

func nowUTC() time.Time { return time.Now().UTC() }

// Reason enumerates the fixed set of routing-decision outcomes.
type Reason string

const (
	ReasonRouted          Reason = "routed"
	ReasonRoutingDisabled Reason = "routing-disabled"
	ReasonPinnedHeader    Reason = "pinned-header"
	ReasonPinnedConfig    Reason = "pinned-config"
	ReasonLowConfidence   Reason = "low-confidence"
)

// defaultMinConfidence is applied when Config.MinConfidence is zero.
const defaultMinConfidence = 0.4

// defaultReasoningBudget is applied when Config.ReasoningBudget is zero.
const defaultReasoningBudget = 10000

// defaultTierModels is the built-in tier->model map, used whenever
// Config.Tiers omits an entry.
var defaultTierModels = map[tier.Tier]string{
	tier.Simple:    "anthropic/claude-3-haiku-20240307",
	tier.Mid:       "anthropic/claude-3-5-sonnet-20241022",
	tier.Complex:   "anthropic/claude-3-opus-20240229",
	tier.Reasoning: "openai/o3",
}

// OpenRouterHeaders names the two headers injected for openrouter-resolved
// requests.
type OpenRouterHeaders struct {
	XTitle      string
	HTTPReferer string
}

// Config is the subset of the routing options the decision engine consults.
type Config struct {
	Enabled           bool
	MinConfidence     float64
	Tiers             map[tier.Tier]string
	TierProviders     map[string]string
	PinnedModels      []string
	ReasoningBudget   int
	OpenRouterHeaders OpenRouterHeaders
}

// GetTierModel resolves tier to a concrete model id: the config override if
// present, otherwise the built-in default.
func GetTierModel(t tier.Tier, cfg Config) string {
	if cfg.Tiers != nil {
		if m, ok := cfg.Tiers[t]; ok && m != "" {
			return m
		}
	}
	return defaultTierModels[t]
}

// RequestContext carries the per-request inputs the override pipeline and
// decision engine need beyond the classification result.
type RequestContext struct {
	OriginalModel  string
	PinnedHeaderID string // value of X-Model-Pinned, empty if absent
}

// overrideResult is the outcome of the override pipeline.
type overrideResult struct {
	shouldOverride bool
	overrideModel  string
	reason         Reason
}

// evaluateOverrides runs the four-step override pipeline, first match wins.
func evaluateOverrides(classification classifier.Result, cfg Config, ctx RequestContext) overrideResult {
	if ctx.PinnedHeaderID != "" {
		return overrideResult{shouldOverride: true, overrideModel: ctx.PinnedHeaderID, reason: ReasonPinnedHeader}
	}
	if providers.MatchesAnyPattern(cfg.PinnedModels, ctx.OriginalModel) {
		return overrideResult{shouldOverride: true, overrideModel: ctx.OriginalModel, reason: ReasonPinnedConfig}
	}
	if !cfg.Enabled {
		return overrideResult{shouldOverride: true, overrideModel: ctx.OriginalModel, reason: ReasonRoutingDisabled}
	}
	minConfidence := cfg.MinConfidence
	if minConfidence <= 0 {
		minConfidence = defaultMinConfidence
	}
	if classification.Confidence < minConfidence {
		return overrideResult{shouldOverride: true, overrideModel: ctx.OriginalModel, reason: ReasonLowConfidence}
	}
	return overrideResult{shouldOverride: false}
}

// Thinking is the reasoning-tier thinking-budget annex attached to the
// outgoing request body.
type Thinking struct {
	Type         string
	BudgetTokens int
}

// ShadowRecommendation is emitted on every decision, applied or not, so that
// a future incremental rollout never loses an observability event.
type ShadowRecommendation struct {
	RunID               string
	OriginalModel       string
	RecommendedModel    string
	RecommendedProvider string
	WouldApply          bool
	EstimatedSavings    float64
}

// Output is the decision engine's externally visible result.
type Output struct {
	Model    string
	Provider string
	Headers  map[string]string
	Thinking *Thinking
	Applied  bool
	Reason   Reason
	Shadow   ShadowRecommendation
	Budget   *budget.CheckResult
	AB       *abtest.Assignment
}

// Services bundles the optional stateful collaborators the decision engine
// consults. Each field is independently nilable; the engine branches on
// presence rather than dynamic dispatch.
type Services struct {
	Budget  *budget.Tracker
	ABTest  *abtest.Manager
	Pricing pricing.Resolver
}

// MakeRoutingDecision runs the full decision pipeline. Precedence is
// observable: overrides > A/B assignment > budget enforcement > tier map.
func MakeRoutingDecision(classification classifier.Result, cfg Config, ctx RequestContext, runID string, services Services) Output {
	override := evaluateOverrides(classification, cfg, ctx)
	if override.shouldOverride {
		model := override.overrideModel
		return finish(classification.Tier, model, override.reason, override.reason == ReasonRouted, cfg, ctx, runID, services, nil, nil)
	}

	finalTier := classification.Tier
	model := GetTierModel(finalTier, cfg)

	var abAssignment *abtest.Assignment
	if services.ABTest != nil {
		if a := services.ABTest.Assign(finalTier, runID, nowUTC()); a != nil {
			abAssignment = a
			model = a.Variant.Model
		}
	}

	var checkResult *budget.CheckResult
	if services.Budget != nil {
		check := services.Budget.Check(finalTier)
		checkResult = &check
		switch {
		case check.Allowed:
			// alert-only or within budget: proceed as resolved above.
		case check.EnforcementAction == budget.Block:
			return finish(finalTier, ctx.OriginalModel, ReasonRoutingDisabled, false, cfg, ctx, runID, services, checkResult, abAssignment)
		case check.EnforcementAction == budget.Downgrade:
			downgraded, ok := downgradeToAllowed(finalTier, services.Budget)
			if !ok {
				return finish(finalTier, ctx.OriginalModel, ReasonRoutingDisabled, false, cfg, ctx, runID, services, checkResult, abAssignment)
			}
			finalTier = downgraded
			model = GetTierModel(finalTier, cfg)
			// Re-evaluate the A/B assignment against the downgraded tier so
			// per-variant budgets stay auditable.
			abAssignment = nil
			if services.ABTest != nil {
				if a := services.ABTest.Assign(finalTier, runID, nowUTC()); a != nil {
					abAssignment = a
					model = a.Variant.Model
				}
			}
		}
	}

	out := finish(finalTier, model, ReasonRouted, true, cfg, ctx, runID, services, checkResult, abAssignment)
	return out
}

// downgradeToAllowed walks tiers below from strictly below target, nearest
// first, returning the first whose budget check allows it.
func downgradeToAllowed(target tier.Tier, tracker *budget.Tracker) (tier.Tier, bool) {
	for _, t := range tier.Below(target) {
		if tracker.Check(t).Allowed {
			return t, true
		}
	}
	return "", false
}

// finish resolves the provider, headers, and thinking budget for the chosen
// model/tier and assembles the shadow recommendation, then returns the full
// Output.
func finish(finalTier tier.Tier, model string, reason Reason, applied bool, cfg Config, ctx RequestContext, runID string, services Services, checkResult *budget.CheckResult, ab *abtest.Assignment) Output {
	provider := providers.ResolveProvider(model, cfg.TierProviders)
	headers := buildHeaders(provider, cfg)
	thinking := buildThinking(finalTier, cfg, reason, applied)

	// The shadow recommendation reflects what classification would choose
	// even when routing didn't apply, so observability never loses an event.
	recommendedModel := GetTierModel(finalTier, cfg)
	recommendedProvider := providers.ResolveProvider(recommendedModel, cfg.TierProviders)
	savings := services.Pricing.CalculateRoutingSavings(ctx.OriginalModel, finalTier)

	shadow := ShadowRecommendation{
		RunID:               runID,
		OriginalModel:       ctx.OriginalModel,
		RecommendedModel:    recommendedModel,
		RecommendedProvider: recommendedProvider,
		WouldApply:          cfg.Enabled,
		EstimatedSavings:    savings,
	}

	return Output{
		Model:    model,
		Provider: provider,
		Headers:  headers,
		Thinking: thinking,
		Applied:  applied,
		Reason:   reason,
		Shadow:   shadow,
		Budget:   checkResult,
		AB:       ab,
	}
}

// buildHeaders injects X-Title/HTTP-Referer for openrouter-resolved
// requests; every other provider gets an empty header map.
func buildHeaders(provider string, cfg Config) map[string]string {
	if provider != "openrouter" {
		return map[string]string{}
	}
	title := cfg.OpenRouterHeaders.XTitle
	if title == "" {
		title = "SlimClaw"
	}
	referer := cfg.OpenRouterHeaders.HTTPReferer
	if referer == "" {
		referer = "slimclaw"
	}
	return map[string]string{
		"X-Title":      title,
		"HTTP-Referer": referer,
	}
}

// buildThinking attaches a thinking budget only to an applied,
// reasoning-tier decision.
func buildThinking(t tier.Tier, cfg Config, reason Reason, applied bool) *Thinking {
	if !applied || t != tier.Reasoning {
		return nil
	}
	budgetTokens := cfg.ReasoningBudget
	if budgetTokens <= 0 {
		budgetTokens = defaultReasoningBudget
	}
	return &Thinking{Type: "enabled", BudgetTokens: budgetTokens}
}
