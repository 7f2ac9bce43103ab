// Package pricing resolves per-model USD pricing and estimates request cost
// and routing savings. Lookup order is: an explicit custom override map, a
// dynamic read-through cache (if configured), the static built-in table, a
// tier-inferred fallback from that same table, and finally the mid tier as a
// last resort.
package pricing

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jordanhubbard/slimclaw/internal/tier"
)

// Entry is a model's USD-per-1000-token pricing.
type Entry struct {
	InputPer1K  float64
	OutputPer1K float64
}

// staticTable is the built-in fallback pricing table. Entries are
// approximate published list prices; tier:<tier> pseudo-keys give a
// representative rate for models that don't match any known id.
var staticTable = map[string]Entry{
	"anthropic/claude-3-haiku-20240307":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"anthropic/claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"anthropic/claude-3-opus-20240229":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"openai/gpt-4o-mini":                   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"openai/gpt-4.1-mini":                  {InputPer1K: 0.0004, OutputPer1K: 0.0016},
	"openai/gpt-4.1":                       {InputPer1K: 0.002, OutputPer1K: 0.008},
	"openai/o1":                            {InputPer1K: 0.015, OutputPer1K: 0.06},
	"openai/o3":                            {InputPer1K: 0.01, OutputPer1K: 0.04},
	"deepseek/deepseek-v3":                 {InputPer1K: 0.00027, OutputPer1K: 0.0011},
	"deepseek/deepseek-r1":                 {InputPer1K: 0.00055, OutputPer1K: 0.00219},
	"google/gemini-2.5-pro":                {InputPer1K: 0.00125, OutputPer1K: 0.005},

	"tier:" + string(tier.Simple):    {InputPer1K: 0.0002, OutputPer1K: 0.0008},
	"tier:" + string(tier.Mid):       {InputPer1K: 0.0008, OutputPer1K: 0.003},
	"tier:" + string(tier.Complex):   {InputPer1K: 0.003, OutputPer1K: 0.015},
	"tier:" + string(tier.Reasoning): {InputPer1K: 0.01, OutputPer1K: 0.04},
}

// DynamicCache is a read-through cache with a documented TTL, filled by an
// operator-supplied fetch function (the sidecar wires this to the LiteLLM
// public pricing table).
type DynamicCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	fetchedAt time.Time
	entries   map[string]Entry
	fetch     func(ctx context.Context) (map[string]Entry, error)
}

// NewDynamicCache builds a cache that treats entries as stale after ttl has
// elapsed since the last successful Refresh.
func NewDynamicCache(ttl time.Duration, fetch func(ctx context.Context) (map[string]Entry, error)) *DynamicCache {
	return &DynamicCache{ttl: ttl, fetch: fetch}
}

// Refresh re-fetches the pricing table. Callers typically invoke this from a
// periodic background loop; a failed refresh leaves the previous entries in
// place.
func (c *DynamicCache) Refresh(ctx context.Context) error {
	entries, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries = entries
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// Get returns the cached entry for model, if present and not stale.
func (c *DynamicCache) Get(model string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil || time.Since(c.fetchedAt) > c.ttl {
		return Entry{}, false
	}
	e, ok := c.entries[model]
	return e, ok
}

// Resolver looks up per-model pricing in priority order: custom override,
// dynamic cache, static table, tier-inferred fallback, tier:mid last resort.
type Resolver struct {
	Custom  map[string]Entry
	Dynamic *DynamicCache
}

// Lookup resolves pricing for model.
func (r Resolver) Lookup(model string) Entry {
	if r.Custom != nil {
		if e, ok := r.Custom[model]; ok {
			return e
		}
	}
	if r.Dynamic != nil {
		if e, ok := r.Dynamic.Get(model); ok {
			return e
		}
	}
	if e, ok := staticTable[model]; ok {
		return e
	}
	inferred := tier.InferFromModel(model)
	if e, ok := staticTable["tier:"+string(inferred)]; ok {
		return e
	}
	return staticTable["tier:"+string(tier.Mid)]
}

// EstimateModelCost computes the USD cost of a request given token counts,
// rounded to 6 decimal places.
func (r Resolver) EstimateModelCost(model string, inputTokens, outputTokens int) float64 {
	e := r.Lookup(model)
	cost := float64(inputTokens)/1000*e.InputPer1K + float64(outputTokens)/1000*e.OutputPer1K
	return round(cost, 6)
}

// CalculateRoutingSavings returns the percentage (to two decimals) saved by
// routing to targetTier's representative pricing instead of original's,
// using avg = (input+output)/2 per-1k pricing as the comparison basis.
func (r Resolver) CalculateRoutingSavings(original string, targetTier tier.Tier) float64 {
	origEntry := r.Lookup(original)
	origAvg := (origEntry.InputPer1K + origEntry.OutputPer1K) / 2
	if origAvg == 0 {
		return 0
	}
	targetEntry := r.Lookup("tier:" + string(targetTier))
	targetAvg := (targetEntry.InputPer1K + targetEntry.OutputPer1K) / 2
	savings := (origAvg - targetAvg) / origAvg * 100
	return round(savings, 2)
}

func round(v float64, decimals int) float64 {
	mult := math.Pow(10, float64(decimals))
	return math.Round(v*mult) / mult
}
