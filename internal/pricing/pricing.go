// Package pricing provides per-(provider, model) cost estimation for token
// usage. It is a pure function over a static price table, adapted from a
// flat per-model map to also account for cached-prompt and reasoning tokens,
// which carry their own per-million rates on several providers.
package pricing

// ModelPricing holds per-million-token costs in USD. Zero-value fields are
// legitimate (e.g. a provider with no separate cache-read discount), not
// "unknown" markers — EstimateCost's unknown-model fallback is keyed on map
// membership, not on the zero value.
type ModelPricing struct {
	PromptPer1M         float64
	PromptCachedPer1M   float64 // cache-read rate; 0 if the provider charges full price
	PromptCacheWritePer1M float64 // cache-creation rate
	CompletionPer1M     float64
	ReasoningPer1M      float64 // reasoning/thinking tokens; defaults to CompletionPer1M when unset below
}

type modelKey struct {
	provider string
	model    string
}

// Known model pricing. Add new (provider, model) pairs as needed.
var knownModels = map[modelKey]ModelPricing{
	{"google", "gemini-2.0-flash-exp"}:  {0, 0, 0, 0, 0},
	{"google", "gemini-1.5-pro"}:        {1.25, 0.3125, 1.25, 5.00, 5.00},
	{"google", "gemini-2.5-flash"}:      {0.075, 0.01875, 0.075, 0.30, 0.30},
	{"google", "gemini-2.5-flash-lite"}: {0, 0, 0, 0, 0},
	{"anthropic", "claude-3-7-sonnet"}:  {3.00, 0.30, 3.75, 15.00, 15.00},
	{"anthropic", "claude-sonnet-4-5"}:  {3.00, 0.30, 3.75, 15.00, 15.00},
	{"openai", "gpt-4o"}:                {2.50, 1.25, 2.50, 10.00, 10.00},
	{"openai", "gpt-4o-mini"}:           {0.15, 0.075, 0.15, 0.60, 0.60},
	{"openai", "gpt-5"}:                 {1.25, 0.125, 1.25, 10.00, 10.00},
}

// Usage carries exactly the token breakdown the Task table stores.
type Usage struct {
	PromptTotal         int
	PromptCached        int
	PromptCacheCreation int
	CompletionTotal     int
	CompletionReasoning int
}

// EstimateCost returns the estimated USD cost for usage against
// (provider, model). Returns 0.0 for an unrecognized pair: an unknown model
// must never block a run, it just can't be costed.
func EstimateCost(provider, model string, usage Usage) float64 {
	p, ok := knownModels[modelKey{provider, model}]
	if !ok {
		return 0.0
	}

	uncachedPrompt := usage.PromptTotal - usage.PromptCached - usage.PromptCacheCreation
	if uncachedPrompt < 0 {
		uncachedPrompt = 0
	}
	plainCompletion := usage.CompletionTotal - usage.CompletionReasoning
	if plainCompletion < 0 {
		plainCompletion = 0
	}

	perM := func(n int, rate float64) float64 { return (float64(n) / 1_000_000) * rate }

	return perM(uncachedPrompt, p.PromptPer1M) +
		perM(usage.PromptCached, p.PromptCachedPer1M) +
		perM(usage.PromptCacheCreation, p.PromptCacheWritePer1M) +
		perM(plainCompletion, p.CompletionPer1M) +
		perM(usage.CompletionReasoning, p.ReasoningPer1M)
}
