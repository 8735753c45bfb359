// Package pricing estimates the USD cost of a turn from its token usage.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Known model pricing as of Feb 2026. Add new models as needed.
var knownModels = map[string]ModelPricing{
	// Gemini
	"gemini-2.5-pro":   {1.25, 10.00},
	"gemini-2.5-flash": {0.30, 2.50},
	// Anthropic
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-4-5":  {1.00, 5.00},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
}

// normalize strips a "provider/" prefix so "openai/gpt-4o" and "gpt-4o"
// share a price.
func normalize(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	return model
}

// Lookup returns the pricing for model.
func Lookup(model string) (ModelPricing, bool) {
	p, ok := knownModels[normalize(model)]
	return p, ok
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown models.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}
