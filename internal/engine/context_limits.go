package engine

import (
	"strings"

	"github.com/basket/vaultclaw/internal/memory"
)

// ContextLimits resolves a model's context window, consulting configured
// overrides before the built-in table.
type ContextLimits struct {
	overrides map[string]int
}

// NewContextLimits returns limits with overrides keyed by "provider/model"
// or bare model name.
func NewContextLimits(overrides map[string]int) *ContextLimits {
	m := make(map[string]int, len(overrides))
	for k, v := range overrides {
		if v > 0 {
			m[strings.ToLower(strings.TrimSpace(k))] = v
		}
	}
	return &ContextLimits{overrides: m}
}

// ForModel returns the token limit for a provider+model.
func (l *ContextLimits) ForModel(provider, model string) int {
	if l != nil && len(l.overrides) > 0 {
		p := strings.ToLower(strings.TrimSpace(provider))
		m := strings.ToLower(strings.TrimSpace(model))
		if v, ok := l.overrides[p+"/"+m]; ok {
			return v
		}
		if v, ok := l.overrides[m]; ok {
			return v
		}
	}
	return ContextLimitForModel(provider, model)
}

// GuardConfig returns base with its window replaced by the model's limit.
// Reserve and thresholds are kept. An empty model keeps base unchanged.
func (l *ContextLimits) GuardConfig(base memory.GuardConfig, provider, model string) memory.GuardConfig {
	if strings.TrimSpace(model) == "" {
		return base
	}
	limit := l.ForModel(provider, model)
	if limit <= base.ReserveTokens {
		return base
	}
	base.ContextWindow = limit
	return base
}

// modelWindows maps model name prefixes to context windows, most specific
// first.
var modelWindows = []struct {
	prefix string
	tokens int
}{
	{"gemini-", 1_048_576},
	{"claude-", 200_000},
	{"gpt-4.1", 1_047_576},
	{"gpt-4o", 128_000},
	{"gpt-4", 128_000},
	{"o1", 200_000},
	{"o3", 200_000},
	{"llama-3.1-", 131_072},
	{"mistral-large", 128_000},
}

var providerWindows = map[string]int{
	"google":    1_048_576,
	"anthropic": 200_000,
}

// defaultWindow is used when neither the model nor the provider is known.
const defaultWindow = 128_000

// ContextLimitForModel returns the built-in window for a provider and
// model. A "vendor/" prefix on the model, as OpenRouter uses, is ignored.
func ContextLimitForModel(provider, model string) int {
	model = strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	for _, w := range modelWindows {
		if strings.HasPrefix(model, w.prefix) {
			return w.tokens
		}
	}
	if n, ok := providerWindows[strings.ToLower(strings.TrimSpace(provider))]; ok {
		return n
	}
	return defaultWindow
}
