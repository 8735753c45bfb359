package engine

import (
	"testing"

	"github.com/basket/vaultclaw/internal/memory"
)

func TestContextLimitOverrides(t *testing.T) {
	limits := NewContextLimits(map[string]int{
		"google/gemini-2.5-flash": 500_000,
		"My-Custom-Model":         42_000,
		"ignored":                 0,
	})

	// Full provider/model key
	if got := limits.ForModel("google", "gemini-2.5-flash"); got != 500_000 {
		t.Errorf("override google/gemini-2.5-flash = %d; want 500000", got)
	}

	// Model-only key
	if got := limits.ForModel("anything", "my-custom-model"); got != 42_000 {
		t.Errorf("override my-custom-model = %d; want 42000", got)
	}

	// Non-overridden model falls through to defaults
	if got := limits.ForModel("anthropic", "claude-sonnet-4-5"); got != 200_000 {
		t.Errorf("non-overridden claude = %d; want 200000", got)
	}
	if got := limits.ForModel("", "ignored"); got != 128_000 {
		t.Errorf("zero override must be ignored, got %d", got)
	}

	var nilLimits *ContextLimits
	if got := nilLimits.ForModel("google", ""); got != 1_048_576 {
		t.Errorf("nil limits should use defaults, got %d", got)
	}
}

func TestContextLimitForModel(t *testing.T) {
	cases := []struct {
		provider, model string
		want            int
	}{
		{"google", "gemini-2.5-flash", 1_048_576},
		{"google", "", 1_048_576},
		{"anthropic", "claude-sonnet-4-5", 200_000},
		{"anthropic", "", 200_000},
		{"openai", "gpt-4o-mini", 128_000},
		{"openai", "gpt-4.1", 1_047_576},
		{"openai", "o3-mini", 200_000},
		{"openai", "gpt-3.5-turbo", 128_000},
		{"openrouter", "anthropic/claude-haiku-4-5", 200_000},
		{"openrouter", "meta-llama/llama-3.1-70b-instruct", 131_072},
		{"openrouter", "mistral-large-latest", 128_000},
		{"", "Gemini-2.5-Pro", 1_048_576},
		{"", "unknown-model", 128_000},
	}
	for _, tc := range cases {
		if got := ContextLimitForModel(tc.provider, tc.model); got != tc.want {
			t.Errorf("ContextLimitForModel(%q, %q) = %d, want %d", tc.provider, tc.model, got, tc.want)
		}
	}
}

func TestContextLimits_GuardConfig(t *testing.T) {
	base := memory.DefaultGuardConfig()
	limits := NewContextLimits(map[string]int{"tiny": 2000})

	if got := limits.GuardConfig(base, "google", ""); got != base {
		t.Fatalf("empty model must keep base config, got %+v", got)
	}
	got := limits.GuardConfig(base, "anthropic", "claude-opus-4-1")
	if got.ContextWindow != 200_000 || got.ReserveTokens != base.ReserveTokens || got.Thresholds != base.Thresholds {
		t.Fatalf("unexpected guard config %+v", got)
	}
	if got := limits.GuardConfig(base, "", "tiny"); got.ContextWindow != base.ContextWindow {
		t.Fatalf("a limit below the reserve must keep base window, got %d", got.ContextWindow)
	}
}
