package config

// providerModels lists the models offered per provider.
var providerModels = map[string][]string{
	"google":     {"gemini-2.5-pro", "gemini-2.5-flash"},
	"anthropic":  {"claude-sonnet-4-5", "claude-haiku-4-5"},
	"openai":     {"gpt-4o", "gpt-4o-mini"},
	"openrouter": {"openrouter/auto"},
}

var providerOrder = []string{"google", "anthropic", "openai", "openrouter"}

// AvailableModels returns "provider/model" names for every provider with
// an API key, from the environment or config.yaml.
func (c Config) AvailableModels() []string {
	var models []string
	for _, p := range providerOrder {
		if c.ProviderAPIKey(p) == "" {
			continue
		}
		for _, m := range providerModels[p] {
			models = append(models, p+"/"+m)
		}
	}
	return models
}
