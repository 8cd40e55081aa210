package llm

// Model tiers for catalog lookups.
const (
	TierStandard = "standard"
	TierLight    = "light"
)

// modelCatalog maps provider → tier → default model. Used when a request or
// project config names a provider without an explicit model.
var modelCatalog = map[string]map[string]string{
	"anthropic": {
		TierStandard: "claude-sonnet-4-20250514",
		TierLight:    "claude-3-5-haiku-20241022",
	},
	"openai": {
		TierStandard: "gpt-4o",
		TierLight:    "gpt-4o-mini",
	},
	"ollama": {
		TierStandard: "qwen2.5:32b",
		TierLight:    "llama3.1:8b",
	},
}

// DefaultModel returns the default model for a provider and tier, falling
// back to the standard tier, then empty when the provider is unknown.
func DefaultModel(provider, tier string) string {
	tiers, ok := modelCatalog[provider]
	if !ok {
		return ""
	}
	if model, ok := tiers[tier]; ok {
		return model
	}
	return tiers[TierStandard]
}
