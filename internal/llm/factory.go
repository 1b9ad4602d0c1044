package llm

import (
	"fmt"

	"github.com/mohammad-safakhou/hive/config"
	"github.com/mohammad-safakhou/hive/internal/budget"
)

// ProvidersFromConfig builds the primary provider and, when configured, the metered one.
func ProvidersFromConfig(cfg config.LLMConfig) (Provider, Provider, error) {
	var primary Provider
	switch cfg.Primary.Type {
	case config.ProviderOllama, "":
		primary = NewOllama(cfg.Primary.BaseURL, cfg.Primary.Model, cfg.Primary.Timeout, cfg.Primary.MaxRetries)
	case config.ProviderOpenAI:
		primary = NewOpenAICompatible(cfg.Primary.BaseURL, cfg.Primary.APIKey, cfg.Primary.Model)
	default:
		return nil, nil, fmt.Errorf("unsupported primary provider %q", cfg.Primary.Type)
	}
	if cfg.Fallback.Type == "" {
		return primary, nil, nil
	}
	if cfg.Fallback.Type != config.ProviderAnthropic {
		return nil, nil, fmt.Errorf("unsupported fallback provider %q", cfg.Fallback.Type)
	}
	fallback := NewAnthropic(cfg.Fallback.APIKey, cfg.Fallback.Model, cfg.Fallback.MaxTokens, "")
	return primary, fallback, nil
}

// BudgetFromConfig returns the spend monitor and pricing for the metered provider.
func BudgetFromConfig(cfg config.FallbackProviderConfig) (*budget.Monitor, budget.Pricing) {
	limits := budget.Limits{MaxCostUSD: cfg.MaxCostUSD, MaxCalls: cfg.MaxCalls, Window: cfg.BudgetWindow}
	return budget.NewMonitor(limits), budget.Pricing{Per1KInput: cfg.CostPer1KInput, Per1KOutput: cfg.CostPer1KOutput}
}
