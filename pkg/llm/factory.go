package llm

import (
	"fmt"

	"prloop/pkg/config"
)

// Secret names per provider.
const (
	secretAnthropicKey = "ANTHROPIC_API_KEY"
	secretOpenAIKey    = "OPENAI_API_KEY"
	secretGeminiKey    = "GEMINI_API_KEY"
	secretOllamaHost   = "OLLAMA_HOST"
)

// NewClient constructs the retry-wrapped client for one model config,
// resolving API keys through the config secrets layer.
func NewClient(mc config.ModelConfig) (Client, error) {
	var base Client

	switch mc.Provider {
	case config.ProviderAnthropic:
		key, err := config.GetSecret(secretAnthropicKey)
		if err != nil {
			return nil, fmt.Errorf("anthropic client: %w", err)
		}
		base = NewAnthropicClient(key, mc.Model)

	case config.ProviderOpenAI:
		key, err := config.GetSecret(secretOpenAIKey)
		if err != nil {
			return nil, fmt.Errorf("openai client: %w", err)
		}
		base = NewOpenAIClient(key, mc.Model)

	case config.ProviderGoogle:
		key, err := config.GetSecret(secretGeminiKey)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		base = NewGeminiClient(key, mc.Model)

	case config.ProviderOllama:
		// Host is optional; the client falls back to localhost.
		host, _ := config.GetSecret(secretOllamaHost)
		base = NewOllamaClient(host, mc.Model)

	default:
		return nil, fmt.Errorf("unknown provider %q", mc.Provider)
	}

	return NewRetryableClient(base), nil
}
