package limiter

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts prompt tokens for rate-limit reservations. All current
// providers are approximated with the GPT-4 encoding, which is close enough
// for bucket sizing.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter for the given model name.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// Count returns the number of tokens in text, falling back to a 4-chars-per-
// token estimate if the codec is unavailable.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// CountAll sums token counts across multiple texts plus a completion reserve.
func (tc *TokenCounter) CountAll(texts []string, maxCompletionTokens int) int {
	total := maxCompletionTokens
	for _, text := range texts {
		total += tc.Count(text)
	}
	return total
}
