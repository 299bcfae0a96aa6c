package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"prloop/pkg/faults"
)

// AnthropicClient wraps the Anthropic API client.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClient creates a Claude-backed client for the given model.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Complete implements Client.
//
//nolint:gocritic // request size acceptable for interface consistency
func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	systemPrompt, turns, err := splitSystem(req.Messages)
	if err != nil {
		return CompletionResponse{}, faults.New(faults.KindContent, err)
	}

	// Anthropic requires strict user/assistant alternation with no system
	// messages in the array.
	messages := make([]anthropic.MessageParam, 0, len(turns))
	for i := range turns {
		msg := &turns[i]
		param := anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(msg.Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
		}
		messages = append(messages, param)
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(float64(req.Temperature)),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt, Type: "text"}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return CompletionResponse{}, faults.New(faults.KindOf(err), err)
	}

	var sb strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return CompletionResponse{}, faults.Newf(faults.KindContent, "empty response from anthropic")
	}

	return CompletionResponse{Content: sb.String()}, nil
}

// splitSystem extracts system messages into a single system prompt and
// returns the remaining turns, which must start with a user message.
func splitSystem(messages []Message) (string, []Message, error) {
	var systemParts []string
	var turns []Message

	for i := range messages {
		msg := &messages[i]
		if msg.Role == RoleSystem {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		turns = append(turns, *msg)
	}

	if len(turns) == 0 {
		return "", nil, faults.Newf(faults.KindContent, "completion request has no user messages")
	}
	if turns[0].Role != RoleUser {
		return "", nil, faults.Newf(faults.KindContent, "first non-system message must be user, got %s", turns[0].Role)
	}
	return strings.Join(systemParts, "\n\n"), turns, nil
}
