// Package llm provides a provider-agnostic completion interface with
// concrete clients for Anthropic, OpenAI, Google Gemini, and Ollama.
package llm

import (
	"context"
)

// Role identifies who authored a message in a completion request.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a completion conversation.
type Message struct {
	Role    Role
	Content string
}

// CompletionRequest is a request to generate a completion.
type CompletionRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// CompletionResponse is the provider's reply.
type CompletionResponse struct {
	Content string
}

// Client is the interface all provider clients implement. Implementations
// must be safe for concurrent use; the controller runs one worker per issue
// key and workers share clients.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}
