package llm

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"prloop/pkg/faults"
)

// OllamaClient wraps the Ollama API client for locally hosted models.
type OllamaClient struct {
	client *api.Client
	model  string
}

// NewOllamaClient creates an Ollama-backed client. hostURL is the Ollama
// server address, e.g. "http://localhost:11434".
func NewOllamaClient(hostURL, model string) *OllamaClient {
	parsed, err := url.Parse(hostURL)
	if err != nil || hostURL == "" {
		parsed, _ = url.Parse("http://localhost:11434")
	}
	return &OllamaClient{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
	}
}

// Complete implements Client.
//
//nolint:gocritic // request size acceptable for interface consistency
func (o *OllamaClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	messages := make([]api.Message, 0, len(req.Messages))
	for i := range req.Messages {
		msg := &req.Messages[i]
		messages = append(messages, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}

	var last api.ChatResponse
	err := o.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		last = resp
		return nil
	})
	if err != nil {
		return CompletionResponse{}, faults.New(faults.KindOf(err), err)
	}
	if last.Message.Content == "" {
		return CompletionResponse{}, faults.Newf(faults.KindContent, "empty response from ollama")
	}

	return CompletionResponse{Content: last.Message.Content}, nil
}
