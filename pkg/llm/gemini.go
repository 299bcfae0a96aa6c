package llm

import (
	"context"
	"sync"

	"google.golang.org/genai"

	"prloop/pkg/faults"
)

// GeminiClient wraps the Google GenAI client. The underlying client needs a
// context to construct, so creation is deferred to the first Complete call.
type GeminiClient struct {
	mu     sync.Mutex
	client *genai.Client
	apiKey string
	model  string
}

// NewGeminiClient creates a Gemini-backed client for the given model.
func NewGeminiClient(apiKey, model string) *GeminiClient {
	return &GeminiClient{
		apiKey: apiKey,
		model:  model,
	}
}

func (g *GeminiClient) ensureClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, faults.New(faults.KindTransient, err)
	}
	g.client = client
	return client, nil
}

// Complete implements Client.
//
//nolint:gocritic // request size acceptable for interface consistency
func (g *GeminiClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	client, err := g.ensureClient(ctx)
	if err != nil {
		return CompletionResponse{}, err
	}

	var contents []*genai.Content
	var systemInstruction string
	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case RoleSystem:
			if systemInstruction != "" {
				systemInstruction += "\n\n"
			}
			systemInstruction += msg.Content
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	if len(contents) == 0 {
		return CompletionResponse{}, faults.Newf(faults.KindContent, "completion request has no user messages")
	}

	//nolint:gosec // MaxTokens validated at config layer
	cfg := &genai.GenerateContentConfig{
		Temperature:     &req.Temperature,
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if systemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}

	result, err := client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return CompletionResponse{}, faults.New(faults.KindOf(err), err)
	}
	if result == nil || result.Text() == "" {
		return CompletionResponse{}, faults.Newf(faults.KindContent, "empty response from gemini")
	}

	return CompletionResponse{Content: result.Text()}, nil
}
