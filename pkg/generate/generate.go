// Package generate produces change sets for issues using an LLM backend.
package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"prloop/pkg/config"
	"prloop/pkg/faults"
	"prloop/pkg/githost"
	"prloop/pkg/limiter"
	"prloop/pkg/llm"
	"prloop/pkg/logx"
)

// Request carries everything a generation attempt needs. PriorFeedback is
// empty on the first iteration and holds the reviewer's revision notes plus
// CI failures on later ones.
//
//nolint:govet // logical grouping preferred over memory optimization
type Request struct {
	Issue         *githost.Issue
	PriorFeedback string
	Iteration     int
}

// Generator is the contract the controller calls. Implementations may be
// slow and are not assumed idempotent.
type Generator interface {
	Generate(ctx context.Context, req Request) (*githost.ChangeSet, error)
}

// LLMGenerator implements Generator on top of a completion client, gated by
// the shared provider limiter.
type LLMGenerator struct {
	client   llm.Client
	limiter  *limiter.Limiter
	counter  *limiter.TokenCounter
	logger   *logx.Logger
	provider string
	model    config.ModelConfig
}

// NewLLMGenerator creates a generator backed by the configured model.
func NewLLMGenerator(client llm.Client, lim *limiter.Limiter, mc config.ModelConfig) *LLMGenerator {
	counter, err := limiter.NewTokenCounter(mc.Model)
	if err != nil {
		// Counter falls back to character estimation when nil.
		counter = nil
	}
	return &LLMGenerator{
		client:   client,
		limiter:  lim,
		counter:  counter,
		logger:   logx.NewLogger("generate"),
		provider: mc.Provider,
		model:    mc,
	}
}

// Generate implements Generator.
func (g *LLMGenerator) Generate(ctx context.Context, req Request) (*githost.ChangeSet, error) {
	if req.Issue == nil {
		return nil, faults.Newf(faults.KindContent, "generation request has no issue")
	}

	messages := g.buildMessages(&req)

	tokens := g.counter.CountAll(messageTexts(messages), g.model.MaxTokens)
	if err := g.limiter.Acquire(ctx, g.provider, tokens); err != nil {
		return nil, fmt.Errorf("generator rate gate: %w", err)
	}
	defer g.limiter.Release(g.provider)

	g.logger.Info("Generating change set for issue #%d (iteration %d)", req.Issue.Number, req.Iteration)

	resp, err := g.client.Complete(ctx, llm.CompletionRequest{
		Messages:    messages,
		MaxTokens:   g.model.MaxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("generation failed for issue #%d: %w", req.Issue.Number, err)
	}

	// Charge the actual spend: the prompt plus what the model produced,
	// rather than the MaxTokens ceiling reserved above.
	used := tokens - g.model.MaxTokens + g.counter.Count(resp.Content)
	if err := g.limiter.Charge(g.provider, used); err != nil {
		g.logger.Warn("Daily budget for %s is spent; calls are blocked until the midnight reset", g.provider)
	}

	changeSet, err := ParseChangeSet(resp.Content)
	if err != nil {
		return nil, err
	}
	if err := changeSet.Validate(); err != nil {
		return nil, err
	}

	g.logger.Info("Generated change set %q with %d files", changeSet.Title, len(changeSet.Files))
	return changeSet, nil
}

const generatorSystemPrompt = `You are a software engineer producing a complete, minimal change set that resolves a repository issue.

Respond with a single JSON block:

` + "```json" + `
{
  "title": "PR title, imperative mood",
  "body": "PR description explaining the change",
  "commit_message": "commit message",
  "files": [
    {"path": "relative/path.go", "content": "full new file content"},
    {"path": "obsolete/file.go", "delete": true}
  ]
}
` + "```" + `

Every file entry must carry the complete new content of that file, not a diff. Only include files that change.`

func (g *LLMGenerator) buildMessages(req *Request) []llm.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Issue #%d: %s\n\n%s\n", req.Issue.Number, req.Issue.Title, req.Issue.Body)

	if len(req.Issue.Labels) > 0 {
		names := make([]string, 0, len(req.Issue.Labels))
		for _, label := range req.Issue.Labels {
			names = append(names, label.Name)
		}
		fmt.Fprintf(&sb, "\nLabels: %s\n", strings.Join(names, ", "))
	}

	if req.PriorFeedback != "" {
		fmt.Fprintf(&sb, "\nYour previous attempt (iteration %d) was reviewed. Address this feedback:\n\n%s\n", req.Iteration-1, req.PriorFeedback)
	}

	return []llm.Message{
		llm.NewSystemMessage(generatorSystemPrompt),
		llm.NewUserMessage(sb.String()),
	}
}

// ParseChangeSet extracts the JSON change set from an LLM response. The
// block may be fenced or the response may be bare JSON.
func ParseChangeSet(response string) (*githost.ChangeSet, error) {
	jsonContent, err := extractJSONBlock(response)
	if err != nil {
		return nil, err
	}

	var changeSet githost.ChangeSet
	if err := json.Unmarshal([]byte(jsonContent), &changeSet); err != nil {
		return nil, faults.Newf(faults.KindContent, "malformed change set JSON: %v", err)
	}
	return &changeSet, nil
}

func extractJSONBlock(response string) (string, error) {
	jsonStart := strings.Index(response, "```json")
	if jsonStart >= 0 {
		jsonStart += 7
		jsonEnd := strings.Index(response[jsonStart:], "```")
		if jsonEnd == -1 {
			return "", faults.Newf(faults.KindContent, "unclosed JSON block in response")
		}
		return strings.TrimSpace(response[jsonStart : jsonStart+jsonEnd]), nil
	}

	trimmed := strings.TrimSpace(response)
	if strings.HasPrefix(trimmed, "{") {
		return trimmed, nil
	}
	return "", faults.Newf(faults.KindContent, "no JSON block found in response")
}

func messageTexts(messages []llm.Message) []string {
	texts := make([]string, 0, len(messages))
	for i := range messages {
		texts = append(texts, messages[i].Content)
	}
	return texts
}
