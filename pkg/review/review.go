// Package review evaluates published change sets, folding CI results into
// an LLM-backed verdict.
package review

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

// Decision is the reviewer's call on one iteration.
type Decision string

const (
	// DecisionPass accepts the change set; the lineage completes.
	DecisionPass Decision = "pass"
	// DecisionRevise sends the change set back with feedback for another
	// iteration.
	DecisionRevise Decision = "revise"
	// DecisionFail rejects the lineage as unrecoverable.
	DecisionFail Decision = "fail"
)

// Verdict is the full review outcome. Feedback is required for Revise and
// carries the rejection reason for Fail.
type Verdict struct {
	Decision Decision `json:"verdict"`
	Feedback string   `json:"feedback"`
}

// Evaluator is the contract the controller calls. Implementations may be
// slow and are not assumed idempotent.
type Evaluator interface {
	Evaluate(ctx context.Context, changeSet *githost.ChangeSet, ci *githost.CheckStatus) (*Verdict, error)
}

// LLMEvaluator implements Evaluator on a completion client, gated by the
// shared provider limiter.
type LLMEvaluator struct {
	client        llm.Client
	limiter       *limiter.Limiter
	counter       *limiter.TokenCounter
	logger        *logx.Logger
	provider      string
	model         config.ModelConfig
	failurePolicy string
}

// NewLLMEvaluator creates an evaluator backed by the configured model.
// failurePolicy decides what a CI failure becomes: a Revise with the failed
// check names as feedback, or a terminal Fail.
func NewLLMEvaluator(client llm.Client, lim *limiter.Limiter, mc config.ModelConfig, failurePolicy string) *LLMEvaluator {
	counter, err := limiter.NewTokenCounter(mc.Model)
	if err != nil {
		counter = nil
	}
	return &LLMEvaluator{
		client:        client,
		limiter:       lim,
		counter:       counter,
		logger:        logx.NewLogger("review"),
		provider:      mc.Provider,
		model:         mc,
		failurePolicy: failurePolicy,
	}
}

// Evaluate implements Evaluator. A failed CI run short-circuits the LLM
// call: under the review policy the failed check names become revision
// feedback, under the fail policy the lineage is rejected outright.
func (e *LLMEvaluator) Evaluate(ctx context.Context, changeSet *githost.ChangeSet, ci *githost.CheckStatus) (*Verdict, error) {
	if changeSet == nil {
		return nil, faults.Newf(faults.KindContent, "evaluation request has no change set")
	}

	if ci != nil && ci.State == githost.CheckStateFailure {
		return e.foldCIFailure(ci), nil
	}

	messages := e.buildMessages(changeSet, ci)

	tokens := e.counter.CountAll(messageTexts(messages), e.model.MaxTokens)
	if err := e.limiter.Acquire(ctx, e.provider, tokens); err != nil {
		return nil, fmt.Errorf("reviewer rate gate: %w", err)
	}
	defer e.limiter.Release(e.provider)

	e.logger.Info("Reviewing change set %q (%d files)", changeSet.Title, len(changeSet.Files))

	resp, err := e.client.Complete(ctx, llm.CompletionRequest{
		Messages:    messages,
		MaxTokens:   e.model.MaxTokens,
		Temperature: 0.0,
	})
	if err != nil {
		return nil, fmt.Errorf("review failed for %q: %w", changeSet.Title, err)
	}

	// Charge the actual spend: the prompt plus what the model produced,
	// rather than the MaxTokens ceiling reserved above.
	used := tokens - e.model.MaxTokens + e.counter.Count(resp.Content)
	if err := e.limiter.Charge(e.provider, used); err != nil {
		e.logger.Warn("Daily budget for %s is spent; calls are blocked until the midnight reset", e.provider)
	}

	verdict, err := ParseVerdict(resp.Content)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Review verdict for %q: %s", changeSet.Title, verdict.Decision)
	return verdict, nil
}

func (e *LLMEvaluator) foldCIFailure(ci *githost.CheckStatus) *Verdict {
	failed := strings.Join(ci.FailedNames, ", ")
	if e.failurePolicy == config.CIFailurePolicyFail {
		return &Verdict{
			Decision: DecisionFail,
			Feedback: fmt.Sprintf("CI checks failed: %s", failed),
		}
	}
	return &Verdict{
		Decision: DecisionRevise,
		Feedback: fmt.Sprintf("CI checks failed and must be fixed: %s", failed),
	}
}

const reviewerSystemPrompt = `You are a strict code reviewer deciding whether a proposed change set is ready to merge.

Respond with a single JSON block:

` + "```json" + `
{"verdict": "pass" | "revise" | "fail", "feedback": "required for revise; rejection reason for fail"}
` + "```" + `

Use "pass" only when the change fully resolves the issue and is merge quality. Use "revise" with concrete, actionable feedback when the change is on the right track but incomplete. Use "fail" only when the approach is unrecoverable.`

func (e *LLMEvaluator) buildMessages(changeSet *githost.ChangeSet, ci *githost.CheckStatus) []llm.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Proposed change: %s\n\n%s\n", changeSet.Title, changeSet.Body)

	if ci != nil {
		fmt.Fprintf(&sb, "\nCI status: %s (%d/%d checks passing)\n", ci.State, ci.Successful, ci.TotalRuns)
	}

	for i := range changeSet.Files {
		file := &changeSet.Files[i]
		if file.Delete {
			fmt.Fprintf(&sb, "\n--- %s (deleted) ---\n", file.Path)
			continue
		}
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", file.Path, file.Content)
	}

	return []llm.Message{
		llm.NewSystemMessage(reviewerSystemPrompt),
		llm.NewUserMessage(sb.String()),
	}
}

// ParseVerdict extracts the verdict JSON from an LLM response.
func ParseVerdict(response string) (*Verdict, error) {
	jsonContent, err := extractJSONBlock(response)
	if err != nil {
		return nil, err
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(jsonContent), &verdict); err != nil {
		return nil, faults.Newf(faults.KindContent, "malformed verdict JSON: %v", err)
	}

	switch verdict.Decision {
	case DecisionPass, DecisionFail:
	case DecisionRevise:
		if verdict.Feedback == "" {
			return nil, faults.Newf(faults.KindContent, "revise verdict carries no feedback")
		}
	default:
		return nil, faults.Newf(faults.KindContent, "unknown verdict %q", verdict.Decision)
	}

	return &verdict, nil
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
