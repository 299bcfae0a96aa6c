package generate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prloop/pkg/config"
	"prloop/pkg/faults"
	"prloop/pkg/githost"
	"prloop/pkg/limiter"
	"prloop/pkg/llm"
)

const fencedResponse = "Here is the change:\n```json\n" +
	`{"title":"Fix off-by-one in pager","body":"Adjusts loop bound.","commit_message":"Fix off-by-one in pager","files":[{"path":"pkg/pager/pager.go","content":"package pager\n"}]}` +
	"\n```\nLet me know if anything else is needed."

func TestParseChangeSetFenced(t *testing.T) {
	cs, err := ParseChangeSet(fencedResponse)
	require.NoError(t, err)
	assert.Equal(t, "Fix off-by-one in pager", cs.Title)
	require.Len(t, cs.Files, 1)
	assert.Equal(t, "pkg/pager/pager.go", cs.Files[0].Path)
}

func TestParseChangeSetBareJSON(t *testing.T) {
	cs, err := ParseChangeSet(`{"title":"Fix","files":[{"path":"a.go","content":"package a"}]}`)
	require.NoError(t, err)
	assert.Equal(t, "Fix", cs.Title)
}

func TestParseChangeSetErrors(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"no json", "I could not produce a change."},
		{"unclosed fence", "```json\n{\"title\":\"x\"}"},
		{"malformed", "```json\n{not json}\n```"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChangeSet(tt.response)
			require.Error(t, err)
			assert.Equal(t, faults.KindContent, faults.KindOf(err))
		})
	}
}

func testGenerator(client llm.Client) *LLMGenerator {
	lim := limiter.NewLimiter(nil)
	return NewLLMGenerator(client, lim, config.ModelConfig{
		Provider:  config.ProviderAnthropic,
		Model:     "claude-sonnet-4-20250514",
		MaxTokens: 4096,
	})
}

func testIssue() *githost.Issue {
	return &githost.Issue{
		Number: 42,
		Title:  "Pager skips last page",
		Body:   "The pager stops one page early when the result count is an exact multiple of the page size.",
		Labels: []githost.Label{{Name: "bug"}},
	}
}

func TestGenerateProducesChangeSet(t *testing.T) {
	mock := llm.NewMockClient([]llm.CompletionResponse{{Content: fencedResponse}}, nil)
	gen := testGenerator(mock)

	cs, err := gen.Generate(context.Background(), Request{Issue: testIssue(), Iteration: 1})
	require.NoError(t, err)
	assert.Equal(t, "Fix off-by-one in pager", cs.Title)
	assert.Equal(t, 1, mock.Calls())
}

func TestGenerateRejectsEmptyChangeSet(t *testing.T) {
	mock := llm.NewMockClient([]llm.CompletionResponse{
		{Content: "```json\n{\"title\":\"Fix\",\"files\":[]}\n```"},
	}, nil)
	gen := testGenerator(mock)

	_, err := gen.Generate(context.Background(), Request{Issue: testIssue(), Iteration: 1})
	require.Error(t, err)
	assert.Equal(t, faults.KindContent, faults.KindOf(err))
}

func TestGenerateRequiresIssue(t *testing.T) {
	gen := testGenerator(llm.NewMockClient(nil, nil))
	_, err := gen.Generate(context.Background(), Request{Iteration: 1})
	require.Error(t, err)
}

func TestBuildMessagesIncludesFeedback(t *testing.T) {
	gen := testGenerator(llm.NewMockClient(nil, nil))

	first := gen.buildMessages(&Request{Issue: testIssue(), Iteration: 1})
	require.Len(t, first, 2)
	assert.NotContains(t, first[1].Content, "previous attempt")

	revised := gen.buildMessages(&Request{
		Issue:         testIssue(),
		Iteration:     2,
		PriorFeedback: "add tests for the exact-multiple case",
	})
	assert.Contains(t, revised[1].Content, "add tests for the exact-multiple case")
	assert.Contains(t, revised[1].Content, "Labels: bug")
}
