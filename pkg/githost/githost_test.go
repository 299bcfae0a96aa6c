package githost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prloop/pkg/faults"
)

func TestAggregateCheckRunsEmpty(t *testing.T) {
	status := AggregateCheckRuns(nil)
	assert.Equal(t, CheckStateSuccess, status.State)
	assert.True(t, status.IsTerminal())
}

func TestAggregateCheckRunsPendingWins(t *testing.T) {
	status := AggregateCheckRuns([]CheckRun{
		{Name: "lint", Status: "completed", Conclusion: "success"},
		{Name: "test", Status: "in_progress"},
		{Name: "build", Status: "queued"},
	})
	assert.Equal(t, CheckStatePending, status.State)
	assert.False(t, status.IsTerminal())
	assert.Equal(t, 2, status.Pending)
	assert.Equal(t, 1, status.Successful)
}

func TestAggregateCheckRunsFailure(t *testing.T) {
	status := AggregateCheckRuns([]CheckRun{
		{Name: "lint", Status: "completed", Conclusion: "success"},
		{Name: "test", Status: "completed", Conclusion: "failure"},
		{Name: "e2e", Status: "completed", Conclusion: "timed_out"},
	})
	assert.Equal(t, CheckStateFailure, status.State)
	assert.True(t, status.IsTerminal())
	assert.Equal(t, []string{"test", "e2e"}, status.FailedNames)
}

func TestAggregateCheckRunsSkippedIgnored(t *testing.T) {
	status := AggregateCheckRuns([]CheckRun{
		{Name: "lint", Status: "completed", Conclusion: "success"},
		{Name: "optional", Status: "completed", Conclusion: "skipped"},
		{Name: "flaky", Status: "completed", Conclusion: "cancelled"},
	})
	assert.Equal(t, CheckStateSuccess, status.State)
	assert.Equal(t, 1, status.Successful)
	assert.Equal(t, 0, status.Failed)
}

func TestChangeSetValidate(t *testing.T) {
	valid := &ChangeSet{
		Title: "Fix parser",
		Files: []FileChange{{Path: "pkg/parse/parse.go", Content: "package parse"}},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		cs   *ChangeSet
	}{
		{"no title", &ChangeSet{Files: []FileChange{{Path: "a.go"}}}},
		{"no files", &ChangeSet{Title: "Fix"}},
		{"empty path", &ChangeSet{Title: "Fix", Files: []FileChange{{Path: ""}}}},
		{"path escape", &ChangeSet{Title: "Fix", Files: []FileChange{{Path: "../etc/passwd"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cs.Validate()
			require.Error(t, err)
			assert.Equal(t, faults.KindContent, faults.KindOf(err))
		})
	}
}

func TestEscapePath(t *testing.T) {
	assert.Equal(t, "pkg/parse/parse.go", escapePath("pkg/parse/parse.go"))
	assert.Equal(t, "docs/a%20b.md", escapePath("docs/a b.md"))
}

func TestPullRequestIsMerged(t *testing.T) {
	assert.False(t, (&PullRequest{}).IsMerged())
	assert.True(t, (&PullRequest{MergedAt: "2026-01-02T03:04:05Z"}).IsMerged())
}

func TestRepoPath(t *testing.T) {
	c := NewClient("acme", "widgets")
	assert.Equal(t, "acme/widgets", c.RepoPath())
	assert.Equal(t, "acme", c.Owner())
	assert.Equal(t, "widgets", c.Repo())
}
