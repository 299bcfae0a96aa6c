package githost

import (
	"context"
	"fmt"
)

// Issue is the host issue a lineage works on.
type Issue struct {
	Number int     `json:"number"`
	Title  string  `json:"title"`
	Body   string  `json:"body"`
	State  string  `json:"state"`
	URL    string  `json:"url"`
	Labels []Label `json:"labels"`
}

// Label is an issue label.
type Label struct {
	Name string `json:"name"`
}

// FetchIssue retrieves an issue by number.
func (c *Client) FetchIssue(ctx context.Context, number int) (*Issue, error) {
	args := []string{
		"issue", "view", fmt.Sprintf("%d", number),
		"--repo", c.RepoPath(),
		"--json", "number,title,body,state,url,labels",
	}

	var issue Issue
	if err := c.runJSON(ctx, &issue, args...); err != nil {
		return nil, fmt.Errorf("failed to get issue #%d: %w", number, err)
	}
	return &issue, nil
}

// CommentOnIssue adds a comment to an issue.
func (c *Client) CommentOnIssue(ctx context.Context, number int, body string) error {
	args := []string{
		"issue", "comment", fmt.Sprintf("%d", number),
		"--repo", c.RepoPath(),
		"--body", body,
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to comment on issue #%d: %w", number, err)
	}
	return nil
}
