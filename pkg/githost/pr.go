package githost

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// PullRequest represents a host pull request. Field names match gh CLI
// --json output.
//
//nolint:govet // logical grouping preferred over memory optimization
type PullRequest struct {
	Number      int    `json:"number"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	State       string `json:"state"` // OPEN, CLOSED, MERGED
	HeadRefName string `json:"headRefName"`
	HeadRefOid  string `json:"headRefOid"`
	BaseRefName string `json:"baseRefName"`
	Closed      bool   `json:"closed"`
	MergedAt    string `json:"mergedAt"`
}

// IsMerged reports whether the PR has been merged.
func (pr *PullRequest) IsMerged() bool {
	return pr.MergedAt != ""
}

const prJSONFields = "number,url,title,state,headRefName,headRefOid,baseRefName,closed,mergedAt"

// PRCreateOptions contains options for creating a pull request.
type PRCreateOptions struct {
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// ListPRsForBranch lists pull requests with the given head branch.
func (c *Client) ListPRsForBranch(ctx context.Context, branch string) ([]PullRequest, error) {
	args := []string{
		"pr", "list",
		"--repo", c.RepoPath(),
		"--head", branch,
		"--state", "all",
		"--json", prJSONFields,
	}

	var prs []PullRequest
	if err := c.runJSON(ctx, &prs, args...); err != nil {
		return nil, fmt.Errorf("failed to list PRs for branch %s: %w", branch, err)
	}
	return prs, nil
}

// GetPR retrieves a pull request by number.
func (c *Client) GetPR(ctx context.Context, number int) (*PullRequest, error) {
	args := []string{
		"pr", "view", fmt.Sprintf("%d", number),
		"--repo", c.RepoPath(),
		"--json", prJSONFields,
	}

	var pr PullRequest
	if err := c.runJSON(ctx, &pr, args...); err != nil {
		return nil, fmt.Errorf("failed to get PR #%d: %w", number, err)
	}
	return &pr, nil
}

// CreatePR creates a new pull request.
func (c *Client) CreatePR(ctx context.Context, opts PRCreateOptions) (*PullRequest, error) {
	if opts.Head == "" {
		return nil, fmt.Errorf("head branch is required")
	}
	if opts.Title == "" {
		return nil, fmt.Errorf("title is required")
	}

	base := opts.Base
	if base == "" {
		base = "main"
	}

	args := []string{
		"pr", "create",
		"--repo", c.RepoPath(),
		"--title", opts.Title,
		"--head", opts.Head,
		"--base", base,
	}
	if opts.Body != "" {
		args = append(args, "--body", opts.Body)
	}
	if opts.Draft {
		args = append(args, "--draft")
	}

	// PR creation can be slow right after a push.
	client := c.WithTimeout(2 * time.Minute)
	output, err := client.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create PR: %w", err)
	}

	prURL := strings.TrimSpace(string(output))
	if prURL == "" {
		return nil, fmt.Errorf("PR created but no URL returned")
	}

	return c.getPRByRef(ctx, prURL)
}

// GetOrCreatePR returns the open PR for the branch or creates a new one.
// Repeated publishes on the same lineage reuse the existing PR.
func (c *Client) GetOrCreatePR(ctx context.Context, opts PRCreateOptions) (*PullRequest, error) {
	prs, err := c.ListPRsForBranch(ctx, opts.Head)
	if err != nil {
		c.logger.Debug("Failed to check for existing PR, will try to create: %v", err)
	} else {
		for i := range prs {
			if prs[i].State == "OPEN" {
				c.logger.Debug("Found existing PR #%d for branch %s", prs[i].Number, opts.Head)
				if opts.Title != "" && opts.Title != prs[i].Title {
					// Later iterations refresh the PR description, best effort.
					if err := c.EditPR(ctx, prs[i].Number, opts.Title, opts.Body); err != nil {
						c.logger.Warn("Failed to update PR #%d metadata: %v", prs[i].Number, err)
					}
				}
				return &prs[i], nil
			}
		}
	}

	return c.CreatePR(ctx, opts)
}

// ReviewEvent selects the kind of PR review to submit.
type ReviewEvent string

const (
	ReviewApprove        ReviewEvent = "approve"
	ReviewRequestChanges ReviewEvent = "request-changes"
)

// SubmitReview submits a formal PR review. The host rejects self-approval,
// so callers should fall back to a plain comment on error.
func (c *Client) SubmitReview(ctx context.Context, number int, event ReviewEvent, body string) error {
	args := []string{
		"pr", "review", fmt.Sprintf("%d", number),
		"--repo", c.RepoPath(),
		"--" + string(event),
	}
	if body != "" {
		args = append(args, "--body", body)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to submit %s review on PR #%d: %w", event, number, err)
	}
	return nil
}

// EditPR updates the title and body of an existing pull request.
func (c *Client) EditPR(ctx context.Context, number int, title, body string) error {
	args := []string{
		"pr", "edit", fmt.Sprintf("%d", number),
		"--repo", c.RepoPath(),
	}
	if title != "" {
		args = append(args, "--title", title)
	}
	if body != "" {
		args = append(args, "--body", body)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to edit PR #%d: %w", number, err)
	}
	return nil
}

// ClosePR closes a pull request without merging.
func (c *Client) ClosePR(ctx context.Context, number int) error {
	args := []string{
		"pr", "close", fmt.Sprintf("%d", number),
		"--repo", c.RepoPath(),
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to close PR #%d: %w", number, err)
	}
	return nil
}

// CommentOnPR adds a comment to a pull request. Review feedback and final
// outcome summaries are posted through this.
func (c *Client) CommentOnPR(ctx context.Context, number int, body string) error {
	args := []string{
		"pr", "comment", fmt.Sprintf("%d", number),
		"--repo", c.RepoPath(),
		"--body", body,
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to comment on PR #%d: %w", number, err)
	}
	return nil
}

// getPRByRef retrieves a pull request by URL or branch name.
func (c *Client) getPRByRef(ctx context.Context, ref string) (*PullRequest, error) {
	args := []string{
		"pr", "view", ref,
		"--repo", c.RepoPath(),
		"--json", prJSONFields,
	}

	var pr PullRequest
	if err := c.runJSON(ctx, &pr, args...); err != nil {
		return nil, fmt.Errorf("failed to get PR %s: %w", ref, err)
	}
	return &pr, nil
}
