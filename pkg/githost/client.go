// Package githost provides code host operations via the gh CLI. All
// operations are pure API calls executed on the host machine; no local
// checkout is required because change sets are published through the
// contents API.
package githost

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"prloop/pkg/faults"
	"prloop/pkg/logx"
)

// Host is the surface the controller depends on. It exists so controller
// tests can substitute a scripted implementation.
type Host interface {
	FetchIssue(ctx context.Context, number int) (*Issue, error)
	PublishChangeSet(ctx context.Context, req PublishRequest) (*PullRequest, error)
	GetPR(ctx context.Context, number int) (*PullRequest, error)
	CheckStatus(ctx context.Context, prNumber int) (*CheckStatus, error)
	CommentOnPR(ctx context.Context, prNumber int, body string) error
	CommentOnIssue(ctx context.Context, number int, body string) error
	SubmitReview(ctx context.Context, prNumber int, event ReviewEvent, body string) error
	ClosePR(ctx context.Context, prNumber int) error
	DeleteBranch(ctx context.Context, branch string) error
	RepoPath() string
}

// Client implements Host against the GitHub API through the gh CLI.
type Client struct {
	owner   string
	repo    string
	logger  *logx.Logger
	timeout time.Duration
}

var _ Host = (*Client)(nil)

// NewClient creates a client for the given repository.
func NewClient(owner, repo string) *Client {
	return &Client{
		owner:   owner,
		repo:    repo,
		logger:  logx.NewLogger("githost"),
		timeout: 30 * time.Second,
	}
}

// WithTimeout returns a copy of the client with a different command timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	return &Client{
		owner:   c.owner,
		repo:    c.repo,
		logger:  c.logger,
		timeout: timeout,
	}
}

// Owner returns the repository owner.
func (c *Client) Owner() string {
	return c.owner
}

// Repo returns the repository name.
func (c *Client) Repo() string {
	return c.repo
}

// RepoPath returns the owner/repo path.
func (c *Client) RepoPath() string {
	return fmt.Sprintf("%s/%s", c.owner, c.repo)
}

// API executes an API call with string fields and returns the raw response.
func (c *Client) API(ctx context.Context, method, endpoint string, fields map[string]string) ([]byte, error) {
	args := []string{"api", "-X", method, endpoint}
	for key, value := range fields {
		args = append(args, "-f", fmt.Sprintf("%s=%s", key, value))
	}
	return c.run(ctx, args...)
}

// APIGet executes a GET request against the API.
func (c *Client) APIGet(ctx context.Context, endpoint string) ([]byte, error) {
	return c.API(ctx, "GET", endpoint, nil)
}

// run executes a gh command. Failures are classified so callers can decide
// between retry and lineage failure.
func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Debug("Executing: gh %s", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, "gh", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		c.logger.Debug("Command failed: %v, output: %s", err, string(output))
		wrapped := fmt.Errorf("gh command failed: %w\noutput: %s", err, string(output))
		return nil, faults.New(faults.KindOf(wrapped), wrapped)
	}

	return output, nil
}

// runJSON executes a gh command and unmarshals the JSON response.
func (c *Client) runJSON(ctx context.Context, result any, args ...string) error {
	output, err := c.run(ctx, args...)
	if err != nil {
		return err
	}
	if len(output) == 0 {
		return nil
	}
	if err := json.Unmarshal(output, result); err != nil {
		return faults.Newf(faults.KindContent, "unparseable gh response: %v\noutput: %s", err, string(output))
	}
	return nil
}

// CheckAuth verifies that the gh CLI is authenticated. Called once at
// startup so auth problems surface before any worker runs.
func CheckAuth(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "gh", "auth", "status")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return faults.Newf(faults.KindIntegration, "gh auth check failed: %v\noutput: %s", err, string(output))
	}
	return nil
}
