package githost

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"prloop/pkg/faults"
)

// FileChange is one file operation within a change set.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Delete  bool   `json:"delete,omitempty"`
}

// ChangeSet is a publishable unit of work: the files to write plus the PR
// metadata describing them.
//
//nolint:govet // logical grouping preferred over memory optimization
type ChangeSet struct {
	Title         string       `json:"title"`
	Body          string       `json:"body"`
	CommitMessage string       `json:"commit_message"`
	Files         []FileChange `json:"files"`
}

// Validate rejects change sets that cannot be published.
func (cs *ChangeSet) Validate() error {
	if cs.Title == "" {
		return faults.Newf(faults.KindContent, "change set has no title")
	}
	if len(cs.Files) == 0 {
		return faults.Newf(faults.KindContent, "change set has no files")
	}
	for i := range cs.Files {
		if cs.Files[i].Path == "" {
			return faults.Newf(faults.KindContent, "change set file %d has no path", i)
		}
		if strings.Contains(cs.Files[i].Path, "..") {
			return faults.Newf(faults.KindContent, "change set file path %q escapes the repository", cs.Files[i].Path)
		}
	}
	return nil
}

// PublishRequest describes one publish of a change set to the host.
type PublishRequest struct {
	Branch    string
	Base      string
	ChangeSet *ChangeSet
}

// PublishChangeSet writes the change set's files to the branch through the
// contents API and returns the open PR for the branch, creating it on the
// first publish. Re-publishing on an existing branch adds commits, which
// restarts CI on the PR.
func (c *Client) PublishChangeSet(ctx context.Context, req PublishRequest) (*PullRequest, error) {
	if err := req.ChangeSet.Validate(); err != nil {
		return nil, err
	}

	base := req.Base
	if base == "" {
		base = "main"
	}

	if err := c.EnsureBranch(ctx, req.Branch, base); err != nil {
		return nil, err
	}

	message := req.ChangeSet.CommitMessage
	if message == "" {
		message = req.ChangeSet.Title
	}
	for i := range req.ChangeSet.Files {
		if err := c.writeFile(ctx, req.Branch, &req.ChangeSet.Files[i], message); err != nil {
			return nil, err
		}
	}

	return c.GetOrCreatePR(ctx, PRCreateOptions{
		Title: req.ChangeSet.Title,
		Body:  req.ChangeSet.Body,
		Head:  req.Branch,
		Base:  base,
	})
}

// EnsureBranch creates the branch from base if it does not exist yet.
func (c *Client) EnsureBranch(ctx context.Context, branch, base string) error {
	exists, err := c.branchExists(ctx, branch)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	sha, err := c.refSHA(ctx, base)
	if err != nil {
		return fmt.Errorf("failed to resolve base branch %s: %w", base, err)
	}

	endpoint := fmt.Sprintf("/repos/%s/git/refs", c.RepoPath())
	_, err = c.API(ctx, "POST", endpoint, map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": sha,
	})
	if err != nil {
		// Lost a race with another creator; the branch existing is fine.
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("failed to create branch %s: %w", branch, err)
	}

	c.logger.Info("Created branch %s from %s (%s)", branch, base, sha[:minInt(8, len(sha))])
	return nil
}

// DeleteBranch removes a branch. Called after a lineage reaches a terminal
// state when cleanup is enabled.
func (c *Client) DeleteBranch(ctx context.Context, branch string) error {
	endpoint := fmt.Sprintf("/repos/%s/git/refs/heads/%s", c.RepoPath(), branch)
	if _, err := c.API(ctx, "DELETE", endpoint, nil); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", branch, err)
	}
	return nil
}

func (c *Client) branchExists(ctx context.Context, branch string) (bool, error) {
	_, err := c.refSHA(ctx, branch)
	if err == nil {
		return true, nil
	}
	if faults.KindOf(err) == faults.KindIntegration && strings.Contains(strings.ToLower(err.Error()), "not found") {
		return false, nil
	}
	return false, err
}

func (c *Client) refSHA(ctx context.Context, branch string) (string, error) {
	endpoint := fmt.Sprintf("/repos/%s/git/ref/heads/%s", c.RepoPath(), branch)
	output, err := c.APIGet(ctx, endpoint)
	if err != nil {
		return "", err
	}

	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := json.Unmarshal(output, &ref); err != nil {
		return "", faults.Newf(faults.KindContent, "unparseable ref response: %v", err)
	}
	if ref.Object.SHA == "" {
		return "", faults.Newf(faults.KindContent, "ref %s has no SHA", branch)
	}
	return ref.Object.SHA, nil
}

// writeFile creates, updates, or deletes one file on the branch through the
// contents API.
func (c *Client) writeFile(ctx context.Context, branch string, change *FileChange, message string) error {
	endpoint := fmt.Sprintf("/repos/%s/contents/%s", c.RepoPath(), escapePath(change.Path))

	existingSHA, err := c.fileSHA(ctx, branch, change.Path)
	if err != nil {
		return err
	}

	if change.Delete {
		if existingSHA == "" {
			return nil
		}
		fields := map[string]string{
			"message": message,
			"branch":  branch,
			"sha":     existingSHA,
		}
		if _, err := c.API(ctx, "DELETE", endpoint, fields); err != nil {
			return fmt.Errorf("failed to delete %s on %s: %w", change.Path, branch, err)
		}
		return nil
	}

	fields := map[string]string{
		"message": message,
		"branch":  branch,
		"content": base64.StdEncoding.EncodeToString([]byte(change.Content)),
	}
	if existingSHA != "" {
		fields["sha"] = existingSHA
	}

	if _, err := c.API(ctx, "PUT", endpoint, fields); err != nil {
		return fmt.Errorf("failed to write %s on %s: %w", change.Path, branch, err)
	}
	return nil
}

// fileSHA returns the blob SHA of path on branch, or empty if the file does
// not exist there yet.
func (c *Client) fileSHA(ctx context.Context, branch, path string) (string, error) {
	endpoint := fmt.Sprintf("/repos/%s/contents/%s?ref=%s", c.RepoPath(), escapePath(path), url.QueryEscape(branch))
	output, err := c.APIGet(ctx, endpoint)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return "", nil
		}
		return "", err
	}

	var file struct {
		SHA string `json:"sha"`
	}
	if err := json.Unmarshal(output, &file); err != nil {
		return "", faults.Newf(faults.KindContent, "unparseable contents response: %v", err)
	}
	return file.SHA, nil
}

func escapePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
