package githost

import (
	"context"
	"encoding/json"
	"fmt"
)

// Check states as aggregated across all runs for a commit.
const (
	CheckStateSuccess = "success"
	CheckStateFailure = "failure"
	CheckStatePending = "pending"
)

// CheckRun is one check within the commit's check suite.
//
//nolint:govet // logical grouping preferred over memory optimization
type CheckRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`     // queued, in_progress, completed
	Conclusion string `json:"conclusion"` // success, failure, neutral, cancelled, skipped, timed_out, action_required
	URL        string `json:"html_url"`
	HeadSHA    string `json:"head_sha"`
}

type checkRunsResponse struct {
	TotalCount int        `json:"total_count"`
	CheckRuns  []CheckRun `json:"check_runs"`
}

// CheckStatus is the aggregate CI status for a pull request's head commit.
//
//nolint:govet // logical grouping preferred over memory optimization
type CheckStatus struct {
	State       string   // pending, success, failure
	TotalRuns   int
	Successful  int
	Failed      int
	Pending     int
	FailedNames []string
}

// IsTerminal reports whether the check suite has settled.
func (s *CheckStatus) IsTerminal() bool {
	return s.State != CheckStatePending
}

// CheckStatus returns the aggregate check status for a pull request. An
// empty check suite counts as success so repositories without CI still make
// progress.
func (c *Client) CheckStatus(ctx context.Context, prNumber int) (*CheckStatus, error) {
	pr, err := c.GetPR(ctx, prNumber)
	if err != nil {
		return nil, err
	}
	return c.checkStatusForRef(ctx, pr.HeadRefOid)
}

func (c *Client) checkStatusForRef(ctx context.Context, ref string) (*CheckStatus, error) {
	runs, err := c.checkRunsForRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	return AggregateCheckRuns(runs), nil
}

func (c *Client) checkRunsForRef(ctx context.Context, ref string) ([]CheckRun, error) {
	endpoint := fmt.Sprintf("/repos/%s/commits/%s/check-runs", c.RepoPath(), ref)
	output, err := c.APIGet(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get check runs for %s: %w", ref, err)
	}

	var response checkRunsResponse
	if err := json.Unmarshal(output, &response); err != nil {
		return nil, fmt.Errorf("failed to parse check runs: %w", err)
	}
	return response.CheckRuns, nil
}

// AggregateCheckRuns folds individual check runs into one overall state.
func AggregateCheckRuns(runs []CheckRun) *CheckStatus {
	status := &CheckStatus{
		TotalRuns:   len(runs),
		FailedNames: []string{},
	}

	if len(runs) == 0 {
		status.State = CheckStateSuccess
		return status
	}

	for i := range runs {
		run := &runs[i]
		switch run.Status {
		case "completed":
			switch run.Conclusion {
			case "success", "neutral":
				status.Successful++
			case "failure", "timed_out", "action_required", "startup_failure":
				status.Failed++
				status.FailedNames = append(status.FailedNames, run.Name)
			case "cancelled", "skipped":
				// Neither success nor failure.
			}
		case "queued", "in_progress":
			status.Pending++
		}
	}

	switch {
	case status.Pending > 0:
		status.State = CheckStatePending
	case status.Failed > 0:
		status.State = CheckStateFailure
	default:
		status.State = CheckStateSuccess
	}

	return status
}
