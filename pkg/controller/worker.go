package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"prloop/pkg/faults"
	"prloop/pkg/generate"
	"prloop/pkg/githost"
	"prloop/pkg/review"
	"prloop/pkg/store"
)

// reasonCancelled is the terminal reason recorded for cancelled lineages.
const reasonCancelled = "cancelled"

// reasonCITimeout is the terminal reason recorded when CI never settles.
const reasonCITimeout = "CI timeout"

// runIssue drives one issue lineage to a terminal state. The loop is keyed
// off the persisted status so a lineage resumed after a restart re-enters
// at the state it left.
func (c *Controller) runIssue(ctx context.Context, rec *store.IterationRecord) {
	issue, err := c.host.FetchIssue(ctx, rec.IssueNumber)
	if err != nil {
		c.recorder.IncProviderError("githost", faults.KindOf(err).String())
		c.failLineage(ctx, rec, fmt.Sprintf("failed to fetch issue #%d: %v", rec.IssueNumber, err))
		return
	}

	// The title rides along on the next commit.
	rec.IssueTitle = issue.Title

	var (
		changeSet *githost.ChangeSet
		ci        *githost.CheckStatus
		iterStart = time.Now()
	)

	for !rec.Status.IsTerminal() {
		if c.cancelled(ctx, rec) {
			return
		}

		switch rec.Status {
		case store.StatusPending, store.StatusRevising:
			rec.IterationCount++
			iterStart = time.Now()
			if !c.commit(ctx, rec, store.StatusGenerating, nil) {
				return
			}

		case store.StatusGenerating:
			cs, err := c.generator.Generate(ctx, generate.Request{
				Issue:         issue,
				PriorFeedback: rec.Feedback,
				Iteration:     rec.IterationCount,
			})
			if err != nil {
				c.recorder.IncProviderError("generator", faults.KindOf(err).String())
				c.failLineage(ctx, rec, fmt.Sprintf("generation failed: %v", err))
				return
			}
			changeSet = cs
			if !c.commit(ctx, rec, store.StatusPublishing, nil) {
				return
			}

		case store.StatusPublishing:
			if changeSet == nil {
				// Resumed mid-publish; the change set was never persisted, so
				// regenerate it.
				cs, err := c.generator.Generate(ctx, generate.Request{
					Issue:         issue,
					PriorFeedback: rec.Feedback,
					Iteration:     rec.IterationCount,
				})
				if err != nil {
					c.recorder.IncProviderError("generator", faults.KindOf(err).String())
					c.failLineage(ctx, rec, fmt.Sprintf("generation failed: %v", err))
					return
				}
				changeSet = cs
			}

			pr, err := c.host.PublishChangeSet(ctx, githost.PublishRequest{
				Branch:    rec.Branch,
				Base:      c.cfg.Git.TargetBranch,
				ChangeSet: changeSet,
			})
			if err != nil {
				c.recorder.IncProviderError("githost", faults.KindOf(err).String())
				c.failLineage(ctx, rec, fmt.Sprintf("publish failed: %v", err))
				return
			}
			rec.PRNumber = pr.Number
			rec.PRURL = pr.URL
			if !c.commit(ctx, rec, store.StatusAwaitingChecks, nil) {
				return
			}

		case store.StatusAwaitingChecks:
			status, err := c.waitForChecks(ctx, rec)
			if err != nil {
				if errors.Is(err, errCITimeout) {
					c.failLineage(ctx, rec, reasonCITimeout)
				} else if ctx.Err() != nil {
					c.failLineage(context.WithoutCancel(ctx), rec, reasonCancelled)
				} else {
					c.recorder.IncProviderError("githost", faults.KindOf(err).String())
					c.failLineage(ctx, rec, fmt.Sprintf("CI status unavailable: %v", err))
				}
				return
			}
			ci = status
			if !c.commit(ctx, rec, store.StatusReviewing, nil) {
				return
			}

		case store.StatusReviewing:
			if changeSet == nil {
				changeSet = c.changeSetFromPR(ctx, rec)
			}
			if ci == nil {
				status, err := c.host.CheckStatus(ctx, rec.PRNumber)
				if err != nil {
					c.recorder.IncProviderError("githost", faults.KindOf(err).String())
					c.failLineage(ctx, rec, fmt.Sprintf("CI status unavailable: %v", err))
					return
				}
				ci = status
			}

			verdict, err := c.evaluator.Evaluate(ctx, changeSet, ci)
			if err != nil {
				c.recorder.IncProviderError("evaluator", faults.KindOf(err).String())
				c.failLineage(ctx, rec, fmt.Sprintf("review failed: %v", err))
				return
			}

			if !c.settleVerdict(ctx, rec, verdict, ci, iterStart) {
				return
			}
			ci = nil
		}
	}
}

// settleVerdict commits the post-review transition with its history entry
// and posts the outcome to the PR. Returns false when the worker must stop.
func (c *Controller) settleVerdict(ctx context.Context, rec *store.IterationRecord, verdict *review.Verdict, ci *githost.CheckStatus, iterStart time.Time) bool {
	entry := &store.HistoryEntry{
		Iteration: rec.IterationCount,
		Verdict:   string(verdict.Decision),
		Feedback:  verdict.Feedback,
		CISummary: ci.State,
		PRNumber:  rec.PRNumber,
	}

	c.recorder.ObserveIteration(rec.Repo, string(verdict.Decision), time.Since(iterStart))

	switch verdict.Decision {
	case review.DecisionPass:
		rec.TerminalReason = "review passed"
		if !c.commit(ctx, rec, store.StatusCompleted, entry) {
			return false
		}
		c.postReview(ctx, rec, githost.ReviewApprove, fmt.Sprintf(
			"Review passed after %d iteration(s). This change is merge quality.", rec.IterationCount))
		return true

	case review.DecisionFail:
		rec.TerminalReason = fmt.Sprintf("review rejected: %s", verdict.Feedback)
		if !c.commit(ctx, rec, store.StatusFailed, entry) {
			return false
		}
		c.postComment(ctx, rec, fmt.Sprintf("Review rejected this change as unrecoverable: %s", verdict.Feedback))
		c.cleanupRejected(ctx, rec)
		return true

	case review.DecisionRevise:
		if rec.IterationCount >= rec.MaxIterations {
			rec.TerminalReason = fmt.Sprintf("iteration ceiling (%d) reached", rec.MaxIterations)
			if !c.commit(ctx, rec, store.StatusExhausted, entry) {
				return false
			}
			c.postComment(ctx, rec, fmt.Sprintf(
				"Iteration ceiling (%d) reached without a passing review. Last feedback: %s",
				rec.MaxIterations, verdict.Feedback))
			return true
		}

		rec.Feedback = verdict.Feedback
		if !c.commit(ctx, rec, store.StatusRevising, entry) {
			return false
		}
		c.postReview(ctx, rec, githost.ReviewRequestChanges, fmt.Sprintf(
			"Review requested changes (iteration %d/%d):\n\n%s",
			rec.IterationCount, rec.MaxIterations, verdict.Feedback))
		return true
	}

	c.failLineage(ctx, rec, fmt.Sprintf("unknown verdict %q", verdict.Decision))
	return false
}

// runReviewOnly reviews an existing PR once and finishes. The status path
// is the same linear walk an issue lineage takes, with the generate and
// publish states passed through immediately.
func (c *Controller) runReviewOnly(ctx context.Context, rec *store.IterationRecord) {
	for rec.Status != store.StatusAwaitingChecks && rec.Status != store.StatusReviewing {
		if c.cancelled(ctx, rec) {
			return
		}
		if !c.commit(ctx, rec, store.ValidTransitions[rec.Status][0], nil) {
			return
		}
	}

	var ci *githost.CheckStatus
	if rec.Status == store.StatusAwaitingChecks {
		status, err := c.waitForChecks(ctx, rec)
		if err != nil {
			if errors.Is(err, errCITimeout) {
				c.failLineage(ctx, rec, reasonCITimeout)
			} else if ctx.Err() != nil {
				c.failLineage(context.WithoutCancel(ctx), rec, reasonCancelled)
			} else {
				c.failLineage(ctx, rec, fmt.Sprintf("CI status unavailable: %v", err))
			}
			return
		}
		ci = status
		if !c.commit(ctx, rec, store.StatusReviewing, nil) {
			return
		}
	} else {
		status, err := c.host.CheckStatus(ctx, rec.PRNumber)
		if err != nil {
			c.failLineage(ctx, rec, fmt.Sprintf("CI status unavailable: %v", err))
			return
		}
		ci = status
	}

	rec.IterationCount = 1
	verdict, err := c.evaluator.Evaluate(ctx, c.changeSetFromPR(ctx, rec), ci)
	if err != nil {
		c.recorder.IncProviderError("evaluator", faults.KindOf(err).String())
		c.failLineage(ctx, rec, fmt.Sprintf("review failed: %v", err))
		return
	}

	entry := &store.HistoryEntry{
		Iteration: 1,
		Verdict:   string(verdict.Decision),
		Feedback:  verdict.Feedback,
		CISummary: ci.State,
		PRNumber:  rec.PRNumber,
	}

	switch verdict.Decision {
	case review.DecisionFail:
		rec.TerminalReason = fmt.Sprintf("review rejected: %s", verdict.Feedback)
		if c.commit(ctx, rec, store.StatusFailed, entry) {
			c.postComment(ctx, rec, fmt.Sprintf("Review rejected this change: %s", verdict.Feedback))
		}
	case review.DecisionRevise:
		rec.TerminalReason = "review feedback posted"
		if c.commit(ctx, rec, store.StatusCompleted, entry) {
			c.postReview(ctx, rec, githost.ReviewRequestChanges, fmt.Sprintf("Review requested changes:\n\n%s", verdict.Feedback))
		}
	default:
		rec.TerminalReason = "review passed"
		if c.commit(ctx, rec, store.StatusCompleted, entry) {
			c.postReview(ctx, rec, githost.ReviewApprove, "Review passed. This change is merge quality.")
		}
	}
}

var errCITimeout = errors.New("CI did not reach a terminal state in time")

// waitForChecks polls the PR's check status with bounded exponential
// backoff until the suite settles, the overall wait budget expires, or the
// worker is cancelled.
func (c *Controller) waitForChecks(ctx context.Context, rec *store.IterationRecord) (*githost.CheckStatus, error) {
	start := time.Now()
	interval := c.cfg.CI.PollInterval

	deadline := time.NewTimer(c.cfg.CI.MaxWait)
	defer deadline.Stop()

	for {
		status, err := c.host.CheckStatus(ctx, rec.PRNumber)
		if err != nil {
			if !faults.IsRetryable(err) {
				return nil, err
			}
			c.logger.Warn("CI status poll failed for PR #%d, will retry: %v", rec.PRNumber, err)
		} else if status.IsTerminal() {
			c.recorder.ObserveCIWait(rec.Repo, time.Since(start))
			c.logger.Info("CI settled for PR #%d: %s (%d runs)", rec.PRNumber, status.State, status.TotalRuns)
			return status, nil
		} else {
			c.logger.Debug("CI pending for PR #%d (%d of %d runs outstanding)", rec.PRNumber, status.Pending, status.TotalRuns)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("CI wait cancelled: %w", ctx.Err())
		case <-deadline.C:
			c.recorder.ObserveCIWait(rec.Repo, time.Since(start))
			return nil, errCITimeout
		case <-time.After(interval):
		}

		interval *= 2
		if interval > c.cfg.CI.PollMaxInterval {
			interval = c.cfg.CI.PollMaxInterval
		}
	}
}

// commit moves rec to next and records the transition. Returns false when
// the worker must stop: a stale version means another writer owns the
// record now.
func (c *Controller) commit(ctx context.Context, rec *store.IterationRecord, next store.Status, entry *store.HistoryEntry) bool {
	prior := rec.Status
	rec.Status = next

	err := c.store.CommitTransition(ctx, rec, entry)
	if err != nil {
		rec.Status = prior
		if errors.Is(err, store.ErrStaleVersion) {
			c.recorder.IncStaleCommit()
			c.logger.Warn("Lost transition race for %s (%s -> %s), stopping worker", rec.Key(), prior, next)
			return false
		}
		c.logger.Error("Failed to commit %s -> %s for %s: %v", prior, next, rec.Key(), err)
		return false
	}

	c.recorder.ObserveTransition(string(prior), string(next))
	if next.IsTerminal() {
		c.recorder.ObserveTerminal(rec.Repo, string(next))
		c.logger.Info("Lineage %s reached %s: %s", rec.Key(), next, rec.TerminalReason)
	}
	return true
}

// cancelled checks the worker's cancellation signal and, when set, commits
// the terminal Failed("cancelled") state. Safe checkpoints sit between
// state transitions only.
func (c *Controller) cancelled(ctx context.Context, rec *store.IterationRecord) bool {
	if ctx.Err() == nil {
		return false
	}
	c.failLineage(context.WithoutCancel(ctx), rec, reasonCancelled)
	return true
}

// failLineage commits the Failed terminal state with the given reason and
// surfaces it on the host. Failures before the PR exists land on the issue
// instead; deliberate cancellations stay quiet.
func (c *Controller) failLineage(ctx context.Context, rec *store.IterationRecord, reason string) {
	if rec.Status.IsTerminal() {
		return
	}
	rec.TerminalReason = reason
	if !c.commit(ctx, rec, store.StatusFailed, nil) {
		return
	}
	if reason == reasonCancelled {
		return
	}

	body := "Automated processing failed: " + reason
	if rec.PRNumber != 0 {
		c.postComment(ctx, rec, body)
	} else if !rec.ReviewOnly {
		if err := c.host.CommentOnIssue(ctx, rec.IssueNumber, body); err != nil {
			c.logger.Warn("Failed to comment on issue #%d: %v", rec.IssueNumber, err)
		}
	}
}

// cleanupRejected closes the generated PR and deletes its branch after a
// terminal rejection. Review-only lineages keep their PR; it is not ours to
// close.
func (c *Controller) cleanupRejected(ctx context.Context, rec *store.IterationRecord) {
	if rec.ReviewOnly || rec.PRNumber == 0 {
		return
	}
	if err := c.host.ClosePR(ctx, rec.PRNumber); err != nil {
		c.logger.Warn("Failed to close rejected PR #%d: %v", rec.PRNumber, err)
		return
	}
	if rec.Branch == "" {
		return
	}
	if err := c.host.DeleteBranch(ctx, rec.Branch); err != nil {
		c.logger.Warn("Failed to delete branch %s: %v", rec.Branch, err)
	}
}

// changeSetFromPR builds a review surrogate from PR metadata for lineages
// that no longer hold the generated files in memory.
func (c *Controller) changeSetFromPR(ctx context.Context, rec *store.IterationRecord) *githost.ChangeSet {
	title := fmt.Sprintf("PR #%d", rec.PRNumber)
	body := ""
	if pr, err := c.host.GetPR(ctx, rec.PRNumber); err == nil {
		title = pr.Title
	} else {
		c.logger.Warn("Failed to fetch PR #%d for review context: %v", rec.PRNumber, err)
	}
	return &githost.ChangeSet{
		Title: title,
		Body:  body,
		Files: []githost.FileChange{{Path: "(see pull request diff)", Content: ""}},
	}
}

// postComment posts to the lineage's PR, best effort.
func (c *Controller) postComment(ctx context.Context, rec *store.IterationRecord, body string) {
	if rec.PRNumber == 0 {
		return
	}
	if err := c.host.CommentOnPR(ctx, rec.PRNumber, body); err != nil {
		c.logger.Warn("Failed to comment on PR #%d: %v", rec.PRNumber, err)
	}
}

// postReview submits a formal PR review, falling back to a plain comment
// when the host refuses (self-authored PRs cannot be approved).
func (c *Controller) postReview(ctx context.Context, rec *store.IterationRecord, event githost.ReviewEvent, body string) {
	if rec.PRNumber == 0 {
		return
	}
	if err := c.host.SubmitReview(ctx, rec.PRNumber, event, body); err != nil {
		c.logger.Warn("Failed to submit %s review on PR #%d, posting comment instead: %v", event, rec.PRNumber, err)
		c.postComment(ctx, rec, body)
	}
}
