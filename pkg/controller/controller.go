// Package controller drives issue lineages from trigger to terminal state.
// One worker goroutine runs per active issue key; the iteration store is the
// only point of mutual exclusion between them.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"prloop/pkg/config"
	"prloop/pkg/generate"
	"prloop/pkg/githost"
	"prloop/pkg/logx"
	"prloop/pkg/metrics"
	"prloop/pkg/review"
	"prloop/pkg/store"
)

// StartResult is the outcome of a processing trigger.
type StartResult string

const (
	// ResultAccepted means a fresh lineage was created and a worker started.
	ResultAccepted StartResult = "accepted"
	// ResultAlreadyActive means a non-terminal lineage already owns the key.
	ResultAlreadyActive StartResult = "already_active"
	// ResultAlreadyFinished means the key has a terminal lineage and restart
	// was not requested.
	ResultAlreadyFinished StartResult = "already_finished"
)

// Controller owns the worker pool and exposes the administrative
// operations.
type Controller struct {
	store     *store.Store
	host      githost.Host
	generator generate.Generator
	evaluator review.Evaluator
	recorder  *metrics.Recorder
	cfg       config.Config
	logger    *logx.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New creates a controller. Call Resume to pick up lineages left active by
// a previous run, and Shutdown to stop.
func New(st *store.Store, host githost.Host, gen generate.Generator, eval review.Evaluator, rec *metrics.Recorder, cfg config.Config) *Controller {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Controller{
		store:      st,
		host:       host,
		generator:  gen,
		evaluator:  eval,
		recorder:   rec,
		cfg:        cfg,
		logger:     logx.NewLogger("controller"),
		cancels:    make(map[string]context.CancelFunc),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
}

// StartIssueProcessing triggers a lineage for the issue key. Exactly one of
// two rapid duplicate calls is accepted; the loser sees AlreadyActive. A
// terminal key is only re-run when restart is set.
func (c *Controller) StartIssueProcessing(ctx context.Context, owner, repo string, issueNumber int, restart bool) (StartResult, *store.IterationRecord, error) {
	if !restart {
		prior, err := c.store.Load(ctx, owner, repo, issueNumber)
		if err == nil && prior.Status.IsTerminal() {
			return ResultAlreadyFinished, prior, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", nil, fmt.Errorf("failed to check prior lineage: %w", err)
		}
	}

	rec := &store.IterationRecord{
		Owner:         owner,
		Repo:          repo,
		IssueNumber:   issueNumber,
		Status:        store.StatusPending,
		MaxIterations: c.cfg.MaxIterations,
		Branch:        fmt.Sprintf("%s%d", c.cfg.Git.BranchPrefix, issueNumber),
	}

	err := c.store.TryCreate(ctx, rec)
	if errors.Is(err, store.ErrAlreadyActive) {
		active, loadErr := c.store.LoadActive(ctx, owner, repo, issueNumber)
		if loadErr != nil {
			active = nil
		}
		return ResultAlreadyActive, active, nil
	}
	if err != nil {
		return "", nil, err
	}

	c.spawn(rec, c.runIssue)
	return ResultAccepted, rec, nil
}

// ErrPRUnavailable marks review-only triggers whose PR could not be
// fetched from the host.
var ErrPRUnavailable = errors.New("pull request unavailable")

// StartReviewOnly triggers a one-shot review of an existing PR. The record
// is keyed by the PR number and never generates code.
func (c *Controller) StartReviewOnly(ctx context.Context, owner, repo string, prNumber int) (StartResult, *store.IterationRecord, error) {
	pr, err := c.host.GetPR(ctx, prNumber)
	if err != nil {
		return "", nil, fmt.Errorf("%w: #%d: %v", ErrPRUnavailable, prNumber, err)
	}

	rec := &store.IterationRecord{
		Owner:         owner,
		Repo:          repo,
		IssueNumber:   prNumber,
		IssueTitle:    pr.Title,
		Status:        store.StatusPending,
		MaxIterations: 1,
		Branch:        pr.HeadRefName,
		PRNumber:      pr.Number,
		PRURL:         pr.URL,
		ReviewOnly:    true,
	}

	err = c.store.TryCreate(ctx, rec)
	if errors.Is(err, store.ErrAlreadyActive) {
		active, loadErr := c.store.GetByPR(ctx, owner, repo, prNumber)
		if loadErr != nil {
			active = nil
		}
		return ResultAlreadyActive, active, nil
	}
	if err != nil {
		return "", nil, err
	}

	c.spawn(rec, c.runReviewOnly)
	return ResultAccepted, rec, nil
}

// ListActive returns all non-terminal lineage records.
func (c *Controller) ListActive(ctx context.Context) ([]*store.IterationRecord, error) {
	records, err := c.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	c.recorder.SetActiveLineages(len(records))
	return records, nil
}

// ListAll returns every lineage record, terminal ones included.
func (c *Controller) ListAll(ctx context.Context) ([]*store.IterationRecord, error) {
	return c.store.List(ctx)
}

// ListByStatus returns the lineage records sitting in one specific status.
func (c *Controller) ListByStatus(ctx context.Context, status store.Status) ([]*store.IterationRecord, error) {
	return c.store.ListByStatus(ctx, status)
}

// Get returns one lineage record and its history by record ID.
func (c *Controller) Get(ctx context.Context, id string) (*store.IterationRecord, []*store.HistoryEntry, error) {
	rec, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	history, err := c.store.History(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return rec, history, nil
}

// Cancel requests cancellation of the lineage with the given record ID. The
// worker observes it at its next checkpoint and commits Failed("cancelled").
func (c *Controller) Cancel(ctx context.Context, id string) error {
	rec, err := c.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("lineage %s is already terminal (%s)", id, rec.Status)
	}

	c.mu.Lock()
	cancel, ok := c.cancels[rec.Key()]
	c.mu.Unlock()

	if ok {
		cancel()
		return nil
	}

	// No worker is running (e.g. orphaned record from a crash); finalize
	// directly.
	rec.Status = store.StatusFailed
	rec.TerminalReason = "cancelled"
	return c.store.CommitTransition(ctx, rec, nil)
}

// Resume restarts workers for lineages left active by a previous run. Called
// once at startup.
func (c *Controller) Resume(ctx context.Context) error {
	records, err := c.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active lineages: %w", err)
	}

	for _, rec := range records {
		c.logger.Info("Resuming lineage %s (%s, status %s)", rec.ID, rec.Key(), rec.Status)
		if rec.ReviewOnly {
			c.spawn(rec, c.runReviewOnly)
		} else {
			c.spawn(rec, c.runIssue)
		}
	}
	return nil
}

// Shutdown cancels all workers and waits for them to finish or the context
// to expire.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.rootCancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// spawn registers a cancel func for the key and starts the worker.
func (c *Controller) spawn(rec *store.IterationRecord, run func(ctx context.Context, rec *store.IterationRecord)) {
	key := rec.Key()
	workerCtx, cancel := context.WithCancel(c.rootCtx)

	c.mu.Lock()
	c.cancels[key] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.cancels, key)
			c.mu.Unlock()
		}()
		run(workerCtx, rec)
	}()
}

// WaitIdle blocks until all workers have finished or the timeout elapses.
// Intended for tests that need lineages to settle.
func (c *Controller) WaitIdle(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
