package controller

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prloop/pkg/config"
	"prloop/pkg/faults"
	"prloop/pkg/generate"
	"prloop/pkg/githost"
	"prloop/pkg/metrics"
	"prloop/pkg/review"
	"prloop/pkg/store"
)

// fakeHost is a scripted Host. CheckStatus returns the scripted statuses in
// order, repeating the last one.
type fakeHost struct {
	mu              sync.Mutex
	issue           *githost.Issue
	pr              *githost.PullRequest
	checkScript     []*githost.CheckStatus
	checkCalls      int
	publishCalls    int
	comments        []string
	issueComments   []string
	reviews         []string
	closedPRs       []int
	deletedBranches []string
	fetchErr        error
	publishErr      error
}

func (h *fakeHost) FetchIssue(_ context.Context, number int) (*githost.Issue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fetchErr != nil {
		return nil, h.fetchErr
	}
	if h.issue != nil {
		return h.issue, nil
	}
	return &githost.Issue{Number: number, Title: "test issue", Body: "body"}, nil
}

func (h *fakeHost) PublishChangeSet(_ context.Context, req githost.PublishRequest) (*githost.PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.publishErr != nil {
		return nil, h.publishErr
	}
	h.publishCalls++
	if h.pr == nil {
		h.pr = &githost.PullRequest{
			Number:      7,
			URL:         "https://github.com/acme/widgets/pull/7",
			Title:       req.ChangeSet.Title,
			State:       "OPEN",
			HeadRefName: req.Branch,
		}
	}
	return h.pr, nil
}

func (h *fakeHost) GetPR(_ context.Context, number int) (*githost.PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pr == nil {
		return &githost.PullRequest{Number: number, State: "OPEN", Title: "existing PR"}, nil
	}
	return h.pr, nil
}

func (h *fakeHost) CheckStatus(_ context.Context, _ int) (*githost.CheckStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.checkScript) == 0 {
		return &githost.CheckStatus{State: githost.CheckStateSuccess}, nil
	}
	idx := h.checkCalls
	if idx >= len(h.checkScript) {
		idx = len(h.checkScript) - 1
	}
	h.checkCalls++
	return h.checkScript[idx], nil
}

func (h *fakeHost) CommentOnPR(_ context.Context, _ int, body string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.comments = append(h.comments, body)
	return nil
}

func (h *fakeHost) SubmitReview(_ context.Context, _ int, event githost.ReviewEvent, body string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reviews = append(h.reviews, string(event)+": "+body)
	return nil
}

func (h *fakeHost) CommentOnIssue(_ context.Context, _ int, body string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.issueComments = append(h.issueComments, body)
	return nil
}

func (h *fakeHost) ClosePR(_ context.Context, number int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closedPRs = append(h.closedPRs, number)
	return nil
}

func (h *fakeHost) DeleteBranch(_ context.Context, branch string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deletedBranches = append(h.deletedBranches, branch)
	return nil
}

func (h *fakeHost) RepoPath() string { return "acme/widgets" }

func (h *fakeHost) commentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.comments)
}

func (h *fakeHost) issueCommentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.issueComments)
}

func (h *fakeHost) reviewCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reviews)
}

// fakeGenerator records the feedback it was handed per call.
type fakeGenerator struct {
	mu        sync.Mutex
	feedbacks []string
	err       error
}

func (g *fakeGenerator) Generate(_ context.Context, req generate.Request) (*githost.ChangeSet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.feedbacks = append(g.feedbacks, req.PriorFeedback)
	return &githost.ChangeSet{
		Title: fmt.Sprintf("Fix issue #%d (iteration %d)", req.Issue.Number, req.Iteration),
		Files: []githost.FileChange{{Path: "fix.go", Content: "package fix"}},
	}, nil
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.feedbacks)
}

// fakeEvaluator returns scripted verdicts in order, repeating the last one.
type fakeEvaluator struct {
	mu       sync.Mutex
	verdicts []*review.Verdict
	calls    int
}

func (e *fakeEvaluator) Evaluate(_ context.Context, _ *githost.ChangeSet, _ *githost.CheckStatus) (*review.Verdict, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.verdicts) == 0 {
		return &review.Verdict{Decision: review.DecisionPass}, nil
	}
	idx := e.calls
	if idx >= len(e.verdicts) {
		idx = len(e.verdicts) - 1
	}
	e.calls++
	return e.verdicts[idx], nil
}

func testConfig(maxIterations int) config.Config {
	cfg := config.DefaultConfig()
	cfg.MaxIterations = maxIterations
	cfg.CI.PollInterval = time.Millisecond
	cfg.CI.PollMaxInterval = 5 * time.Millisecond
	cfg.CI.MaxWait = 200 * time.Millisecond
	return cfg
}

func newTestController(t *testing.T, host githost.Host, gen generate.Generator, eval review.Evaluator, maxIterations int) (*Controller, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rec := metrics.NewRecorderWith(prometheus.NewRegistry())
	ctrl := New(st, host, gen, eval, rec, testConfig(maxIterations))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctrl.Shutdown(ctx)
	})
	return ctrl, st
}

func TestPassVerdictYieldsCompleted(t *testing.T) {
	host := &fakeHost{}
	gen := &fakeGenerator{}
	ctrl, st := newTestController(t, host, gen, &fakeEvaluator{}, 5)

	result, rec, err := ctrl.StartIssueProcessing(context.Background(), "acme", "widgets", 42, false)
	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, result)
	require.True(t, ctrl.WaitIdle(5*time.Second))

	final, err := st.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.IterationCount)
	assert.Equal(t, 7, final.PRNumber)
	assert.NotEmpty(t, final.PRURL)

	history, err := st.History(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "pass", history[0].Verdict)
}

func TestScenarioReviseThenPass(t *testing.T) {
	// Issue #42, ceiling 2: Revise("add tests") then Pass.
	host := &fakeHost{}
	gen := &fakeGenerator{}
	eval := &fakeEvaluator{verdicts: []*review.Verdict{
		{Decision: review.DecisionRevise, Feedback: "add tests"},
		{Decision: review.DecisionPass},
	}}
	ctrl, st := newTestController(t, host, gen, eval, 2)

	_, rec, err := ctrl.StartIssueProcessing(context.Background(), "acme", "widgets", 42, false)
	require.NoError(t, err)
	require.True(t, ctrl.WaitIdle(5*time.Second))

	final, err := st.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.IterationCount)

	history, err := st.History(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "revise", history[0].Verdict)
	assert.Equal(t, "pass", history[1].Verdict)

	// The second generation attempt received the reviewer's feedback.
	require.Equal(t, 2, gen.calls())
	assert.Equal(t, "", gen.feedbacks[0])
	assert.Equal(t, "add tests", gen.feedbacks[1])
}

func TestIterationCeilingYieldsExhausted(t *testing.T) {
	host := &fakeHost{}
	eval := &fakeEvaluator{verdicts: []*review.Verdict{
		{Decision: review.DecisionRevise, Feedback: "still wrong"},
	}}
	ctrl, st := newTestController(t, host, &fakeGenerator{}, eval, 2)

	_, rec, err := ctrl.StartIssueProcessing(context.Background(), "acme", "widgets", 42, false)
	require.NoError(t, err)
	require.True(t, ctrl.WaitIdle(5*time.Second))

	final, err := st.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExhausted, final.Status)
	assert.Equal(t, 2, final.IterationCount)
	assert.Contains(t, final.TerminalReason, "iteration ceiling")

	history, err := st.History(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	// The ceiling outcome is posted to the PR as a comment.
	assert.Positive(t, host.commentCount())
}

func TestDuplicateStartRace(t *testing.T) {
	host := &fakeHost{}
	ctrl, _ := newTestController(t, host, &fakeGenerator{}, &fakeEvaluator{}, 5)

	const racers = 6
	results := make(chan StartResult, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, _, err := ctrl.StartIssueProcessing(context.Background(), "acme", "widgets", 42, false)
			require.NoError(t, err)
			results <- result
		}()
	}
	wg.Wait()
	close(results)

	var accepted, alreadyActive int
	for result := range results {
		switch result {
		case ResultAccepted:
			accepted++
		case ResultAlreadyActive:
			alreadyActive++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, racers-1, alreadyActive)
}

func TestCITimeoutFailsLineage(t *testing.T) {
	host := &fakeHost{checkScript: []*githost.CheckStatus{
		{State: githost.CheckStatePending, Pending: 1, TotalRuns: 1},
	}}
	gen := &fakeGenerator{}
	ctrl, st := newTestController(t, host, gen, &fakeEvaluator{}, 5)

	_, rec, err := ctrl.StartIssueProcessing(context.Background(), "acme", "widgets", 42, false)
	require.NoError(t, err)
	require.True(t, ctrl.WaitIdle(5*time.Second))

	final, err := st.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, final.Status)
	assert.Equal(t, "CI timeout", final.TerminalReason)
	// No further generation attempts after the timeout.
	assert.Equal(t, 1, gen.calls())
}

func TestFailVerdictFailsLineage(t *testing.T) {
	host := &fakeHost{}
	eval := &fakeEvaluator{verdicts: []*review.Verdict{
		{Decision: review.DecisionFail, Feedback: "wrong approach entirely"},
	}}
	ctrl, st := newTestController(t, host, &fakeGenerator{}, eval, 5)

	_, rec, err := ctrl.StartIssueProcessing(context.Background(), "acme", "widgets", 42, false)
	require.NoError(t, err)
	require.True(t, ctrl.WaitIdle(5*time.Second))

	final, err := st.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, final.Status)
	assert.Contains(t, final.TerminalReason, "wrong approach entirely")

	// The rejected PR is closed and its branch deleted.
	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Equal(t, []int{7}, host.closedPRs)
	assert.Equal(t, []string{final.Branch}, host.deletedBranches)
}

func TestGenerationContentErrorFailsLineage(t *testing.T) {
	host := &fakeHost{}
	gen := &fakeGenerator{err: faults.Newf(faults.KindContent, "no JSON block found in response")}
	ctrl, st := newTestController(t, host, gen, &fakeEvaluator{}, 5)

	_, rec, err := ctrl.StartIssueProcessing(context.Background(), "acme", "widgets", 42, false)
	require.NoError(t, err)
	require.True(t, ctrl.WaitIdle(5*time.Second))

	final, err := st.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, final.Status)
	assert.Contains(t, final.TerminalReason, "generation failed")

	// No PR exists yet, so the failure is reported on the issue.
	assert.Positive(t, host.issueCommentCount())
}

func TestCancelTransitionsToFailed(t *testing.T) {
	// CI never settles, so the worker sits in the poll loop until cancelled.
	host := &fakeHost{checkScript: []*githost.CheckStatus{
		{State: githost.CheckStatePending, Pending: 1, TotalRuns: 1},
	}}
	ctrl, st := newTestController(t, host, &fakeGenerator{}, &fakeEvaluator{}, 5)

	ctx := context.Background()
	_, rec, err := ctrl.StartIssueProcessing(ctx, "acme", "widgets", 42, false)
	require.NoError(t, err)

	// Wait for the worker to reach the CI wait.
	require.Eventually(t, func() bool {
		current, err := st.GetByID(ctx, rec.ID)
		return err == nil && current.Status == store.StatusAwaitingChecks
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, ctrl.Cancel(ctx, rec.ID))
	require.True(t, ctrl.WaitIdle(5*time.Second))

	final, err := st.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, final.Status)
	assert.Equal(t, "cancelled", final.TerminalReason)
}

func TestRestartRequiredAfterTerminal(t *testing.T) {
	host := &fakeHost{}
	ctrl, _ := newTestController(t, host, &fakeGenerator{}, &fakeEvaluator{}, 5)

	ctx := context.Background()
	_, _, err := ctrl.StartIssueProcessing(ctx, "acme", "widgets", 42, false)
	require.NoError(t, err)
	require.True(t, ctrl.WaitIdle(5*time.Second))

	result, prior, err := ctrl.StartIssueProcessing(ctx, "acme", "widgets", 42, false)
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyFinished, result)
	assert.Equal(t, store.StatusCompleted, prior.Status)

	result, _, err = ctrl.StartIssueProcessing(ctx, "acme", "widgets", 42, true)
	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, result)
}

func TestReviewOnlyPostsFeedbackAndCompletes(t *testing.T) {
	host := &fakeHost{pr: &githost.PullRequest{
		Number:      9,
		URL:         "https://github.com/acme/widgets/pull/9",
		Title:       "manual change",
		State:       "OPEN",
		HeadRefName: "feature/manual",
	}}
	eval := &fakeEvaluator{verdicts: []*review.Verdict{
		{Decision: review.DecisionRevise, Feedback: "handle the empty case"},
	}}
	ctrl, st := newTestController(t, host, &fakeGenerator{}, eval, 5)

	result, rec, err := ctrl.StartReviewOnly(context.Background(), "acme", "widgets", 9)
	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, result)
	require.True(t, ctrl.WaitIdle(5*time.Second))

	final, err := st.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.True(t, final.ReviewOnly)
	assert.Equal(t, "review feedback posted", final.TerminalReason)
	assert.Positive(t, host.reviewCount())
}

func TestReviewOnlyDuplicateReturnsActiveRecord(t *testing.T) {
	// CI never settles, so the first lineage stays parked while the
	// duplicate trigger arrives.
	host := &fakeHost{
		pr: &githost.PullRequest{
			Number:      9,
			URL:         "https://github.com/acme/widgets/pull/9",
			Title:       "manual change",
			State:       "OPEN",
			HeadRefName: "feature/manual",
		},
		checkScript: []*githost.CheckStatus{
			{State: githost.CheckStatePending, Pending: 1, TotalRuns: 1},
		},
	}
	ctrl, _ := newTestController(t, host, &fakeGenerator{}, &fakeEvaluator{}, 5)

	ctx := context.Background()
	result, _, err := ctrl.StartReviewOnly(ctx, "acme", "widgets", 9)
	require.NoError(t, err)
	require.Equal(t, ResultAccepted, result)

	result, rec, err := ctrl.StartReviewOnly(ctx, "acme", "widgets", 9)
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyActive, result)
	require.NotNil(t, rec)
	assert.Equal(t, 9, rec.PRNumber)
	assert.True(t, rec.ReviewOnly)
}

func TestListActive(t *testing.T) {
	// Keep the worker parked in CI wait so the record stays active.
	host := &fakeHost{checkScript: []*githost.CheckStatus{
		{State: githost.CheckStatePending, Pending: 1, TotalRuns: 1},
	}}
	ctrl, _ := newTestController(t, host, &fakeGenerator{}, &fakeEvaluator{}, 5)

	ctx := context.Background()
	_, _, err := ctrl.StartIssueProcessing(ctx, "acme", "widgets", 42, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		records, err := ctrl.ListActive(ctx)
		return err == nil && len(records) == 1
	}, 5*time.Second, 5*time.Millisecond)
}
