package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRecord(issueNumber int) *IterationRecord {
	return &IterationRecord{
		Owner:         "acme",
		Repo:          "widgets",
		IssueNumber:   issueNumber,
		Status:        StatusPending,
		MaxIterations: 5,
		Branch:        "prloop/issue-42",
	}
}

func TestTryCreateAssignsIdentity(t *testing.T) {
	s := openTestStore(t)
	rec := newRecord(42)

	require.NoError(t, s.TryCreate(context.Background(), rec))
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, "acme/widgets#42", rec.Key())
}

func TestTryCreateRejectsDuplicateActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.TryCreate(ctx, newRecord(42)))
	err := s.TryCreate(ctx, newRecord(42))
	assert.ErrorIs(t, err, ErrAlreadyActive)

	// A different issue key is unaffected.
	require.NoError(t, s.TryCreate(ctx, newRecord(43)))
}

func TestTryCreateConcurrentRace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.TryCreate(ctx, newRecord(42))
		}()
	}
	wg.Wait()
	close(results)

	var created, rejected int
	for err := range results {
		switch {
		case err == nil:
			created++
		default:
			assert.ErrorIs(t, err, ErrAlreadyActive)
			rejected++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, racers-1, rejected)
}

func TestTryCreateAllowedAfterTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord(42)
	require.NoError(t, s.TryCreate(ctx, rec))

	rec.Status = StatusFailed
	rec.TerminalReason = "cancelled"
	require.NoError(t, s.CommitTransition(ctx, rec, nil))

	require.NoError(t, s.TryCreate(ctx, newRecord(42)))
}

func TestCommitTransitionBumpsVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord(42)
	require.NoError(t, s.TryCreate(ctx, rec))

	rec.Status = StatusGenerating
	rec.IterationCount = 1
	require.NoError(t, s.CommitTransition(ctx, rec, nil))
	assert.Equal(t, int64(2), rec.Version)

	loaded, err := s.Load(ctx, "acme", "widgets", 42)
	require.NoError(t, err)
	assert.Equal(t, StatusGenerating, loaded.Status)
	assert.Equal(t, 1, loaded.IterationCount)
	assert.Equal(t, int64(2), loaded.Version)
}

func TestCommitTransitionStaleVersionNeverWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord(42)
	require.NoError(t, s.TryCreate(ctx, rec))

	// Two workers read the same version.
	first, err := s.Load(ctx, "acme", "widgets", 42)
	require.NoError(t, err)
	second, err := s.Load(ctx, "acme", "widgets", 42)
	require.NoError(t, err)

	first.Status = StatusGenerating
	require.NoError(t, s.CommitTransition(ctx, first, nil))

	second.Status = StatusGenerating
	err = s.CommitTransition(ctx, second, nil)
	assert.ErrorIs(t, err, ErrStaleVersion)
}

func TestCommitTransitionRejectsIllegalMove(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord(42)
	require.NoError(t, s.TryCreate(ctx, rec))

	rec.Status = StatusCompleted // pending -> completed is not legal
	err := s.CommitTransition(ctx, rec, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCommitTransitionRejectsLeavingTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord(42)
	require.NoError(t, s.TryCreate(ctx, rec))

	rec.Status = StatusFailed
	require.NoError(t, s.CommitTransition(ctx, rec, nil))

	rec.Status = StatusGenerating
	err := s.CommitTransition(ctx, rec, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCommitTransitionMissingRecord(t *testing.T) {
	s := openTestStore(t)

	rec := newRecord(42)
	rec.ID = "nonexistent"
	rec.Version = 1
	rec.Status = StatusGenerating
	err := s.CommitTransition(context.Background(), rec, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistoryAppendedWithTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord(42)
	require.NoError(t, s.TryCreate(ctx, rec))

	for _, status := range []Status{StatusGenerating, StatusPublishing, StatusAwaitingChecks, StatusReviewing} {
		rec.Status = status
		require.NoError(t, s.CommitTransition(ctx, rec, nil))
	}

	rec.Status = StatusRevising
	rec.IterationCount = 1
	require.NoError(t, s.CommitTransition(ctx, rec, &HistoryEntry{
		Iteration: 1,
		Verdict:   "revise",
		Feedback:  "add tests",
		CISummary: "success",
		PRNumber:  7,
	}))

	entries, err := s.History(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Iteration)
	assert.Equal(t, "revise", entries[0].Verdict)
	assert.Equal(t, "add tests", entries[0].Feedback)
	assert.Equal(t, rec.ID, entries[0].RecordID)
}

func TestListActiveExcludesTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	active := newRecord(42)
	require.NoError(t, s.TryCreate(ctx, active))

	done := newRecord(43)
	require.NoError(t, s.TryCreate(ctx, done))
	done.Status = StatusFailed
	require.NoError(t, s.CommitTransition(ctx, done, nil))

	records, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 42, records[0].IssueNumber)
}

func TestListIncludesTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.TryCreate(ctx, newRecord(42)))

	done := newRecord(43)
	require.NoError(t, s.TryCreate(ctx, done))
	done.Status = StatusFailed
	require.NoError(t, s.CommitTransition(ctx, done, nil))

	records, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestIssueTitlePersistsAcrossTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord(42)
	require.NoError(t, s.TryCreate(ctx, rec))

	rec.IssueTitle = "Pager skips last page"
	rec.Status = StatusGenerating
	require.NoError(t, s.CommitTransition(ctx, rec, nil))

	loaded, err := s.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Pager skips last page", loaded.IssueTitle)
}

func TestGetByPR(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord(42)
	require.NoError(t, s.TryCreate(ctx, rec))
	rec.Status = StatusGenerating
	rec.PRNumber = 7
	rec.PRURL = "https://github.com/acme/widgets/pull/7"
	require.NoError(t, s.CommitTransition(ctx, rec, nil))

	found, err := s.GetByPR(ctx, "acme", "widgets", 7)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, found.ID)

	_, err = s.GetByPR(ctx, "acme", "widgets", 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusGenerating))
	assert.True(t, CanTransition(StatusReviewing, StatusCompleted))
	assert.True(t, CanTransition(StatusReviewing, StatusExhausted))
	assert.True(t, CanTransition(StatusRevising, StatusGenerating))
	assert.True(t, CanTransition(StatusAwaitingChecks, StatusFailed))

	assert.False(t, CanTransition(StatusPending, StatusCompleted))
	assert.False(t, CanTransition(StatusCompleted, StatusFailed))
	assert.False(t, CanTransition(StatusExhausted, StatusGenerating))
}
