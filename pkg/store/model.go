package store

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an iteration record.
type Status string

const (
	StatusPending        Status = "pending"
	StatusGenerating     Status = "generating"
	StatusPublishing     Status = "publishing"
	StatusAwaitingChecks Status = "awaiting_checks"
	StatusReviewing      Status = "reviewing"
	StatusRevising       Status = "revising"
	StatusCompleted      Status = "completed"
	StatusExhausted      Status = "exhausted"
	StatusFailed         Status = "failed"
)

// ParseStatus validates a status string from an external caller.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusGenerating, StatusPublishing, StatusAwaitingChecks,
		StatusReviewing, StatusRevising, StatusCompleted, StatusExhausted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// IsTerminal reports whether the status ends the lineage.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusExhausted, StatusFailed:
		return true
	default:
		return false
	}
}

// ValidTransitions defines the allowed status graph. Failed is reachable
// from every non-terminal state and is therefore not listed per-source.
//
//nolint:gochecknoglobals // package-level transition table
var ValidTransitions = map[Status][]Status{
	StatusPending:        {StatusGenerating},
	StatusGenerating:     {StatusPublishing},
	StatusPublishing:     {StatusAwaitingChecks},
	StatusAwaitingChecks: {StatusReviewing},
	StatusReviewing:      {StatusRevising, StatusCompleted, StatusExhausted},
	StatusRevising:       {StatusGenerating},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	if to == StatusFailed {
		return !from.IsTerminal()
	}
	for _, next := range ValidTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IterationRecord is the persisted state of one issue lineage. Version
// implements optimistic concurrency: every CommitTransition must present
// the version it read, and exactly one writer per version wins.
//
//nolint:govet // logical grouping preferred over memory optimization
type IterationRecord struct {
	ID             string
	Owner          string
	Repo           string
	IssueNumber    int
	IssueTitle     string
	Status         Status
	IterationCount int
	MaxIterations  int
	Branch         string
	PRNumber       int
	PRURL          string
	Feedback       string
	TerminalReason string
	ReviewOnly     bool
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Key returns the issue key this record belongs to.
func (r *IterationRecord) Key() string {
	return IssueKey(r.Owner, r.Repo, r.IssueNumber)
}

// IssueKey formats the canonical issue key.
func IssueKey(owner, repo string, issueNumber int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, issueNumber)
}

// HistoryEntry records one completed iteration within a lineage.
//
//nolint:govet // logical grouping preferred over memory optimization
type HistoryEntry struct {
	ID        string
	RecordID  string
	Iteration int
	Verdict   string
	Feedback  string
	CISummary string
	PRNumber  int
	CreatedAt time.Time
}
