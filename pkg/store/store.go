// Package store persists iteration records in SQLite and arbitrates
// concurrent writers through optimistic versioning.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"prloop/pkg/logx"
)

var (
	// ErrAlreadyActive is returned by TryCreate when a non-terminal record
	// exists for the issue key.
	ErrAlreadyActive = errors.New("issue key already has an active iteration")
	// ErrStaleVersion is returned by CommitTransition when the presented
	// version lost the write race.
	ErrStaleVersion = errors.New("iteration record version is stale")
	// ErrNotFound is returned when no record matches the query.
	ErrNotFound = errors.New("iteration record not found")
	// ErrInvalidTransition is returned for moves outside the status graph.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store provides access to iteration records.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (and if needed creates) the iteration database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("store")
	logger.Info("Database initialized: %s", dbPath)

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

const recordColumns = `id, owner, repo, issue_number, issue_title, status,
	iteration_count, max_iterations, branch, pr_number, pr_url, feedback,
	terminal_reason, review_only, version, created_at, updated_at`

// TryCreate inserts a fresh record for the issue key. When another
// non-terminal record exists for the key, the partial unique index rejects
// the insert and ErrAlreadyActive is returned; under concurrent duplicate
// starts exactly one caller wins. The record's ID, Version, and timestamps
// are assigned here.
func (s *Store) TryCreate(ctx context.Context, rec *IterationRecord) error {
	if rec.Owner == "" || rec.Repo == "" || rec.IssueNumber <= 0 {
		return fmt.Errorf("iteration record needs owner, repo, and issue number")
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}

	rec.ID = uuid.New().String()
	rec.Version = 1
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	query := `INSERT INTO iterations (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Owner, rec.Repo, rec.IssueNumber, rec.IssueTitle, rec.Status,
		rec.IterationCount, rec.MaxIterations, rec.Branch, rec.PRNumber,
		rec.PRURL, rec.Feedback, rec.TerminalReason, boolToInt(rec.ReviewOnly),
		rec.Version, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyActive
		}
		return fmt.Errorf("failed to create iteration record for %s: %w", rec.Key(), err)
	}

	s.logger.Info("Created iteration record %s for %s", rec.ID, rec.Key())
	return nil
}

// Load returns the newest record for the issue key, active or terminal.
func (s *Store) Load(ctx context.Context, owner, repo string, issueNumber int) (*IterationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM iterations
		WHERE owner = ? AND repo = ? AND issue_number = ?
		ORDER BY created_at DESC, version DESC LIMIT 1`
	return s.queryOne(ctx, query, owner, repo, issueNumber)
}

// LoadActive returns the non-terminal record for the issue key, if any.
func (s *Store) LoadActive(ctx context.Context, owner, repo string, issueNumber int) (*IterationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM iterations
		WHERE owner = ? AND repo = ? AND issue_number = ?
		AND status NOT IN ('completed', 'exhausted', 'failed')
		LIMIT 1`
	return s.queryOne(ctx, query, owner, repo, issueNumber)
}

// GetByID returns the record with the given ID.
func (s *Store) GetByID(ctx context.Context, id string) (*IterationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM iterations WHERE id = ?`
	return s.queryOne(ctx, query, id)
}

// GetByPR returns the newest record attached to the given PR number.
func (s *Store) GetByPR(ctx context.Context, owner, repo string, prNumber int) (*IterationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM iterations
		WHERE owner = ? AND repo = ? AND pr_number = ?
		ORDER BY created_at DESC LIMIT 1`
	return s.queryOne(ctx, query, owner, repo, prNumber)
}

// CommitTransition atomically moves rec to its mutated state. The move
// succeeds only if the stored version equals rec.Version and the status
// change is legal; a stale version never wins. On success rec.Version and
// rec.UpdatedAt reflect the committed state, and entry (when non-nil) is
// appended to the lineage history in the same transaction.
func (s *Store) CommitTransition(ctx context.Context, rec *IterationRecord, entry *HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var priorStatus Status
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM iterations WHERE id = ? AND version = ?",
		rec.ID, rec.Version,
	).Scan(&priorStatus)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a lost race from a missing record.
		var exists int
		if scanErr := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM iterations WHERE id = ?", rec.ID,
		).Scan(&exists); scanErr == nil && exists == 0 {
			return ErrNotFound
		}
		return ErrStaleVersion
	}
	if err != nil {
		return fmt.Errorf("failed to read iteration record %s: %w", rec.ID, err)
	}

	if priorStatus != rec.Status && !CanTransition(priorStatus, rec.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, priorStatus, rec.Status)
	}

	updatedAt := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `UPDATE iterations SET
			issue_title = ?, status = ?, iteration_count = ?, branch = ?,
			pr_number = ?, pr_url = ?, feedback = ?, terminal_reason = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		rec.IssueTitle, rec.Status, rec.IterationCount, rec.Branch,
		rec.PRNumber, rec.PRURL, rec.Feedback, rec.TerminalReason,
		updatedAt, rec.ID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update iteration record %s: %w", rec.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return ErrStaleVersion
	}

	if entry != nil {
		entry.ID = uuid.New().String()
		entry.RecordID = rec.ID
		entry.CreatedAt = updatedAt
		_, err = tx.ExecContext(ctx, `INSERT INTO iteration_history
				(id, record_id, iteration, verdict, feedback, ci_summary, pr_number, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.RecordID, entry.Iteration, entry.Verdict,
			entry.Feedback, entry.CISummary, entry.PRNumber, entry.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append history for %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition for %s: %w", rec.ID, err)
	}

	rec.Version++
	rec.UpdatedAt = updatedAt
	s.logger.Debug("Committed %s -> %s for %s (version %d)", priorStatus, rec.Status, rec.Key(), rec.Version)
	return nil
}

// ListActive returns all non-terminal records.
func (s *Store) ListActive(ctx context.Context) ([]*IterationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM iterations
		WHERE status NOT IN ('completed', 'exhausted', 'failed')
		ORDER BY created_at`
	return s.queryMany(ctx, query)
}

// List returns every record, newest first.
func (s *Store) List(ctx context.Context) ([]*IterationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM iterations
		ORDER BY created_at DESC`
	return s.queryMany(ctx, query)
}

// ListByStatus returns all records with the given status.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*IterationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM iterations
		WHERE status = ? ORDER BY created_at`
	return s.queryMany(ctx, query, status)
}

// History returns the iteration history for a record, oldest first.
func (s *Store) History(ctx context.Context, recordID string) ([]*HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
			id, record_id, iteration, verdict, feedback, ci_summary, pr_number, created_at
		FROM iteration_history WHERE record_id = ? ORDER BY iteration`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", recordID, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*HistoryEntry
	for rows.Next() {
		entry := &HistoryEntry{}
		err := rows.Scan(&entry.ID, &entry.RecordID, &entry.Iteration,
			&entry.Verdict, &entry.Feedback, &entry.CISummary,
			&entry.PRNumber, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history iteration failed: %w", err)
	}
	return entries, nil
}

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (*IterationRecord, error) {
	rec := &IterationRecord{}
	var reviewOnly int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.ID, &rec.Owner, &rec.Repo, &rec.IssueNumber, &rec.IssueTitle,
		&rec.Status, &rec.IterationCount, &rec.MaxIterations, &rec.Branch,
		&rec.PRNumber, &rec.PRURL, &rec.Feedback, &rec.TerminalReason,
		&reviewOnly, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query iteration record: %w", err)
	}
	rec.ReviewOnly = reviewOnly != 0
	return rec, nil
}

func (s *Store) queryMany(ctx context.Context, query string, args ...any) ([]*IterationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query iteration records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*IterationRecord
	for rows.Next() {
		rec := &IterationRecord{}
		var reviewOnly int
		err := rows.Scan(
			&rec.ID, &rec.Owner, &rec.Repo, &rec.IssueNumber, &rec.IssueTitle,
			&rec.Status, &rec.IterationCount, &rec.MaxIterations, &rec.Branch,
			&rec.PRNumber, &rec.PRURL, &rec.Feedback, &rec.TerminalReason,
			&reviewOnly, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan iteration record: %w", err)
		}
		rec.ReviewOnly = reviewOnly != 0
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("record iteration failed: %w", err)
	}
	return records, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
