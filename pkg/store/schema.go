package store

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration
// support.
const CurrentSchemaVersion = 3

func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS iterations (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			repo TEXT NOT NULL,
			issue_number INTEGER NOT NULL,
			issue_title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			iteration_count INTEGER NOT NULL DEFAULT 0,
			max_iterations INTEGER NOT NULL,
			branch TEXT NOT NULL DEFAULT '',
			pr_number INTEGER NOT NULL DEFAULT 0,
			pr_url TEXT NOT NULL DEFAULT '',
			feedback TEXT NOT NULL DEFAULT '',
			terminal_reason TEXT NOT NULL DEFAULT '',
			review_only INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		// At most one non-terminal record per issue key. TryCreate relies on
		// this index to make the duplicate-start race lose atomically.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_iterations_active_key
			ON iterations (owner, repo, issue_number)
			WHERE status NOT IN ('completed', 'exhausted', 'failed')`,

		`CREATE INDEX IF NOT EXISTS idx_iterations_status ON iterations (status)`,
		`CREATE INDEX IF NOT EXISTS idx_iterations_pr ON iterations (pr_number)`,

		`CREATE TABLE IF NOT EXISTS iteration_history (
			id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL REFERENCES iterations(id),
			iteration INTEGER NOT NULL,
			verdict TEXT NOT NULL,
			feedback TEXT NOT NULL DEFAULT '',
			ci_summary TEXT NOT NULL DEFAULT '',
			pr_number INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_history_record ON iteration_history (record_id)`,

		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return setSchemaVersion(db, CurrentSchemaVersion)
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	case 3:
		return migrateToVersion3(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds review-only trigger support.
func migrateToVersion2(db *sql.DB) error {
	_, err := db.Exec("ALTER TABLE iterations ADD COLUMN review_only INTEGER NOT NULL DEFAULT 0")
	if err != nil {
		return fmt.Errorf("failed to add review_only column: %w", err)
	}
	return nil
}

// migrateToVersion3 stores the issue title on the record so the admin
// surface can show lineages without a host round trip.
func migrateToVersion3(db *sql.DB) error {
	_, err := db.Exec("ALTER TABLE iterations ADD COLUMN issue_title TEXT NOT NULL DEFAULT ''")
	if err != nil {
		return fmt.Errorf("failed to add issue_title column: %w", err)
	}
	return nil
}

func getSchemaVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec("DELETE FROM schema_version"); err != nil {
		return fmt.Errorf("failed to clear schema version: %w", err)
	}
	if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}
