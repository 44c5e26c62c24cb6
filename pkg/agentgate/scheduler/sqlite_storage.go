// Package scheduler – sqlite_storage.go implements JobStorage backed by the
// central agentgate.db SQLite database.
package scheduler

import (
	"database/sql"
	"fmt"
	"time"
)

// SQLiteJobStorage persists jobs in the "jobs" table of the shared database.
type SQLiteJobStorage struct {
	db *sql.DB
}

// NewSQLiteJobStorage creates a SQLite-backed job storage and ensures the
// schema exists.
func NewSQLiteJobStorage(db *sql.DB) (*SQLiteJobStorage, error) {
	s := &SQLiteJobStorage{db: db}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id              TEXT PRIMARY KEY,
			type            TEXT    NOT NULL,
			schedule        TEXT    NOT NULL,
			persona         TEXT    NOT NULL DEFAULT '',
			conversation_id TEXT    NOT NULL,
			kind            TEXT    NOT NULL,
			directive       TEXT    NOT NULL DEFAULT '',
			enabled         INTEGER NOT NULL DEFAULT 1,
			created_at      TEXT    NOT NULL,
			last_run_at     TEXT,
			next_due_at     TEXT,
			last_error      TEXT    NOT NULL DEFAULT '',
			run_count       INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return nil, fmt.Errorf("create jobs table: %w", err)
	}
	return s, nil
}

// Save persists a job (insert or update).
func (s *SQLiteJobStorage) Save(job *Job) error {
	var lastRunAt, nextDueAt sql.NullString
	if job.LastRunAt != nil {
		lastRunAt = sql.NullString{String: job.LastRunAt.UTC().Format(time.RFC3339), Valid: true}
	}
	if !job.NextDueAt.IsZero() {
		nextDueAt = sql.NullString{String: job.NextDueAt.UTC().Format(time.RFC3339), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO jobs
			(id, type, schedule, persona, conversation_id, kind, directive,
			 enabled, created_at, last_run_at, next_due_at, last_error, run_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Type,
		job.Schedule,
		job.Persona,
		job.ConversationID,
		job.Kind,
		job.Directive,
		boolToInt(job.Enabled),
		job.CreatedAt.UTC().Format(time.RFC3339),
		lastRunAt,
		nextDueAt,
		job.LastError,
		job.RunCount,
	)
	if err != nil {
		return fmt.Errorf("save job %q: %w", job.ID, err)
	}
	return nil
}

// Delete removes a job by ID.
func (s *SQLiteJobStorage) Delete(id string) error {
	if _, err := s.db.Exec("DELETE FROM jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete job %q: %w", id, err)
	}
	return nil
}

// LoadAll reads all persisted jobs.
func (s *SQLiteJobStorage) LoadAll() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT id, type, schedule, persona, conversation_id, kind, directive,
		       enabled, created_at, last_run_at, next_due_at, last_error, run_count
		FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var (
			j                    Job
			enabled              int
			createdAt            string
			lastRunAt, nextDueAt sql.NullString
		)
		if err := rows.Scan(
			&j.ID, &j.Type, &j.Schedule, &j.Persona, &j.ConversationID,
			&j.Kind, &j.Directive, &enabled, &createdAt,
			&lastRunAt, &nextDueAt, &j.LastError, &j.RunCount,
		); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}

		j.Enabled = enabled != 0
		j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if lastRunAt.Valid {
			t, _ := time.Parse(time.RFC3339, lastRunAt.String)
			j.LastRunAt = &t
		}
		if nextDueAt.Valid {
			j.NextDueAt, _ = time.Parse(time.RFC3339, nextDueAt.String)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// Close is a no-op; the shared *sql.DB is owned by the caller.
func (s *SQLiteJobStorage) Close() error { return nil }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
