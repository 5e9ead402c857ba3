package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrEmpty is returned by NextPending when no job is ready to run.
var ErrEmpty = errors.New("queue is empty")

// Store persists jobs in its own SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore opens the queue database, creating the schema on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate queue schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id         TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		payload    TEXT NOT NULL,
		dedup_key  TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL DEFAULT 'pending',
		attempts   INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		run_after  TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedup ON jobs(dedup_key) WHERE dedup_key != '';
	CREATE INDEX IF NOT EXISTS idx_jobs_status_run_after ON jobs(status, run_after);
	`
	_, err := s.db.Exec(schema)
	return err
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Enqueue adds a job. When dedupKey is non-empty and a job with the
// same key already exists, the insert is silently dropped and the
// existing job's ID is returned as empty with no error. At-least-once
// delivery plus dedup gives the daily trigger its once-per-day shape.
func (s *Store) Enqueue(ctx context.Context, kind string, payload any, dedupKey string) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate job ID: %w", err)
	}
	now := fmtTime(time.Now())

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO jobs (id, kind, payload, dedup_key, status, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?, ?)
	`, id.String(), kind, string(data), dedupKey, now, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return "", nil // deduplicated
	}
	return id.String(), nil
}

const jobCols = `id, kind, payload, dedup_key, status, attempts, last_error, run_after, created_at, updated_at`

func scanJob(scanner interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var payload, runAfter, createdAt, updatedAt string
	err := scanner.Scan(&j.ID, &j.Kind, &payload, &j.DedupKey, &j.Status,
		&j.Attempts, &j.LastError, &runAfter, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.RunAfter = parseTime(runAfter)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

// NextPending claims the oldest runnable job, marking it running.
// Returns ErrEmpty when nothing is ready.
func (s *Store) NextPending(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobCols+` FROM jobs
		WHERE status = 'pending' AND run_after <= ?
		ORDER BY run_after ASC LIMIT 1
	`, fmtTime(time.Now()))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	j.Status = StatusRunning
	j.Attempts++
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = ? WHERE id = ?
	`, fmtTime(time.Now()), j.ID)
	if err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return j, nil
}

// MarkCompleted records a successful run.
func (s *Store) MarkCompleted(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?
	`, fmtTime(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// MarkFailed records a failed run. When the job has attempts left it is
// rescheduled with linear backoff; otherwise it is failed for good.
// permanent forces an immediate terminal failure.
func (s *Store) MarkFailed(ctx context.Context, job *Job, runErr error, maxAttempts int, permanent bool) error {
	now := time.Now()

	if permanent || job.Attempts >= maxAttempts {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ?
		`, runErr.Error(), fmtTime(now), job.ID)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return nil
	}

	backoff := time.Duration(job.Attempts) * time.Minute
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', last_error = ?, run_after = ?, updated_at = ? WHERE id = ?
	`, runErr.Error(), fmtTime(now.Add(backoff)), fmtTime(now), job.ID)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// RecoverStale resets jobs left running by a previous process back to
// pending so they are retried after a crash.
func (s *Store) RecoverStale(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', updated_at = ? WHERE status = 'running'
	`, fmtTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Get returns a job by ID.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}
