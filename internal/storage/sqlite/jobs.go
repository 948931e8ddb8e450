package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yegors/voicejournal/pkg/logger"
)

// JobStatus is the lifecycle state of a transcription job
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is one durable unit of transcription work for a reflection.
// Attempt counts how many times the job has been claimed. LeaseExpiries counts
// how often a worker lost the job without reporting back.
type Job struct {
	ID            int64      `json:"id"`
	ReflectionID  int64      `json:"reflection_id"`
	Attempt       int        `json:"attempt"`
	LeaseExpiries int        `json:"lease_expiries"`
	Status        JobStatus  `json:"status"`
	RunAt         time.Time  `json:"run_at"`
	LastError     string     `json:"last_error,omitempty"`
	WorkerID      string     `json:"worker_id,omitempty"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// JobStorage is the durable transcription queue
type JobStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewJobStorage creates a new SQLite-backed job queue
func NewJobStorage(db *sql.DB, log *logger.Logger) (*JobStorage, error) {
	storage := &JobStorage{
		db:     db,
		logger: log.Named("sqlite-jobs"),
	}

	if err := storage.initDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize job storage: %w", err)
	}

	return storage, nil
}

func (s *JobStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transcription_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			reflection_id INTEGER NOT NULL REFERENCES reflections(id) ON DELETE CASCADE,
			attempt INTEGER NOT NULL DEFAULT 0,
			lease_expiries INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			run_at TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			worker_id TEXT,
			locked_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create transcription_jobs table: %w", err)
	}

	// At most one active job per reflection
	_, err = s.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_reflection
		ON transcription_jobs(reflection_id)
		WHERE status IN ('queued', 'running')
	`)
	if err != nil {
		return fmt.Errorf("failed to create active job index: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_status_run_at ON transcription_jobs(status, run_at)`)
	if err != nil {
		return fmt.Errorf("failed to create status index: %w", err)
	}

	return nil
}

const jobColumns = `id, reflection_id, attempt, lease_expiries, status, run_at, last_error, worker_id, locked_at, created_at, updated_at`

func scanJob(row rowScanner) (*Job, error) {
	var (
		job       Job
		status    string
		runAt     string
		workerID  sql.NullString
		lockedAt  sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(
		&job.ID,
		&job.ReflectionID,
		&job.Attempt,
		&job.LeaseExpiries,
		&status,
		&runAt,
		&job.LastError,
		&workerID,
		&lockedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	job.Status = JobStatus(status)
	if workerID.Valid {
		job.WorkerID = workerID.String
	}

	var err error
	if job.RunAt, err = parseTime(runAt); err != nil {
		return nil, fmt.Errorf("failed to parse run_at: %w", err)
	}
	if job.LockedAt, err = parseNullTime(lockedAt); err != nil {
		return nil, fmt.Errorf("failed to parse locked_at: %w", err)
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &job, nil
}

// Enqueue adds a job for reflectionID that becomes runnable at runAt.
// ErrDuplicateJob is returned if the reflection already has a queued or running job.
func (s *JobStorage) Enqueue(ctx context.Context, reflectionID int64, runAt time.Time) (int64, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transcription_jobs (reflection_id, attempt, status, run_at, created_at, updated_at)
		VALUES (?, 0, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		reflectionID, string(JobQueued), formatTime(runAt), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job for reflection %d: %w", reflectionID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return 0, ErrDuplicateJob
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

// ClaimNext atomically moves the oldest runnable job to running and returns it.
// It returns nil, nil when nothing is due.
func (s *JobStorage) ClaimNext(ctx context.Context, workerID string, now time.Time) (*Job, error) {
	ts := formatTime(now)
	row := s.db.QueryRowContext(ctx,
		`UPDATE transcription_jobs
		SET status = ?, attempt = attempt + 1, worker_id = ?, locked_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM transcription_jobs
			WHERE status = ? AND run_at <= ?
			ORDER BY run_at, id
			LIMIT 1
		)
		RETURNING `+jobColumns,
		string(JobRunning), workerID, ts, ts,
		string(JobQueued), ts,
	)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// transition moves a running job to a new state. It only touches rows that are
// still running so a re-queued stale job cannot be overwritten by its old worker.
func (s *JobStorage) transition(ctx context.Context, id int64, status JobStatus, runAt *time.Time, lastErr string, now time.Time) error {
	var runAtArg any
	if runAt != nil {
		runAtArg = formatTime(*runAt)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE transcription_jobs
		SET status = ?, run_at = COALESCE(?, run_at), last_error = ?, worker_id = NULL, locked_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(status), runAtArg, lastErr, formatTime(now), id, string(JobRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to mark job %d %s: %w", id, status, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Complete marks a running job as succeeded
func (s *JobStorage) Complete(ctx context.Context, id int64, now time.Time) error {
	return s.transition(ctx, id, JobSucceeded, nil, "", now)
}

// Fail marks a running job as terminally failed
func (s *JobStorage) Fail(ctx context.Context, id int64, reason string, now time.Time) error {
	return s.transition(ctx, id, JobFailed, nil, reason, now)
}

// Retry puts a running job back in the queue to run again at runAt
func (s *JobStorage) Retry(ctx context.Context, id int64, runAt time.Time, reason string, now time.Time) error {
	return s.transition(ctx, id, JobQueued, &runAt, reason, now)
}

// Release hands a running job back to the queue without counting the attempt.
// Used when a worker is shut down mid-job.
func (s *JobStorage) Release(ctx context.Context, id int64, now time.Time) error {
	ts := formatTime(now)
	res, err := s.db.ExecContext(ctx,
		`UPDATE transcription_jobs
		SET status = ?, attempt = MAX(attempt - 1, 0), run_at = ?, worker_id = NULL, locked_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(JobQueued), ts, ts, id, string(JobRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to release job %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueStale returns running jobs locked before olderThan to the queue. Only
// the first expired lease of a job gives its attempt back; after that every
// lost attempt counts against the retry budget, so a job that keeps killing
// its worker still runs out of attempts.
func (s *JobStorage) RequeueStale(ctx context.Context, olderThan, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transcription_jobs
		SET status = ?,
			attempt = CASE WHEN lease_expiries = 0 THEN MAX(attempt - 1, 0) ELSE attempt END,
			lease_expiries = lease_expiries + 1,
			run_at = ?, worker_id = NULL, locked_at = NULL,
			last_error = 'worker lease expired', updated_at = ?
		WHERE status = ? AND locked_at < ?`,
		string(JobQueued), formatTime(now), formatTime(now),
		string(JobRunning), formatTime(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

// Get returns a job by ID
func (s *JobStorage) Get(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM transcription_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return job, nil
}

// LatestForReflection returns the most recently created job for a reflection
func (s *JobStorage) LatestForReflection(ctx context.Context, reflectionID int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM transcription_jobs
		WHERE reflection_id = ?
		ORDER BY id DESC
		LIMIT 1`, reflectionID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest job for reflection %d: %w", reflectionID, err)
	}
	return job, nil
}

// CountByStatus returns the number of jobs in each state
func (s *JobStorage) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM transcription_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := map[JobStatus]int{
		JobQueued:    0,
		JobRunning:   0,
		JobSucceeded: 0,
		JobFailed:    0,
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[JobStatus(status)] = n
	}
	return counts, rows.Err()
}
