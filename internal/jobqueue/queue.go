// Package jobqueue implements the durable, at-least-once execution queue for
// evolution runs on top of Postgres. Delivery is bounded to a small number of
// attempts with exponential backoff, and terminal job rows are retained only
// up to a bounded history.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"evolver/internal/infra"
)

// ErrNoJob is returned by Claim when nothing is ready for delivery.
var ErrNoJob = errors.New("jobqueue: no job available")

// Status enumerates queue job states.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	defaultMaxAttempts  = 3
	defaultBackoffBase  = 2 * time.Second
	defaultLease        = 30 * time.Minute
	defaultHistoryLimit = 200
)

// Job is one queued execution of a run.
type Job struct {
	ID          uuid.UUID
	RunID       uuid.UUID
	PhotoID     uuid.UUID
	Status      Status
	Attempts    int
	MaxAttempts int
	LastError   string
}

// Options tunes queue behavior; zero values take the defaults above.
type Options struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	Lease        time.Duration
	HistoryLimit int
}

// Queue is the Postgres-backed job queue. Claim uses FOR UPDATE SKIP LOCKED,
// so any number of workers can poll it concurrently.
type Queue struct {
	pool         *pgxpool.Pool
	logger       infra.Logger
	maxAttempts  int
	backoffBase  time.Duration
	lease        time.Duration
	historyLimit int
}

// New constructs a queue over the given pool.
func New(pool *pgxpool.Pool, logger infra.Logger, opts Options) *Queue {
	q := &Queue{
		pool:         pool,
		logger:       logger,
		maxAttempts:  opts.MaxAttempts,
		backoffBase:  opts.BackoffBase,
		lease:        opts.Lease,
		historyLimit: opts.HistoryLimit,
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = defaultMaxAttempts
	}
	if q.backoffBase <= 0 {
		q.backoffBase = defaultBackoffBase
	}
	if q.lease <= 0 {
		q.lease = defaultLease
	}
	if q.historyLimit <= 0 {
		q.historyLimit = defaultHistoryLimit
	}
	return q
}

// Enqueue registers a run for deferred execution.
func (q *Queue) Enqueue(ctx context.Context, runID, photoID uuid.UUID) (*Job, error) {
	job := &Job{
		ID:          uuid.New(),
		RunID:       runID,
		PhotoID:     photoID,
		Status:      StatusQueued,
		MaxAttempts: q.maxAttempts,
	}
	query := `
INSERT INTO evolution_jobs (id, run_id, photo_id, status, attempts, max_attempts, run_after)
VALUES ($1, $2, $3, $4, 0, $5, NOW());
`
	if _, err := q.pool.Exec(ctx, query, job.ID, job.RunID, job.PhotoID, job.Status, job.MaxAttempts); err != nil {
		return nil, fmt.Errorf("jobqueue: enqueue: %w", err)
	}
	q.logger.Info().Stringer("job_id", job.ID).Stringer("run_id", runID).Msg("jobqueue: enqueued")
	return job, nil
}

// Claim picks the oldest deliverable job, marks it running, bumps its attempt
// counter and takes a lease. Jobs whose worker died are deliverable again once
// the lease expires, which is what makes delivery at-least-once.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	query := `
WITH next_job AS (
    SELECT id
    FROM evolution_jobs
    WHERE (status = 'queued' AND run_after <= NOW())
       OR (status = 'running' AND lease_expires_at < NOW() AND attempts < max_attempts)
    ORDER BY created_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
UPDATE evolution_jobs
SET status = 'running',
    attempts = attempts + 1,
    lease_expires_at = NOW() + make_interval(secs => $1),
    updated_at = NOW()
WHERE id IN (SELECT id FROM next_job)
RETURNING id, run_id, photo_id, attempts, max_attempts;
`
	row := q.pool.QueryRow(ctx, query, q.lease.Seconds())
	var job Job
	if err := row.Scan(&job.ID, &job.RunID, &job.PhotoID, &job.Attempts, &job.MaxAttempts); err != nil {
		if infra.IsNoRows(err) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("jobqueue: claim: %w", err)
	}
	job.Status = StatusRunning
	return &job, nil
}

// Complete marks the job done and prunes retained history.
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID) error {
	query := `
UPDATE evolution_jobs
SET status = 'completed', lease_expires_at = NULL, updated_at = NOW()
WHERE id = $1;
`
	if _, err := q.pool.Exec(ctx, query, jobID); err != nil {
		return fmt.Errorf("jobqueue: complete: %w", err)
	}
	q.pruneHistory(ctx)
	return nil
}

// Fail records a delivery failure. While attempts remain the job is requeued
// with exponential backoff; otherwise it is terminally failed and the history
// is pruned.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}

	if job.Attempts >= job.MaxAttempts {
		query := `
UPDATE evolution_jobs
SET status = 'failed', last_error = $2, lease_expires_at = NULL, updated_at = NOW()
WHERE id = $1;
`
		if _, err := q.pool.Exec(ctx, query, job.ID, message); err != nil {
			return fmt.Errorf("jobqueue: fail: %w", err)
		}
		q.pruneHistory(ctx)
		return nil
	}

	delay := Backoff(q.backoffBase, job.Attempts)
	query := `
UPDATE evolution_jobs
SET status = 'queued',
    run_after = NOW() + make_interval(secs => $2),
    last_error = $3,
    lease_expires_at = NULL,
    updated_at = NOW()
WHERE id = $1;
`
	if _, err := q.pool.Exec(ctx, query, job.ID, delay.Seconds(), message); err != nil {
		return fmt.Errorf("jobqueue: requeue: %w", err)
	}
	q.logger.Warn().
		Stringer("job_id", job.ID).
		Int("attempt", job.Attempts).
		Dur("backoff", delay).
		Str("cause", message).
		Msg("jobqueue: requeued after failure")
	return nil
}

// pruneHistory keeps the newest historyLimit terminal rows. Best-effort; a
// prune failure never surfaces to the job outcome.
func (q *Queue) pruneHistory(ctx context.Context) {
	query := `
DELETE FROM evolution_jobs
WHERE status IN ('completed', 'failed')
  AND id NOT IN (
    SELECT id FROM evolution_jobs
    WHERE status IN ('completed', 'failed')
    ORDER BY updated_at DESC
    LIMIT $1
  );
`
	if _, err := q.pool.Exec(ctx, query, q.historyLimit); err != nil {
		q.logger.Warn().Err(err).Msg("jobqueue: history prune failed")
	}
}

// Backoff computes the delay before redelivery attempt n+1 after n failed
// attempts: base, base*2, base*4, ...
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}
