package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"evolver/internal/domain"
	"evolver/internal/infra"
)

// RunRepositoryPG implements domain.RunRepository.
type RunRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewRunRepository creates a run ledger backed by PostgreSQL.
func NewRunRepository(pool *pgxpool.Pool) *RunRepositoryPG {
	return &RunRepositoryPG{pool: pool}
}

const runColumns = `id, photo_id, status, mode, current_iteration, total_iterations,
retry_count, error_message, duration_ms, started_at, completed_at, created_at, updated_at`

// Create inserts a new run in status queued.
func (r *RunRepositoryPG) Create(ctx context.Context, run *domain.Run) error {
	query := `
INSERT INTO evolution_runs (id, photo_id, status, mode, current_iteration, total_iterations, retry_count)
VALUES ($1, $2, $3, $4, 0, $5, 0);
`
	_, err := r.pool.Exec(ctx, query,
		run.ID,
		run.PhotoID,
		run.Status,
		run.Mode,
		run.TotalIterations,
	)
	return err
}

// GetByID fetches a run by its identifier.
func (r *RunRepositoryPG) GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM evolution_runs WHERE id = $1;`
	return r.scanRun(r.pool.QueryRow(ctx, query, id))
}

// Claim performs the conditional queued->processing transition. The WHERE
// clause on status makes it a mutual-exclusion point: only one caller's
// UPDATE matches, everyone else gets ErrRunNotClaimable.
func (r *RunRepositoryPG) Claim(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `
UPDATE evolution_runs
SET status = 'processing', started_at = NOW(), updated_at = NOW()
WHERE id = $1 AND status = 'queued'
RETURNING ` + runColumns + `;`
	run, err := r.scanRun(r.pool.QueryRow(ctx, query, id))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	// Distinguish a missing run from one already claimed or terminal.
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, domain.ErrRunNotClaimable
}

// AdvanceIteration moves the counter forward. The counter is monotonic: the
// guard makes a replayed advance a no-op write and rejects regressions.
func (r *RunRepositoryPG) AdvanceIteration(ctx context.Context, id uuid.UUID, iteration int) error {
	query := `
UPDATE evolution_runs
SET current_iteration = $2, updated_at = NOW()
WHERE id = $1 AND current_iteration <= $2 AND status = 'processing';
`
	tag, err := r.pool.Exec(ctx, query, id, iteration)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("advance run %s to %d: %w", id, iteration, domain.ErrNotFound)
	}
	return nil
}

// MarkCompleted records the terminal success state.
func (r *RunRepositoryPG) MarkCompleted(ctx context.Context, id uuid.UUID, elapsed time.Duration) error {
	query := `
UPDATE evolution_runs
SET status = 'completed', completed_at = NOW(), duration_ms = $2, updated_at = NOW()
WHERE id = $1 AND status = 'processing';
`
	tag, err := r.pool.Exec(ctx, query, id, elapsed.Milliseconds())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkFailed records the terminal failure and bumps the whole-run retry counter.
func (r *RunRepositoryPG) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, elapsed time.Duration) error {
	query := `
UPDATE evolution_runs
SET status = 'failed',
    error_message = $2,
    duration_ms = $3,
    retry_count = retry_count + 1,
    completed_at = NOW(),
    updated_at = NOW()
WHERE id = $1 AND status = 'processing';
`
	tag, err := r.pool.Exec(ctx, query, id, errMsg, elapsed.Milliseconds())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// FailStale reaps runs stuck in processing whose last progress write is older
// than the window. updated_at doubles as the progress heartbeat, touched on
// every iteration advance.
func (r *RunRepositoryPG) FailStale(ctx context.Context, window time.Duration) (int64, error) {
	query := `
UPDATE evolution_runs
SET status = 'failed',
    error_message = 'stalled: no progress within reconciliation window',
    retry_count = retry_count + 1,
    completed_at = NOW(),
    updated_at = NOW()
WHERE status = 'processing' AND updated_at < NOW() - make_interval(secs => $1);
`
	tag, err := r.pool.Exec(ctx, query, window.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *RunRepositoryPG) scanRun(row rowScanner) (*domain.Run, error) {
	var (
		run        domain.Run
		errMsg     *string
		durationMS *int64
	)
	if err := row.Scan(
		&run.ID,
		&run.PhotoID,
		&run.Status,
		&run.Mode,
		&run.CurrentIteration,
		&run.TotalIterations,
		&run.RetryCount,
		&errMsg,
		&durationMS,
		&run.StartedAt,
		&run.CompletedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if errMsg != nil {
		run.ErrorMessage = *errMsg
	}
	if durationMS != nil {
		run.DurationMS = *durationMS
	}
	return &run, nil
}

var _ domain.RunRepository = (*RunRepositoryPG)(nil)
