package repo

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"evolver/internal/domain"
	"evolver/internal/infra"
)

// FrameRepositoryPG implements domain.FrameRepository.
type FrameRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewFrameRepository creates a frame ledger backed by PostgreSQL.
func NewFrameRepository(pool *pgxpool.Pool) *FrameRepositoryPG {
	return &FrameRepositoryPG{pool: pool}
}

const frameColumns = `id, run_id, iteration, storage_key, byte_size, width, height,
instruction, latency_ms, provider, model, created_at`

// Create inserts one frame row. Frames are append-only; a second insert for
// the same (run, iteration) violates the unique constraint and surfaces as
// domain.ErrFrameExists.
func (r *FrameRepositoryPG) Create(ctx context.Context, frame *domain.Frame) error {
	query := `
INSERT INTO frames (id, run_id, iteration, storage_key, byte_size, width, height, instruction, latency_ms, provider, model)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
`
	_, err := r.pool.Exec(ctx, query,
		frame.ID,
		frame.RunID,
		frame.Iteration,
		frame.StorageKey,
		frame.ByteSize,
		frame.Width,
		frame.Height,
		frame.Instruction,
		frame.LatencyMS,
		frame.Provider,
		frame.Model,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrFrameExists
		}
		return err
	}
	return nil
}

// ListByRunID returns a run's frames ordered by iteration ascending.
func (r *FrameRepositoryPG) ListByRunID(ctx context.Context, runID uuid.UUID) ([]domain.Frame, error) {
	query := `SELECT ` + frameColumns + ` FROM frames WHERE run_id = $1 ORDER BY iteration ASC;`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []domain.Frame
	for rows.Next() {
		var frame domain.Frame
		if err := rows.Scan(
			&frame.ID,
			&frame.RunID,
			&frame.Iteration,
			&frame.StorageKey,
			&frame.ByteSize,
			&frame.Width,
			&frame.Height,
			&frame.Instruction,
			&frame.LatencyMS,
			&frame.Provider,
			&frame.Model,
			&frame.CreatedAt,
		); err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, rows.Err()
}

// GetByIteration fetches one frame of a run.
func (r *FrameRepositoryPG) GetByIteration(ctx context.Context, runID uuid.UUID, iteration int) (*domain.Frame, error) {
	query := `SELECT ` + frameColumns + ` FROM frames WHERE run_id = $1 AND iteration = $2;`
	row := r.pool.QueryRow(ctx, query, runID, iteration)
	var frame domain.Frame
	if err := row.Scan(
		&frame.ID,
		&frame.RunID,
		&frame.Iteration,
		&frame.StorageKey,
		&frame.ByteSize,
		&frame.Width,
		&frame.Height,
		&frame.Instruction,
		&frame.LatencyMS,
		&frame.Provider,
		&frame.Model,
		&frame.CreatedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &frame, nil
}

var _ domain.FrameRepository = (*FrameRepositoryPG)(nil)
