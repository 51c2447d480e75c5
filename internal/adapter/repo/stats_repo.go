package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"evolver/internal/domain"
)

// StatsRepositoryPG implements domain.StatsRepository.
type StatsRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewStatsRepository creates a stats aggregator backed by PostgreSQL.
func NewStatsRepository(pool *pgxpool.Pool) *StatsRepositoryPG {
	return &StatsRepositoryPG{pool: pool}
}

// Summary aggregates run counts by status plus frame latency and size averages.
func (r *StatsRepositoryPG) Summary(ctx context.Context) (*domain.PipelineStats, error) {
	stats := &domain.PipelineStats{RunsByStatus: map[domain.RunStatus]int{}}

	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM evolution_runs GROUP BY status;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.RunStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.RunsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, `
SELECT COUNT(*),
       COALESCE(AVG(latency_ms), 0),
       COALESCE(AVG(byte_size), 0)
FROM frames;
`)
	if err := row.Scan(&stats.TotalFrames, &stats.AvgFrameLatency, &stats.AvgFrameBytes); err != nil {
		return nil, err
	}
	return stats, nil
}

var _ domain.StatsRepository = (*StatsRepositoryPG)(nil)
