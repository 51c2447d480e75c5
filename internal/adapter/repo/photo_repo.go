package repo

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"evolver/internal/domain"
	"evolver/internal/infra"
)

// PhotoRepositoryPG implements domain.PhotoRepository.
type PhotoRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewPhotoRepository creates a photo registry backed by PostgreSQL.
func NewPhotoRepository(pool *pgxpool.Pool) *PhotoRepositoryPG {
	return &PhotoRepositoryPG{pool: pool}
}

// Create registers a source photo.
func (r *PhotoRepositoryPG) Create(ctx context.Context, photo *domain.Photo) error {
	query := `
INSERT INTO photos (id, filename, storage_key, mime, byte_size, status)
VALUES ($1, $2, $3, $4, $5, $6);
`
	_, err := r.pool.Exec(ctx, query,
		photo.ID,
		photo.Filename,
		photo.StorageKey,
		photo.MIME,
		photo.ByteSize,
		photo.Status,
	)
	return err
}

// GetByID fetches a photo by its identifier.
func (r *PhotoRepositoryPG) GetByID(ctx context.Context, id uuid.UUID) (*domain.Photo, error) {
	query := `
SELECT id, filename, storage_key, mime, byte_size, status, created_at
FROM photos
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, id)
	var photo domain.Photo
	if err := row.Scan(
		&photo.ID,
		&photo.Filename,
		&photo.StorageKey,
		&photo.MIME,
		&photo.ByteSize,
		&photo.Status,
		&photo.CreatedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &photo, nil
}

var _ domain.PhotoRepository = (*PhotoRepositoryPG)(nil)
