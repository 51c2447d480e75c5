package evolution

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"evolver/internal/domain"
)

const (
	// DefaultTotalIterations is the chain length when a run request does not
	// specify one.
	DefaultTotalIterations = 60
	// MaxTotalIterations bounds the chain length a single run may request.
	MaxTotalIterations = 500
)

// CreateRunParams describes a run request.
type CreateRunParams struct {
	PhotoID         uuid.UUID
	TotalIterations int
	Mode            domain.RunMode
}

// CreateRun validates the request against the photo registry and records a
// new run in status queued. Execution happens separately, either directly
// through Engine.Execute or via the job queue.
func CreateRun(ctx context.Context, runs domain.RunRepository, photos domain.PhotoRepository, params CreateRunParams) (*domain.Run, error) {
	photo, err := photos.GetByID(ctx, params.PhotoID)
	if err != nil {
		return nil, fmt.Errorf("load photo %s: %w", params.PhotoID, err)
	}
	if photo.Status != domain.PhotoStatusApproved {
		return nil, domain.ErrPhotoNotApproved
	}

	total := params.TotalIterations
	if total == 0 {
		total = DefaultTotalIterations
	}
	if total < 1 || total > MaxTotalIterations {
		return nil, fmt.Errorf("total iterations must be between 1 and %d, got %d", MaxTotalIterations, total)
	}

	mode := params.Mode
	if mode == "" {
		mode = domain.RunModeGuided
	}

	run := &domain.Run{
		ID:              uuid.New(),
		PhotoID:         photo.ID,
		Status:          domain.RunStatusQueued,
		Mode:            mode,
		TotalIterations: total,
	}
	if err := runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}
