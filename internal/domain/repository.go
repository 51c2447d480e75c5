package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunRepository defines persistence for the run ledger.
type RunRepository interface {
	Create(ctx context.Context, run *Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*Run, error)
	// Claim performs the conditional queued->processing transition. Exactly
	// one caller can win it for a given run; losers get ErrRunNotClaimable.
	Claim(ctx context.Context, id uuid.UUID) (*Run, error)
	// AdvanceIteration records that iteration is durably complete. It is only
	// ever called with a value one past the current counter.
	AdvanceIteration(ctx context.Context, id uuid.UUID, iteration int) error
	MarkCompleted(ctx context.Context, id uuid.UUID, elapsed time.Duration) error
	// MarkFailed records the terminal failure and bumps the whole-run retry
	// counter. Frames persisted so far are left untouched.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, elapsed time.Duration) error
	// FailStale marks runs stuck in processing without progress for longer
	// than the window as failed, returning how many were reaped.
	FailStale(ctx context.Context, window time.Duration) (int64, error)
}

// FrameRepository defines persistence for the frame ledger.
type FrameRepository interface {
	Create(ctx context.Context, frame *Frame) error
	ListByRunID(ctx context.Context, runID uuid.UUID) ([]Frame, error)
	GetByIteration(ctx context.Context, runID uuid.UUID, iteration int) (*Frame, error)
}

// PhotoRepository defines access to moderated source photos.
type PhotoRepository interface {
	Create(ctx context.Context, photo *Photo) error
	GetByID(ctx context.Context, id uuid.UUID) (*Photo, error)
}

// StatsRepository aggregates pipeline figures.
type StatsRepository interface {
	Summary(ctx context.Context) (*PipelineStats, error)
}
