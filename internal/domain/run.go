package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus enumerates evolution run lifecycle states. Transitions are
// queued -> processing -> completed | failed, nothing else.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// RunMode selects how the per-iteration instruction is derived.
type RunMode string

const (
	// RunModeGuided derives a fresh instruction from the current image on
	// every iteration.
	RunModeGuided RunMode = "guided"
	// RunModeFixed reissues one constant instruction for every iteration,
	// isolating pure image-to-image drift.
	RunModeFixed RunMode = "fixed"
)

// Run is one end-to-end N-iteration transformation chain over one source photo.
type Run struct {
	ID               uuid.UUID
	PhotoID          uuid.UUID
	Status           RunStatus
	Mode             RunMode
	CurrentIteration int
	TotalIterations  int
	RetryCount       int
	ErrorMessage     string
	DurationMS       int64
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Percent reports run progress as 0..100.
func (r *Run) Percent() float64 {
	if r == nil || r.TotalIterations <= 0 {
		return 0
	}
	return float64(r.CurrentIteration) / float64(r.TotalIterations) * 100
}

// Terminal reports whether the run has reached a final state.
func (r *Run) Terminal() bool {
	return r != nil && (r.Status == RunStatusCompleted || r.Status == RunStatusFailed)
}

// ParseRunMode sanitizes free-form input into a supported mode.
func ParseRunMode(mode string) (RunMode, bool) {
	switch RunMode(mode) {
	case RunModeGuided, "":
		return RunModeGuided, true
	case RunModeFixed:
		return RunModeFixed, true
	default:
		return "", false
	}
}
