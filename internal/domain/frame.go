package domain

import (
	"time"

	"github.com/google/uuid"
)

// Frame is the persisted output image of a single iteration within a run.
// Frames are append-only: (run, iteration) is unique and a frame is never
// mutated after creation, only removed by cascading run deletion.
type Frame struct {
	ID          uuid.UUID
	RunID       uuid.UUID
	Iteration   int
	StorageKey  string
	ByteSize    int64
	Width       int
	Height      int
	Instruction string
	LatencyMS   int64
	Provider    string
	Model       string
	CreatedAt   time.Time
}
