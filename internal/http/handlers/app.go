package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"evolver/internal/domain"
	"evolver/internal/infra"
	"evolver/internal/jobqueue"
)

// BlobReader is the read side of the frame store the API needs.
type BlobReader interface {
	Read(ctx context.Context, key string) ([]byte, error)
}

// Enqueuer hands accepted runs to the durable job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, runID, photoID uuid.UUID) (*jobqueue.Job, error)
}

// App bundles the dependencies behind the HTTP surface.
type App struct {
	Runs   domain.RunRepository
	Frames domain.FrameRepository
	Photos domain.PhotoRepository
	Stats  domain.StatsRepository
	Store  BlobReader
	Queue  Enqueuer
	Logger infra.Logger

	// DefaultMode applies when a run request omits the mode.
	DefaultMode domain.RunMode
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) jsonError(w http.ResponseWriter, code int, message string) {
	a.json(w, code, map[string]string{"error": message})
}
