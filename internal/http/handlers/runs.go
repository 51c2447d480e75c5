package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"evolver/internal/domain"
	"evolver/internal/evolution"
	"evolver/pkg/zip"
)

type createRunRequest struct {
	PhotoID         string `json:"photo_id"`
	TotalIterations int    `json:"total_iterations,omitempty"`
	Mode            string `json:"mode,omitempty"`
}

type runResponse struct {
	ID               string     `json:"id"`
	PhotoID          string     `json:"photo_id"`
	Status           string     `json:"status"`
	Mode             string     `json:"mode"`
	CurrentIteration int        `json:"current_iteration"`
	TotalIterations  int        `json:"total_iterations"`
	Percent          float64    `json:"percent"`
	RetryCount       int        `json:"retry_count"`
	Error            string     `json:"error,omitempty"`
	DurationMS       int64      `json:"duration_ms,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

type frameResponse struct {
	Iteration   int       `json:"iteration"`
	StorageKey  string    `json:"storage_key"`
	ByteSize    int64     `json:"byte_size"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Instruction string    `json:"instruction"`
	LatencyMS   int64     `json:"latency_ms"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateRun accepts a run request, records it as queued and hands it to the
// job queue. The response is fire-and-forget: callers poll GetRun afterwards.
func (a *App) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	photoID, err := uuid.Parse(req.PhotoID)
	if err != nil {
		a.jsonError(w, http.StatusBadRequest, "photo_id must be a UUID")
		return
	}
	mode := a.DefaultMode
	if req.Mode != "" {
		parsed, ok := domain.ParseRunMode(req.Mode)
		if !ok {
			a.jsonError(w, http.StatusBadRequest, "mode must be guided or fixed")
			return
		}
		mode = parsed
	}

	run, err := evolution.CreateRun(r.Context(), a.Runs, a.Photos, evolution.CreateRunParams{
		PhotoID:         photoID,
		TotalIterations: req.TotalIterations,
		Mode:            mode,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			a.jsonError(w, http.StatusNotFound, "photo not found")
		case errors.Is(err, domain.ErrPhotoNotApproved):
			a.jsonError(w, http.StatusConflict, "photo is not approved")
		default:
			a.jsonError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	if _, err := a.Queue.Enqueue(r.Context(), run.ID, run.PhotoID); err != nil {
		a.Logger.Error().Err(err).Stringer("run_id", run.ID).Msg("api: enqueue failed")
		a.jsonError(w, http.StatusInternalServerError, "failed to enqueue run")
		return
	}

	a.json(w, http.StatusAccepted, toRunResponse(run))
}

// GetRun reports run lifecycle state and progress for polling clients.
func (a *App) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := a.loadRun(w, r)
	if !ok {
		return
	}
	a.json(w, http.StatusOK, toRunResponse(run))
}

// ListFrames returns a run's frame metadata ordered by iteration.
func (a *App) ListFrames(w http.ResponseWriter, r *http.Request) {
	run, ok := a.loadRun(w, r)
	if !ok {
		return
	}
	frames, err := a.Frames.ListByRunID(r.Context(), run.ID)
	if err != nil {
		a.Logger.Error().Err(err).Stringer("run_id", run.ID).Msg("api: list frames failed")
		a.jsonError(w, http.StatusInternalServerError, "failed to list frames")
		return
	}
	out := make([]frameResponse, len(frames))
	for i, frame := range frames {
		out[i] = frameResponse{
			Iteration:   frame.Iteration,
			StorageKey:  frame.StorageKey,
			ByteSize:    frame.ByteSize,
			Width:       frame.Width,
			Height:      frame.Height,
			Instruction: frame.Instruction,
			LatencyMS:   frame.LatencyMS,
			Provider:    frame.Provider,
			Model:       frame.Model,
			CreatedAt:   frame.CreatedAt,
		}
	}
	a.json(w, http.StatusOK, map[string]any{"run_id": run.ID, "frames": out})
}

// GetFrameImage streams one frame's raw bytes.
func (a *App) GetFrameImage(w http.ResponseWriter, r *http.Request) {
	run, ok := a.loadRun(w, r)
	if !ok {
		return
	}
	iteration, err := strconv.Atoi(chi.URLParam(r, "iteration"))
	if err != nil || iteration < 1 {
		a.jsonError(w, http.StatusBadRequest, "iteration must be a positive integer")
		return
	}
	frame, err := a.Frames.GetByIteration(r.Context(), run.ID, iteration)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.jsonError(w, http.StatusNotFound, "frame not found")
			return
		}
		a.Logger.Error().Err(err).Stringer("run_id", run.ID).Msg("api: load frame failed")
		a.jsonError(w, http.StatusInternalServerError, "failed to load frame")
		return
	}
	data, err := a.Store.Read(r.Context(), frame.StorageKey)
	if err != nil {
		a.Logger.Error().Err(err).Str("key", frame.StorageKey).Msg("api: read frame bytes failed")
		a.jsonError(w, http.StatusInternalServerError, "failed to read frame bytes")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// GetFramesArchive bundles every persisted frame into one zip download,
// ordered by iteration so the evolution reads as a sequence.
func (a *App) GetFramesArchive(w http.ResponseWriter, r *http.Request) {
	run, ok := a.loadRun(w, r)
	if !ok {
		return
	}
	frames, err := a.Frames.ListByRunID(r.Context(), run.ID)
	if err != nil {
		a.Logger.Error().Err(err).Stringer("run_id", run.ID).Msg("api: list frames failed")
		a.jsonError(w, http.StatusInternalServerError, "failed to list frames")
		return
	}
	if len(frames) == 0 {
		a.jsonError(w, http.StatusNotFound, "run has no frames yet")
		return
	}

	entries := make([]zip.Entry, 0, len(frames))
	for _, frame := range frames {
		data, err := a.Store.Read(r.Context(), frame.StorageKey)
		if err != nil {
			a.Logger.Error().Err(err).Str("key", frame.StorageKey).Msg("api: read frame bytes failed")
			a.jsonError(w, http.StatusInternalServerError, "failed to read frame bytes")
			return
		}
		entries = append(entries, zip.Entry{
			Name: fmt.Sprintf("frame-%03d.png", frame.Iteration),
			Data: data,
		})
	}

	archive, err := zip.Archive(entries)
	if err != nil {
		a.Logger.Error().Err(err).Stringer("run_id", run.ID).Msg("api: build archive failed")
		a.jsonError(w, http.StatusInternalServerError, "failed to build archive")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", run.ID.String()+"-frames.zip"))
	w.Header().Set("Content-Length", strconv.Itoa(len(archive)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

func (a *App) loadRun(w http.ResponseWriter, r *http.Request) (*domain.Run, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.jsonError(w, http.StatusBadRequest, "run id must be a UUID")
		return nil, false
	}
	run, err := a.Runs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.jsonError(w, http.StatusNotFound, "run not found")
			return nil, false
		}
		a.Logger.Error().Err(err).Stringer("run_id", id).Msg("api: load run failed")
		a.jsonError(w, http.StatusInternalServerError, "failed to load run")
		return nil, false
	}
	return run, true
}

func toRunResponse(run *domain.Run) runResponse {
	return runResponse{
		ID:               run.ID.String(),
		PhotoID:          run.PhotoID.String(),
		Status:           string(run.Status),
		Mode:             string(run.Mode),
		CurrentIteration: run.CurrentIteration,
		TotalIterations:  run.TotalIterations,
		Percent:          run.Percent(),
		RetryCount:       run.RetryCount,
		Error:            run.ErrorMessage,
		DurationMS:       run.DurationMS,
		StartedAt:        run.StartedAt,
		CompletedAt:      run.CompletedAt,
	}
}
