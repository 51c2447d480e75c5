package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"evolver/internal/domain"
	"evolver/internal/jobqueue"
)

type fakeRuns struct {
	runs    map[uuid.UUID]*domain.Run
	created []*domain.Run
}

func (f *fakeRuns) Create(ctx context.Context, run *domain.Run) error {
	f.runs[run.ID] = run
	f.created = append(f.created, run)
	return nil
}

func (f *fakeRuns) GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return run, nil
}

func (f *fakeRuns) Claim(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	return nil, domain.ErrRunNotClaimable
}

func (f *fakeRuns) AdvanceIteration(ctx context.Context, id uuid.UUID, iteration int) error {
	return nil
}

func (f *fakeRuns) MarkCompleted(ctx context.Context, id uuid.UUID, elapsed time.Duration) error {
	return nil
}

func (f *fakeRuns) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, elapsed time.Duration) error {
	return nil
}

func (f *fakeRuns) FailStale(ctx context.Context, window time.Duration) (int64, error) {
	return 0, nil
}

type fakeFrames struct {
	frames map[uuid.UUID][]domain.Frame
}

func (f *fakeFrames) Create(ctx context.Context, frame *domain.Frame) error {
	f.frames[frame.RunID] = append(f.frames[frame.RunID], *frame)
	return nil
}

func (f *fakeFrames) ListByRunID(ctx context.Context, runID uuid.UUID) ([]domain.Frame, error) {
	return f.frames[runID], nil
}

func (f *fakeFrames) GetByIteration(ctx context.Context, runID uuid.UUID, iteration int) (*domain.Frame, error) {
	for _, frame := range f.frames[runID] {
		if frame.Iteration == iteration {
			return &frame, nil
		}
	}
	return nil, domain.ErrNotFound
}

type fakePhotos struct {
	photos map[uuid.UUID]*domain.Photo
}

func (f *fakePhotos) Create(ctx context.Context, photo *domain.Photo) error {
	f.photos[photo.ID] = photo
	return nil
}

func (f *fakePhotos) GetByID(ctx context.Context, id uuid.UUID) (*domain.Photo, error) {
	photo, ok := f.photos[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return photo, nil
}

type fakeStats struct {
	summary domain.PipelineStats
}

func (f *fakeStats) Summary(ctx context.Context) (*domain.PipelineStats, error) {
	return &f.summary, nil
}

type fakeBlobs struct {
	blobs map[string][]byte
}

func (f *fakeBlobs) Read(ctx context.Context, key string) ([]byte, error) {
	data, ok := f.blobs[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

type fakeQueue struct {
	enqueued []uuid.UUID
}

func (f *fakeQueue) Enqueue(ctx context.Context, runID, photoID uuid.UUID) (*jobqueue.Job, error) {
	f.enqueued = append(f.enqueued, runID)
	return &jobqueue.Job{ID: uuid.New(), RunID: runID, PhotoID: photoID, Status: jobqueue.StatusQueued}, nil
}

type testEnv struct {
	app    *App
	runs   *fakeRuns
	frames *fakeFrames
	photos *fakePhotos
	blobs  *fakeBlobs
	queue  *fakeQueue
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		runs:   &fakeRuns{runs: map[uuid.UUID]*domain.Run{}},
		frames: &fakeFrames{frames: map[uuid.UUID][]domain.Frame{}},
		photos: &fakePhotos{photos: map[uuid.UUID]*domain.Photo{}},
		blobs:  &fakeBlobs{blobs: map[string][]byte{}},
		queue:  &fakeQueue{},
	}
	env.app = &App{
		Runs:        env.runs,
		Frames:      env.frames,
		Photos:      env.photos,
		Stats:       &fakeStats{summary: domain.PipelineStats{RunsByStatus: map[domain.RunStatus]int{}}},
		Store:       env.blobs,
		Queue:       env.queue,
		Logger:      zerolog.Nop(),
		DefaultMode: domain.RunModeGuided,
	}

	r := chi.NewRouter()
	r.Get("/v1/stats", env.app.StatsSummary)
	r.Route("/v1/runs", func(r chi.Router) {
		r.Post("/", env.app.CreateRun)
		r.Get("/{id}", env.app.GetRun)
		r.Get("/{id}/frames", env.app.ListFrames)
		r.Get("/{id}/frames/archive", env.app.GetFramesArchive)
		r.Get("/{id}/frames/{iteration}/image", env.app.GetFrameImage)
	})
	env.router = r
	return env
}

func (e *testEnv) addApprovedPhoto() uuid.UUID {
	id := uuid.New()
	e.photos.photos[id] = &domain.Photo{
		ID:         id,
		StorageKey: "photos/" + id.String() + ".png",
		MIME:       "image/png",
		Status:     domain.PhotoStatusApproved,
	}
	return id
}

func TestCreateRunEnqueuesAndReturnsAccepted(t *testing.T) {
	env := newTestEnv(t)
	photoID := env.addApprovedPhoto()

	body := `{"photo_id":"` + photoID.String() + `","total_iterations":5,"mode":"fixed"}`
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(body)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body)
	}
	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Mode   string `json:"mode"`
		Total  int    `json:"total_iterations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "queued" || resp.Mode != "fixed" || resp.Total != 5 {
		t.Fatalf("response = %+v", resp)
	}
	if len(env.queue.enqueued) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(env.queue.enqueued))
	}
}

func TestCreateRunRejectsUnapprovedPhoto(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()
	env.photos.photos[id] = &domain.Photo{ID: id, Status: domain.PhotoStatusPending}

	body := `{"photo_id":"` + id.String() + `"}`
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(body)))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if len(env.queue.enqueued) != 0 {
		t.Fatal("nothing should have been enqueued")
	}
}

func TestGetRunReportsProgressPercent(t *testing.T) {
	env := newTestEnv(t)
	runID := uuid.New()
	env.runs.runs[runID] = &domain.Run{
		ID:               runID,
		PhotoID:          uuid.New(),
		Status:           domain.RunStatusProcessing,
		Mode:             domain.RunModeGuided,
		CurrentIteration: 30,
		TotalIterations:  60,
	}

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String(), nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Percent float64 `json:"percent"`
		Status  string  `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Percent != 50 || resp.Status != "processing" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestGetRunUnknownIDReturns404(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+uuid.NewString(), nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetFrameImageStreamsBytes(t *testing.T) {
	env := newTestEnv(t)
	runID := uuid.New()
	env.runs.runs[runID] = &domain.Run{ID: runID, Status: domain.RunStatusCompleted, TotalIterations: 1, CurrentIteration: 1}
	env.frames.frames[runID] = []domain.Frame{{
		RunID:      runID,
		Iteration:  1,
		StorageKey: "frames/key.png",
	}}
	env.blobs.blobs["frames/key.png"] = []byte("png-data")

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String()+"/frames/1/image", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Fatalf("Content-Type = %q, want image/png", got)
	}
	if rec.Body.String() != "png-data" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestGetFramesArchiveBundlesAllFrames(t *testing.T) {
	env := newTestEnv(t)
	runID := uuid.New()
	env.runs.runs[runID] = &domain.Run{ID: runID, Status: domain.RunStatusCompleted, TotalIterations: 2, CurrentIteration: 2}
	env.frames.frames[runID] = []domain.Frame{
		{RunID: runID, Iteration: 1, StorageKey: "frames/a.png"},
		{RunID: runID, Iteration: 2, StorageKey: "frames/b.png"},
	}
	env.blobs.blobs["frames/a.png"] = []byte("first")
	env.blobs.blobs["frames/b.png"] = []byte("second")

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String()+"/frames/archive", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/zip" {
		t.Fatalf("Content-Type = %q, want application/zip", got)
	}

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("archive holds %d entries, want 2", len(zr.File))
	}
	if zr.File[0].Name != "frame-001.png" || zr.File[1].Name != "frame-002.png" {
		t.Fatalf("entries = %s, %s", zr.File[0].Name, zr.File[1].Name)
	}
}

func TestGetFramesArchiveEmptyRunReturns404(t *testing.T) {
	env := newTestEnv(t)
	runID := uuid.New()
	env.runs.runs[runID] = &domain.Run{ID: runID, Status: domain.RunStatusQueued, TotalIterations: 5}

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String()+"/frames/archive", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetFrameImageMissingIterationReturns404(t *testing.T) {
	env := newTestEnv(t)
	runID := uuid.New()
	env.runs.runs[runID] = &domain.Run{ID: runID, Status: domain.RunStatusFailed, TotalIterations: 5, CurrentIteration: 2}

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String()+"/frames/3/image", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
