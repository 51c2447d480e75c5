package evolution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"evolver/internal/domain"
	"evolver/internal/providers/image"
	"evolver/internal/providers/prompt"
	"evolver/internal/storage"
)

// eventLog records the order of durable writes so tests can assert that a
// frame is always persisted before the run counter advances.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type memRuns struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*domain.Run
	log  *eventLog

	advanceFailures int
	claimErr        error
}

func (m *memRuns) Create(ctx context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *memRuns) GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (m *memRuns) Claim(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if run.Status != domain.RunStatusQueued {
		return nil, domain.ErrRunNotClaimable
	}
	run.Status = domain.RunStatusProcessing
	now := time.Now()
	run.StartedAt = &now
	copied := *run
	return &copied, nil
}

func (m *memRuns) AdvanceIteration(ctx context.Context, id uuid.UUID, iteration int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advanceFailures > 0 {
		m.advanceFailures--
		return errors.New("ledger write refused")
	}
	run, ok := m.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	run.CurrentIteration = iteration
	if m.log != nil {
		m.log.add(fmt.Sprintf("advance:%d", iteration))
	}
	return nil
}

func (m *memRuns) MarkCompleted(ctx context.Context, id uuid.UUID, elapsed time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.runs[id]
	run.Status = domain.RunStatusCompleted
	run.DurationMS = elapsed.Milliseconds()
	return nil
}

func (m *memRuns) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, elapsed time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.runs[id]
	run.Status = domain.RunStatusFailed
	run.ErrorMessage = errMsg
	run.DurationMS = elapsed.Milliseconds()
	run.RetryCount++
	return nil
}

func (m *memRuns) FailStale(ctx context.Context, window time.Duration) (int64, error) {
	return 0, nil
}

type memFrames struct {
	mu     sync.Mutex
	frames map[uuid.UUID]map[int]domain.Frame
	log    *eventLog
}

func (m *memFrames) Create(ctx context.Context, frame *domain.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frames[frame.RunID] == nil {
		m.frames[frame.RunID] = map[int]domain.Frame{}
	}
	if _, exists := m.frames[frame.RunID][frame.Iteration]; exists {
		return domain.ErrFrameExists
	}
	m.frames[frame.RunID][frame.Iteration] = *frame
	if m.log != nil {
		m.log.add(fmt.Sprintf("frame:%d", frame.Iteration))
	}
	return nil
}

func (m *memFrames) ListByRunID(ctx context.Context, runID uuid.UUID) ([]domain.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Frame
	byIter := m.frames[runID]
	for i := 1; ; i++ {
		frame, ok := byIter[i]
		if !ok {
			break
		}
		out = append(out, frame)
	}
	return out, nil
}

func (m *memFrames) GetByIteration(ctx context.Context, runID uuid.UUID, iteration int) (*domain.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	frame, ok := m.frames[runID][iteration]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &frame, nil
}

type memPhotos struct {
	photos map[uuid.UUID]*domain.Photo
}

func (m *memPhotos) Create(ctx context.Context, photo *domain.Photo) error {
	m.photos[photo.ID] = photo
	return nil
}

func (m *memPhotos) GetByID(ctx context.Context, id uuid.UUID) (*domain.Photo, error) {
	photo, ok := m.photos[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return photo, nil
}

type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (m *memStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), data...)
	return key, nil
}

func (m *memStore) Read(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

// scriptedGenerator fails a configured number of times per iteration before
// succeeding, and records how often each iteration was attempted. Calls are
// keyed by the iteration embedded in the recording deriver's instruction; the
// fixed deriver's constant instruction maps everything to iteration 0, which
// the fixed-mode test does not rely on.
type scriptedGenerator struct {
	mu       sync.Mutex
	failures map[int]int
	calls    map[int]int
	requests []image.GenerateRequest
}

func newScriptedGenerator() *scriptedGenerator {
	return &scriptedGenerator{failures: map[int]int{}, calls: map[int]int{}}
}

func (g *scriptedGenerator) Name() string { return "scripted" }

func (g *scriptedGenerator) Generate(ctx context.Context, req image.GenerateRequest) (*image.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	current := currentIterationOf(req.Instruction)
	g.calls[current]++
	if g.failures[current] > 0 {
		g.failures[current]--
		return nil, errors.New("provider unavailable")
	}
	return &image.Result{
		Data:    []byte(fmt.Sprintf("frame-bytes-%d", current)),
		Width:   1024,
		Height:  1024,
		Model:   "scripted-model-1",
		Latency: 42 * time.Millisecond,
	}, nil
}

// recordingDeriver tags instructions with the iteration and records inputs.
type recordingDeriver struct {
	mu       sync.Mutex
	requests []prompt.DeriveRequest
}

func (d *recordingDeriver) Name() string { return "recording" }

func (d *recordingDeriver) Derive(ctx context.Context, req prompt.DeriveRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return fmt.Sprintf("instruction-%d", req.Iteration), nil
}

func currentIterationOf(instruction string) int {
	var i int
	_, _ = fmt.Sscanf(instruction, "instruction-%d", &i)
	return i
}

type fixture struct {
	engine  *Engine
	runs    *memRuns
	frames  *memFrames
	photos  *memPhotos
	store   *memStore
	gen     *scriptedGenerator
	deriver prompt.Deriver
	log     *eventLog
	runID   uuid.UUID
	photoID uuid.UUID
}

func newFixture(t *testing.T, totalIterations int, deriver prompt.Deriver) *fixture {
	t.Helper()

	log := &eventLog{}
	runs := &memRuns{runs: map[uuid.UUID]*domain.Run{}, log: log}
	frames := &memFrames{frames: map[uuid.UUID]map[int]domain.Frame{}, log: log}
	photos := &memPhotos{photos: map[uuid.UUID]*domain.Photo{}}
	store := &memStore{blobs: map[string][]byte{}}
	gen := newScriptedGenerator()
	if deriver == nil {
		deriver = &recordingDeriver{}
	}

	photoID := uuid.New()
	photos.photos[photoID] = &domain.Photo{
		ID:         photoID,
		StorageKey: "photos/" + photoID.String() + ".png",
		MIME:       "image/png",
		Status:     domain.PhotoStatusApproved,
	}
	store.blobs[photos.photos[photoID].StorageKey] = []byte("original-photo")

	runID := uuid.New()
	runs.runs[runID] = &domain.Run{
		ID:              runID,
		PhotoID:         photoID,
		Status:          domain.RunStatusQueued,
		Mode:            domain.RunModeGuided,
		TotalIterations: totalIterations,
	}

	engine, err := NewEngine(Options{
		Runs:      runs,
		Frames:    frames,
		Photos:    photos,
		Store:     store,
		Images:    gen,
		Prompts:   deriver,
		Logger:    zerolog.Nop(),
		StepDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}
	engine.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	return &fixture{
		engine:  engine,
		runs:    runs,
		frames:  frames,
		photos:  photos,
		store:   store,
		gen:     gen,
		deriver: deriver,
		log:     log,
		runID:   runID,
		photoID: photoID,
	}
}

func (f *fixture) run(t *testing.T) error {
	t.Helper()
	return f.engine.Execute(context.Background(), f.runID, f.photoID)
}

func (f *fixture) currentRun(t *testing.T) *domain.Run {
	t.Helper()
	run, err := f.runs.GetByID(context.Background(), f.runID)
	if err != nil {
		t.Fatalf("GetByID returned error: %v", err)
	}
	return run
}

func TestRunCompletesAllIterations(t *testing.T) {
	for _, total := range []int{1, 5} {
		t.Run(fmt.Sprintf("n=%d", total), func(t *testing.T) {
			f := newFixture(t, total, nil)
			if err := f.run(t); err != nil {
				t.Fatalf("Execute returned error: %v", err)
			}

			run := f.currentRun(t)
			if run.Status != domain.RunStatusCompleted {
				t.Fatalf("Status = %q, want completed", run.Status)
			}
			if run.CurrentIteration != total {
				t.Fatalf("CurrentIteration = %d, want %d", run.CurrentIteration, total)
			}

			frames, _ := f.frames.ListByRunID(context.Background(), f.runID)
			if len(frames) != total {
				t.Fatalf("frame count = %d, want %d", len(frames), total)
			}
			for i, frame := range frames {
				if frame.Iteration != i+1 {
					t.Fatalf("frame[%d].Iteration = %d, want %d", i, frame.Iteration, i+1)
				}
				if frame.Provider != "scripted" || frame.Model != "scripted-model-1" {
					t.Fatalf("frame provenance = %q/%q", frame.Provider, frame.Model)
				}
			}
		})
	}
}

func TestEachIterationConsumesPreviousOutput(t *testing.T) {
	f := newFixture(t, 3, nil)
	if err := f.run(t); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	reqs := f.gen.requests
	if len(reqs) != 3 {
		t.Fatalf("generator calls = %d, want 3", len(reqs))
	}
	if string(reqs[0].SourceImage) != "original-photo" {
		t.Fatalf("iteration 1 source = %q, want original photo", reqs[0].SourceImage)
	}
	if string(reqs[1].SourceImage) != "frame-bytes-1" {
		t.Fatalf("iteration 2 source = %q, want iteration 1 output", reqs[1].SourceImage)
	}
	if string(reqs[2].SourceImage) != "frame-bytes-2" {
		t.Fatalf("iteration 3 source = %q, want iteration 2 output", reqs[2].SourceImage)
	}
}

func TestFailureAfterRetriesPreservesPrefix(t *testing.T) {
	f := newFixture(t, 5, nil)
	// Initial attempt + 3 retries all fail on iteration 3.
	f.gen.failures[3] = 4

	err := f.run(t)
	if err == nil {
		t.Fatal("expected Execute to return the terminal error")
	}

	run := f.currentRun(t)
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("Status = %q, want failed", run.Status)
	}
	if run.CurrentIteration != 2 {
		t.Fatalf("CurrentIteration = %d, want 2", run.CurrentIteration)
	}
	if run.ErrorMessage == "" {
		t.Fatal("ErrorMessage should be non-empty on failure")
	}
	if run.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", run.RetryCount)
	}

	frames, _ := f.frames.ListByRunID(context.Background(), f.runID)
	if len(frames) != 2 {
		t.Fatalf("frame count = %d, want 2", len(frames))
	}
	if _, err := f.frames.GetByIteration(context.Background(), f.runID, 3); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("frame 3 lookup = %v, want ErrNotFound", err)
	}
	// The completed prefix must be untouched by the failure path.
	if data, err := f.store.Read(context.Background(), storage.FrameKey(f.runID, 1)); err != nil || string(data) != "frame-bytes-1" {
		t.Fatalf("frame 1 blob = %q, %v", data, err)
	}
}

func TestTransientFailureRecoversWithoutReprocessing(t *testing.T) {
	f := newFixture(t, 4, nil)
	f.gen.failures[2] = 2 // fails twice, succeeds on the second retry

	if err := f.run(t); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	run := f.currentRun(t)
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("Status = %q, want completed", run.Status)
	}
	if f.gen.calls[1] != 1 {
		t.Fatalf("iteration 1 generated %d times, want 1", f.gen.calls[1])
	}
	if f.gen.calls[2] != 3 {
		t.Fatalf("iteration 2 generated %d times, want 3", f.gen.calls[2])
	}
}

func TestRetryBoundIsExactlyThree(t *testing.T) {
	f := newFixture(t, 1, nil)
	f.gen.failures[1] = 100

	if err := f.run(t); err == nil {
		t.Fatal("expected failure")
	}
	if f.gen.calls[1] != 4 {
		t.Fatalf("iteration 1 attempted %d times, want 4 (initial + 3 retries)", f.gen.calls[1])
	}
}

func TestFramePersistedBeforeCounterAdvance(t *testing.T) {
	f := newFixture(t, 3, nil)
	if err := f.run(t); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	events := f.log.all()
	want := []string{"frame:1", "advance:1", "frame:2", "advance:2", "frame:3", "advance:3"}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q (full: %v)", i, events[i], want[i], events)
		}
	}
}

func TestAdvanceFailureRetriesWithoutRegenerating(t *testing.T) {
	f := newFixture(t, 1, nil)
	f.runs.advanceFailures = 1

	if err := f.run(t); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if f.gen.calls[1] != 1 {
		t.Fatalf("iteration 1 generated %d times, want 1", f.gen.calls[1])
	}
	if run := f.currentRun(t); run.CurrentIteration != 1 {
		t.Fatalf("CurrentIteration = %d, want 1", run.CurrentIteration)
	}
}

func TestFixedModeRecordsConstantInstruction(t *testing.T) {
	fixed, err := prompt.NewFixedDeriver("repaint this image exactly")
	if err != nil {
		t.Fatalf("NewFixedDeriver returned error: %v", err)
	}
	f := newFixture(t, 3, fixed)

	if err := f.run(t); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	frames, _ := f.frames.ListByRunID(context.Background(), f.runID)
	if len(frames) != 3 {
		t.Fatalf("frame count = %d, want 3", len(frames))
	}
	for _, frame := range frames {
		if frame.Instruction != "repaint this image exactly" {
			t.Fatalf("frame %d instruction = %q", frame.Iteration, frame.Instruction)
		}
	}
}

func TestGuidedModeThreadsPreviousInstruction(t *testing.T) {
	deriver := &recordingDeriver{}
	f := newFixture(t, 2, deriver)

	if err := f.run(t); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	if len(deriver.requests) != 2 {
		t.Fatalf("derive calls = %d, want 2", len(deriver.requests))
	}
	first, second := deriver.requests[0], deriver.requests[1]
	if first.Iteration != 1 || first.Previous != "" {
		t.Fatalf("iteration 1 derive = {iter:%d prev:%q}, want cold start", first.Iteration, first.Previous)
	}
	if second.Iteration != 2 || second.Previous != "instruction-1" {
		t.Fatalf("iteration 2 derive = {iter:%d prev:%q}, want previous instruction", second.Iteration, second.Previous)
	}
	if string(second.Image) != "frame-bytes-1" {
		t.Fatalf("iteration 2 derive image = %q, want iteration 1 output", second.Image)
	}
}

func TestClaimLoserDoesNotExecute(t *testing.T) {
	f := newFixture(t, 3, nil)
	f.runs.runs[f.runID].Status = domain.RunStatusProcessing

	err := f.run(t)
	if !errors.Is(err, domain.ErrRunNotClaimable) {
		t.Fatalf("Execute error = %v, want ErrRunNotClaimable", err)
	}
	if len(f.gen.requests) != 0 {
		t.Fatalf("generator was called %d times for an unclaimable run", len(f.gen.requests))
	}
}

func TestProgressReportedPerIteration(t *testing.T) {
	f := newFixture(t, 2, nil)
	var got []Progress
	f.engine.onProgress = func(p Progress) { got = append(got, p) }

	if err := f.run(t); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("progress events = %d, want 2", len(got))
	}
	if got[0].Iteration != 1 || got[0].Percent != 50 {
		t.Fatalf("first progress = %+v", got[0])
	}
	if got[1].Iteration != 2 || got[1].Percent != 100 {
		t.Fatalf("second progress = %+v", got[1])
	}
}

func TestFailureErrorMentionsIteration(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.gen.failures[2] = 4

	err := f.run(t)
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "iteration 2") {
		t.Fatalf("error %q should mention the failing iteration", err)
	}
}
