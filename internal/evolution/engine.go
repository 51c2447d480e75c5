// Package evolution drives the iteration loop at the heart of the pipeline:
// N sequential image transformations, each consuming the previous iteration's
// output, with per-step retries and durable progress so a partial failure
// never loses completed frames.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"evolver/internal/domain"
	"evolver/internal/infra"
	"evolver/internal/providers/image"
	"evolver/internal/providers/prompt"
	"evolver/internal/storage"
)

const (
	defaultStepDelay   = time.Second
	defaultMaxRetries  = 3
	defaultBackoffBase = 2 * time.Second
	defaultAspectRatio = "1:1"
)

// BlobStore is the subset of the file store the engine needs.
type BlobStore interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
	Read(ctx context.Context, key string) ([]byte, error)
}

// Progress is emitted after every durably completed iteration.
type Progress struct {
	RunID     uuid.UUID
	Iteration int
	Total     int
	Percent   float64
}

// Options wires the engine's collaborators. Runs, Frames, Photos, Store and
// Images are required; Prompts selects the mode strategy (guided or fixed).
type Options struct {
	Runs    domain.RunRepository
	Frames  domain.FrameRepository
	Photos  domain.PhotoRepository
	Store   BlobStore
	Images  image.Generator
	Prompts prompt.Deriver
	Logger  infra.Logger

	// StepDelay paces iterations to stay under provider rate limits.
	StepDelay time.Duration
	// MaxRetries is the number of additional attempts per iteration.
	MaxRetries int
	// BackoffBase scales the retry delay (base × attempt number).
	BackoffBase time.Duration
	AspectRatio string
	// OnProgress, when set, receives best-effort progress notifications.
	OnProgress func(Progress)
}

// Engine executes evolution runs. It is safe for concurrent use; each run is
// independent state on the stack of Execute.
type Engine struct {
	runs    domain.RunRepository
	frames  domain.FrameRepository
	photos  domain.PhotoRepository
	store   BlobStore
	images  image.Generator
	prompts prompt.Deriver
	logger  infra.Logger

	stepDelay   time.Duration
	maxRetries  int
	backoffBase time.Duration
	aspectRatio string
	onProgress  func(Progress)

	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine validates collaborators and applies defaults.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Runs == nil || opts.Frames == nil || opts.Photos == nil {
		return nil, errors.New("evolution: run, frame and photo repositories are required")
	}
	if opts.Store == nil {
		return nil, errors.New("evolution: blob store is required")
	}
	if opts.Images == nil {
		return nil, errors.New("evolution: image generator is required")
	}
	if opts.Prompts == nil {
		return nil, errors.New("evolution: prompt deriver is required")
	}

	e := &Engine{
		runs:        opts.Runs,
		frames:      opts.Frames,
		photos:      opts.Photos,
		store:       opts.Store,
		images:      opts.Images,
		prompts:     opts.Prompts,
		logger:      opts.Logger,
		stepDelay:   opts.StepDelay,
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
		aspectRatio: opts.AspectRatio,
		onProgress:  opts.OnProgress,
		sleep:       sleepCtx,
	}
	if e.stepDelay <= 0 {
		e.stepDelay = defaultStepDelay
	}
	if e.maxRetries == 0 {
		e.maxRetries = defaultMaxRetries
	}
	if e.backoffBase <= 0 {
		e.backoffBase = defaultBackoffBase
	}
	if e.aspectRatio == "" {
		e.aspectRatio = defaultAspectRatio
	}
	return e, nil
}

// chainState is the only state carried between iterations: the current image
// and the instruction that produced it.
type chainState struct {
	image       []byte
	mime        string
	instruction string
}

// Execute claims the run and drives it to a terminal state. The ledger always
// records the outcome; the returned error exists for the caller's own logging
// and queue bookkeeping.
func (e *Engine) Execute(ctx context.Context, runID, photoID uuid.UUID) error {
	run, err := e.runs.Claim(ctx, runID)
	if err != nil {
		return fmt.Errorf("claim run %s: %w", runID, err)
	}

	logger := e.logger.With().
		Stringer("run_id", run.ID).
		Str("mode", string(run.Mode)).
		Int("total_iterations", run.TotalIterations).
		Logger()
	logger.Info().Msg("evolution: run started")

	started := time.Now()

	photo, err := e.photos.GetByID(ctx, photoID)
	if err != nil {
		return e.fail(ctx, run, started, fmt.Errorf("load photo %s: %w", photoID, err))
	}
	source, err := e.store.Read(ctx, photo.StorageKey)
	if err != nil {
		return e.fail(ctx, run, started, fmt.Errorf("read photo bytes: %w", err))
	}

	state := chainState{image: source, mime: photo.MIME}

	// One token per step delay keeps the loop under provider rate limits
	// without a trailing sleep after the final iteration.
	limiter := rate.NewLimiter(rate.Every(e.stepDelay), 1)

	for i := 1; i <= run.TotalIterations; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return e.fail(ctx, run, started, err)
		}

		next, err := e.runIteration(ctx, run, i, state)
		if err != nil {
			return e.fail(ctx, run, started, fmt.Errorf("iteration %d: %w", i, err))
		}
		state = next

		logger.Info().
			Int("iteration", i).
			Float64("percent", float64(i)/float64(run.TotalIterations)*100).
			Msg("evolution: iteration complete")
		if e.onProgress != nil {
			e.onProgress(Progress{
				RunID:     run.ID,
				Iteration: i,
				Total:     run.TotalIterations,
				Percent:   float64(i) / float64(run.TotalIterations) * 100,
			})
		}
	}

	if err := e.runs.MarkCompleted(ctx, run.ID, time.Since(started)); err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}
	logger.Info().Dur("elapsed", time.Since(started)).Msg("evolution: run completed")
	return nil
}

// runIteration executes one step with the per-step retry budget. The frame is
// durably persisted before the run counter advances; if only the counter
// update fails, retries skip regeneration and repeat just the advance.
func (e *Engine) runIteration(ctx context.Context, run *domain.Run, iteration int, state chainState) (chainState, error) {
	var (
		next      chainState
		persisted bool
		lastErr   error
	)

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := e.backoffBase * time.Duration(attempt)
			e.logger.Warn().
				Stringer("run_id", run.ID).
				Int("iteration", iteration).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("evolution: retrying iteration")
			if err := e.sleep(ctx, backoff); err != nil {
				return chainState{}, err
			}
		}

		if !persisted {
			produced, err := e.produceFrame(ctx, run, iteration, state)
			if err != nil {
				lastErr = err
				continue
			}
			next = produced
			persisted = true
		}

		if err := e.runs.AdvanceIteration(ctx, run.ID, iteration); err != nil {
			lastErr = fmt.Errorf("advance iteration counter: %w", err)
			continue
		}
		return next, nil
	}

	return chainState{}, lastErr
}

// produceFrame runs the generation half of an iteration: derive the
// instruction, call the image provider, persist blob and frame row.
func (e *Engine) produceFrame(ctx context.Context, run *domain.Run, iteration int, state chainState) (chainState, error) {
	instruction, err := e.prompts.Derive(ctx, prompt.DeriveRequest{
		Image:     state.image,
		ImageMIME: state.mime,
		Iteration: iteration,
		Previous:  state.instruction,
	})
	if err != nil {
		return chainState{}, fmt.Errorf("derive instruction: %w", err)
	}

	result, err := e.images.Generate(ctx, image.GenerateRequest{
		Instruction: instruction,
		SourceImage: state.image,
		SourceMIME:  state.mime,
		AspectRatio: e.aspectRatio,
	})
	if err != nil {
		return chainState{}, fmt.Errorf("generate image: %w", err)
	}

	key, err := e.store.Write(ctx, storage.FrameKey(run.ID, iteration), result.Data)
	if err != nil {
		return chainState{}, fmt.Errorf("persist frame bytes: %w", err)
	}

	frame := &domain.Frame{
		ID:          uuid.New(),
		RunID:       run.ID,
		Iteration:   iteration,
		StorageKey:  key,
		ByteSize:    int64(len(result.Data)),
		Width:       result.Width,
		Height:      result.Height,
		Instruction: instruction,
		LatencyMS:   result.Latency.Milliseconds(),
		Provider:    e.images.Name(),
		Model:       result.Model,
	}
	if err := e.frames.Create(ctx, frame); err != nil {
		return chainState{}, fmt.Errorf("persist frame record: %w", err)
	}

	return chainState{image: result.Data, mime: "image/png", instruction: instruction}, nil
}

// fail records the terminal failed state. Frames persisted so far stay intact.
func (e *Engine) fail(ctx context.Context, run *domain.Run, started time.Time, cause error) error {
	if markErr := e.runs.MarkFailed(ctx, run.ID, cause.Error(), time.Since(started)); markErr != nil {
		e.logger.Error().Err(markErr).Stringer("run_id", run.ID).Msg("evolution: failed to record run failure")
	}
	e.logger.Error().Err(cause).Stringer("run_id", run.ID).Msg("evolution: run failed")
	return cause
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
