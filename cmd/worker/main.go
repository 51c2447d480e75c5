package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"evolver/internal/adapter/repo"
	"evolver/internal/domain"
	"evolver/internal/evolution"
	"evolver/internal/infra"
	"evolver/internal/jobqueue"
	"evolver/internal/providers/gemini"
	"evolver/internal/providers/image"
	"evolver/internal/providers/prompt"
	"evolver/internal/storage"
)

const staleSweepInterval = time.Minute

type runWorker struct {
	runs    domain.RunRepository
	queue   *jobqueue.Queue
	engines map[domain.RunMode]*evolution.Engine
	logger  infra.Logger
	poll    time.Duration
}

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	store, err := storage.NewFileStore(storagePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	runs := repo.NewRunRepository(pool)
	frames := repo.NewFrameRepository(pool)
	photos := repo.NewPhotoRepository(pool)
	queue := jobqueue.New(pool, logger, jobqueue.Options{Lease: cfg.JobLeaseDuration})

	engines, err := buildEngines(cfg, logger, runs, frames, photos, store)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure providers")
	}

	w := &runWorker{
		runs:    runs,
		queue:   queue,
		engines: engines,
		logger:  logger,
		poll:    cfg.JobPollInterval,
	}

	go reapStaleRuns(ctx, runs, cfg.StaleRunAfter, logger)

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.run(ctx, slot)
		}(i)
	}
	logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker: started")
	wg.Wait()
	logger.Info().Msg("worker: stopped")
}

// buildEngines prepares one engine per run mode. Fixed mode needs no prompt
// credentials, so it is always available; guided mode is registered only when
// its deriver can be configured, and guided runs fail fast otherwise.
func buildEngines(
	cfg *infra.Config,
	logger infra.Logger,
	runs domain.RunRepository,
	frames domain.FrameRepository,
	photos domain.PhotoRepository,
	store *storage.FileStore,
) (map[domain.RunMode]*evolution.Engine, error) {
	generator, err := buildImageGenerator(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("image provider: %w", err)
	}

	newEngine := func(deriver prompt.Deriver) (*evolution.Engine, error) {
		return evolution.NewEngine(evolution.Options{
			Runs:        runs,
			Frames:      frames,
			Photos:      photos,
			Store:       store,
			Images:      generator,
			Prompts:     deriver,
			Logger:      logger,
			StepDelay:   cfg.StepDelay,
			AspectRatio: cfg.AspectRatio,
		})
	}

	engines := map[domain.RunMode]*evolution.Engine{}

	fixedDeriver, err := prompt.NewFixedDeriver(cfg.FixedInstruction)
	if err != nil {
		return nil, fmt.Errorf("fixed deriver: %w", err)
	}
	if engines[domain.RunModeFixed], err = newEngine(fixedDeriver); err != nil {
		return nil, err
	}

	guidedDeriver, err := buildGuidedDeriver(cfg, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("worker: guided mode unavailable, guided runs will fail")
		return engines, nil
	}
	if engines[domain.RunModeGuided], err = newEngine(guidedDeriver); err != nil {
		return nil, err
	}
	return engines, nil
}

func buildImageGenerator(cfg *infra.Config, logger infra.Logger) (image.Generator, error) {
	switch cfg.ImageProvider {
	case "gemini":
		client, err := gemini.NewClient(gemini.Options{
			APIKey:  cfg.GeminiAPIKey,
			BaseURL: cfg.GeminiBaseURL,
			Model:   cfg.GeminiModel,
			Logger:  &logger,
		})
		if err != nil {
			return nil, err
		}
		return image.NewGeminiGenerator(client)
	case "dashscope":
		return image.NewDashScopeGenerator(image.DashScopeOptions{
			APIKey:  cfg.DashScopeAPIKey,
			BaseURL: cfg.DashScopeBaseURL,
			Model:   cfg.DashScopeModel,
			Logger:  &logger,
		})
	default:
		return nil, fmt.Errorf("unsupported image provider %q", cfg.ImageProvider)
	}
}

func buildGuidedDeriver(cfg *infra.Config, logger infra.Logger) (prompt.Deriver, error) {
	switch cfg.PromptProvider {
	case "gemini":
		client, err := gemini.NewClient(gemini.Options{
			APIKey:  cfg.GeminiAPIKey,
			BaseURL: cfg.GeminiBaseURL,
			Model:   cfg.GeminiModel,
			Logger:  &logger,
		})
		if err != nil {
			return nil, err
		}
		return prompt.NewGeminiDeriver(client)
	default:
		return nil, fmt.Errorf("unsupported prompt provider %q", cfg.PromptProvider)
	}
}

func (w *runWorker) run(ctx context.Context, slot int) {
	logger := w.logger.With().Int("slot", slot).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Claim(ctx)
		if err != nil {
			if !errors.Is(err, jobqueue.ErrNoJob) && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("worker: claim failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.poll):
			}
			continue
		}

		w.handle(ctx, logger, job)
	}
}

func (w *runWorker) handle(ctx context.Context, logger infra.Logger, job *jobqueue.Job) {
	logger.Info().
		Stringer("job_id", job.ID).
		Stringer("run_id", job.RunID).
		Int("attempt", job.Attempts).
		Msg("worker: picked job")

	run, err := w.runs.GetByID(ctx, job.RunID)
	if err != nil {
		w.failJob(ctx, logger, job, fmt.Errorf("load run: %w", err))
		return
	}

	engine, ok := w.engines[run.Mode]
	if !ok {
		w.failJob(ctx, logger, job, fmt.Errorf("no provider configured for %s mode", run.Mode))
		return
	}

	if err := engine.Execute(ctx, job.RunID, job.PhotoID); err != nil {
		// A redelivered job whose run already reached a terminal state (or is
		// claimed elsewhere) is done as far as the queue is concerned.
		if errors.Is(err, domain.ErrRunNotClaimable) {
			if completeErr := w.queue.Complete(ctx, job.ID); completeErr != nil {
				logger.Error().Err(completeErr).Stringer("job_id", job.ID).Msg("worker: complete failed")
			}
			return
		}
		w.failJob(ctx, logger, job, err)
		return
	}

	if err := w.queue.Complete(ctx, job.ID); err != nil {
		logger.Error().Err(err).Stringer("job_id", job.ID).Msg("worker: complete failed")
	}
}

func (w *runWorker) failJob(ctx context.Context, logger infra.Logger, job *jobqueue.Job, cause error) {
	logger.Error().Err(cause).Stringer("job_id", job.ID).Msg("worker: job failed")
	if err := w.queue.Fail(ctx, job, cause); err != nil {
		logger.Error().Err(err).Stringer("job_id", job.ID).Msg("worker: record job failure failed")
	}
}

// reapStaleRuns periodically fails processing runs whose heartbeat went quiet,
// covering workers that died without releasing their run.
func reapStaleRuns(ctx context.Context, runs domain.RunRepository, window time.Duration, logger infra.Logger) {
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := runs.FailStale(ctx, window)
			if err != nil {
				logger.Error().Err(err).Msg("worker: stale run sweep failed")
				continue
			}
			if count > 0 {
				logger.Warn().Int64("count", count).Msg("worker: reclaimed stale runs")
			}
		}
	}
}
