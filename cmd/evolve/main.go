// Command evolve runs a single evolution synchronously, bypassing the job
// queue. Useful for local experiments and smoke-testing provider credentials.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"evolver/internal/adapter/repo"
	"evolver/internal/domain"
	"evolver/internal/evolution"
	"evolver/internal/infra"
	"evolver/internal/providers/gemini"
	"evolver/internal/providers/image"
	"evolver/internal/providers/prompt"
	"evolver/internal/storage"
)

func main() {
	_ = godotenv.Load()

	var (
		photoFlag      = flag.String("photo", "", "photo id to evolve (required)")
		iterationsFlag = flag.Int("iterations", 0, "chain length (default from EVOLUTION_ITERATIONS)")
		modeFlag       = flag.String("mode", "", "guided or fixed (default from EVOLUTION_MODE)")
	)
	flag.Parse()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "evolve")

	photoID, err := uuid.Parse(*photoFlag)
	if err != nil {
		logger.Fatal().Err(err).Msg("evolve: -photo must be a valid photo id")
	}

	modeInput := *modeFlag
	if modeInput == "" {
		modeInput = cfg.EvolutionMode
	}
	mode, ok := domain.ParseRunMode(modeInput)
	if !ok {
		logger.Fatal().Str("mode", modeInput).Msg("evolve: mode must be guided or fixed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("evolve: db connection failed")
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
		logger.Fatal().Err(err).Msg("evolve: failed to configure storage")
	}

	runs := repo.NewRunRepository(pool)
	frames := repo.NewFrameRepository(pool)
	photos := repo.NewPhotoRepository(pool)

	generator, err := newImageGenerator(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("evolve: image provider")
	}
	deriver, err := newDeriver(cfg, logger, mode)
	if err != nil {
		logger.Fatal().Err(err).Msg("evolve: prompt deriver")
	}

	engine, err := evolution.NewEngine(evolution.Options{
		Runs:        runs,
		Frames:      frames,
		Photos:      photos,
		Store:       store,
		Images:      generator,
		Prompts:     deriver,
		Logger:      logger,
		StepDelay:   cfg.StepDelay,
		AspectRatio: cfg.AspectRatio,
		OnProgress: func(p evolution.Progress) {
			fmt.Printf("iteration %d/%d (%.0f%%)\n", p.Iteration, p.Total, p.Percent)
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("evolve: engine setup failed")
	}

	run, err := evolution.CreateRun(ctx, runs, photos, evolution.CreateRunParams{
		PhotoID:         photoID,
		TotalIterations: *iterationsFlag,
		Mode:            mode,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("evolve: create run failed")
	}
	logger.Info().Stringer("run_id", run.ID).Int("total_iterations", run.TotalIterations).Msg("evolve: run created")

	if err := engine.Execute(ctx, run.ID, photoID); err != nil {
		logger.Fatal().Err(err).Stringer("run_id", run.ID).Msg("evolve: run failed")
	}
	fmt.Printf("run %s completed, frames under %s\n", run.ID, filepath.Join(store.BasePath(), run.ID.String()))
}

func newImageGenerator(cfg *infra.Config, logger infra.Logger) (image.Generator, error) {
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

func newDeriver(cfg *infra.Config, logger infra.Logger, mode domain.RunMode) (prompt.Deriver, error) {
	if mode == domain.RunModeFixed {
		return prompt.NewFixedDeriver(cfg.FixedInstruction)
	}
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
}
