package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"evolver/internal/adapter/repo"
	"evolver/internal/domain"
	"evolver/internal/http/handlers"
	"evolver/internal/http/httpapi"
	"evolver/internal/infra"
	"evolver/internal/jobqueue"
	"evolver/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx := context.Background()
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: db connection failed")
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
		logger.Fatal().Err(err).Msg("api: failed to configure storage")
	}

	defaultMode, _ := domain.ParseRunMode(cfg.EvolutionMode)

	app := &handlers.App{
		Runs:        repo.NewRunRepository(pool),
		Frames:      repo.NewFrameRepository(pool),
		Photos:      repo.NewPhotoRepository(pool),
		Stats:       repo.NewStatsRepository(pool),
		Store:       store,
		Queue:       jobqueue.New(pool, logger, jobqueue.Options{Lease: cfg.JobLeaseDuration}),
		Logger:      logger,
		DefaultMode: defaultMode,
	}

	router := httpapi.NewRouter(app, httpapi.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		RunsPerMinute:  cfg.RunCreatesPerMinute,
	})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
