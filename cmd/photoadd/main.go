// Command photoadd registers a source photo from disk so runs can reference
// it. Photos are approved immediately unless -pending is set.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"evolver/internal/adapter/repo"
	"evolver/internal/domain"
	"evolver/internal/infra"
	"evolver/internal/storage"
)

func main() {
	_ = godotenv.Load()

	var (
		fileFlag    = flag.String("file", "", "path to the photo file (required)")
		pendingFlag = flag.Bool("pending", false, "register as pending instead of approved")
	)
	flag.Parse()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "photoadd")

	if *fileFlag == "" {
		logger.Fatal().Msg("photoadd: -file is required")
	}
	data, err := os.ReadFile(*fileFlag)
	if err != nil {
		logger.Fatal().Err(err).Msg("photoadd: read file failed")
	}

	ctx := context.Background()
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("photoadd: db connection failed")
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
		logger.Fatal().Err(err).Msg("photoadd: failed to configure storage")
	}

	photoID := uuid.New()
	filename := filepath.Base(*fileFlag)
	key, err := store.Write(ctx, storage.PhotoKey(photoID, filename), data)
	if err != nil {
		logger.Fatal().Err(err).Msg("photoadd: persist photo failed")
	}

	status := domain.PhotoStatusApproved
	if *pendingFlag {
		status = domain.PhotoStatusPending
	}

	photo := &domain.Photo{
		ID:         photoID,
		Filename:   filename,
		StorageKey: key,
		MIME:       http.DetectContentType(data),
		ByteSize:   int64(len(data)),
		Status:     status,
	}
	if err := repo.NewPhotoRepository(pool).Create(ctx, photo); err != nil {
		logger.Fatal().Err(err).Msg("photoadd: register photo failed")
	}

	fmt.Printf("photo %s registered (%s, %d bytes, %s)\n", photo.ID, photo.MIME, photo.ByteSize, photo.Status)
}
