package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"burnlink/internal/server/api"
	"burnlink/internal/server/config"
	"burnlink/internal/server/database"
	"burnlink/internal/server/service"
	"burnlink/internal/server/storage"
)

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_backend", cfg.StorageBackend,
		"chunk_size", cfg.ChunkSize,
		"default_expiry", cfg.DefaultExpiry,
		"media_grace_window", cfg.MediaGraceWindow,
	)

	ctx := context.Background()

	repo, closeRepo, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize message store", "error", err)
		os.Exit(1)
	}
	defer closeRepo()

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize blob storage", "error", err)
		os.Exit(1)
	}

	messages := service.NewMessageService(repo, blobs, cfg)
	uploads := service.NewUploadCoordinator(repo, blobs, cfg)

	// Start cleanup service
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	cleanup := storage.NewCleanupService(repo, blobs, cfg.CleanupInterval)
	cleanup.Start(cleanupCtx)

	// Setup HTTP router
	handler := api.NewHandler(messages, uploads, repo, cfg)
	e := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop cleanup service
	cleanupCancel()
	cleanup.Wait()

	slog.Info("server exited cleanly")
}

// openStore connects to Postgres and runs migrations, or returns the
// in-memory store when DATABASE_URL is memory://.
func openStore(ctx context.Context, cfg *config.Config) (database.Store, func(), error) {
	if cfg.UsesMemoryStore() {
		slog.Warn("using in-memory message store, data is lost on restart")
		return database.NewMemoryStore(), func() {}, nil
	}

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("database migrations complete")

	return database.NewRepository(db), db.Close, nil
}

func openBlobStore(ctx context.Context, cfg *config.Config) (storage.BlobStore, error) {
	var store storage.BlobStore
	switch cfg.StorageBackend {
	case "s3":
		s3, err := storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		store = s3
	case "fs", "":
		store = storage.NewFileSystemStore(cfg.StoragePath)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}

	if err := store.EnsureReady(ctx); err != nil {
		return nil, err
	}
	slog.Info("blob storage initialized", "backend", cfg.StorageBackend)
	return store, nil
}
