package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mediaDownloader/internal/config"
	"mediaDownloader/internal/extractor"
	"mediaDownloader/internal/files"
	"mediaDownloader/internal/handlers"
	"mediaDownloader/internal/jobs"
	"mediaDownloader/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	storage := files.NewStorage(cfg.StorageDir, cfg.CookiesDir)
	if err := storage.Prepare(); err != nil {
		logger.Error("failed to prepare storage", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.InstallYtdlp {
		if err := extractor.Install(ctx); err != nil {
			logger.Error("failed to install yt-dlp", "error", err)
			os.Exit(1)
		}
	}
	ex := extractor.NewService(logger, cfg.YtdlpPath)

	st := store.New()
	fm := files.NewManager(logger, st, storage)
	jm := jobs.NewManager(logger, st, fm, storage, ex, jobs.Options{
		MaxConcurrent:  cfg.MaxConcurrentJobs,
		JobTimeout:     cfg.JobTimeout,
		MergeFormat:    cfg.MergeFormat,
		UserAgent:      cfg.UserAgent,
		MaxCookieBytes: cfg.MaxCookieBytes,
	})
	app := handlers.NewApp(logger, st, jm, fm, handlers.Options{
		DeleteAfterServe: cfg.DeleteAfterServe,
		MaxCookieBytes:   cfg.MaxCookieBytes,
	})

	fm.StartCleanupLoop(ctx, cfg.CleanupInterval, cfg.RetentionTTL)

	// no WriteTimeout: media files can take longer than any fixed limit
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("server started", "addr", cfg.Addr, "storage_dir", cfg.StorageDir, "max_concurrent_jobs", cfg.MaxConcurrentJobs)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = srv.Close()
	}
	if err := jm.Shutdown(shutdownCtx); err != nil {
		logger.Error("workers did not stop in time", "error", err)
	}
	logger.Info("server stopped")
}
