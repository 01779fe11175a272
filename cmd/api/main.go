package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/amillerrr/vod-pipeline/internal/app"
	"github.com/amillerrr/vod-pipeline/internal/config"
	"github.com/amillerrr/vod-pipeline/internal/logger"
	"github.com/amillerrr/vod-pipeline/internal/media"
)

const ShutdownTimeout = 30 * time.Second

func main() {
	// Initialize logger
	log := logger.New()
	slog.SetDefault(log)

	// Load .env file if present
	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize tracer
	shutdownTracer, err := app.InitTracing(context.Background(), "vod-api", cfg, log)
	if err != nil {
		log.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer shutdownTracer()

	// Initialize AWS clients
	awsCfg, err := app.LoadAWS(context.Background(), cfg)
	if err != nil {
		log.Error("Failed to load AWS config", "error", err)
		os.Exit(1)
	}

	// Initialize metadata store
	store, err := app.OpenStore(cfg, awsCfg)
	if err != nil {
		log.Error("Failed to open metadata store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	log.Info("Metadata store initialized", "backend", cfg.Store.Backend)

	layout, err := media.NewLayout(cfg.Media.Root)
	if err != nil {
		log.Error("Failed to prepare media root", "root", cfg.Media.Root, "error", err)
		os.Exit(1)
	}

	// Jobs are only produced here; a separate worker consumes them.
	q, err := app.OpenQueue(cfg, awsCfg, store, log)
	if err != nil {
		log.Error("Failed to open job queue", "backend", cfg.Queue.Backend, "error", err)
		os.Exit(1)
	}

	server, err := app.NewAPIServer(app.APIDeps{
		Config:   cfg,
		Store:    store,
		Layout:   layout,
		Enqueuer: q,
		Health:   app.NewHealthChecker("vod-api", cfg, awsCfg, store, false, log),
		Logger:   log,
	})
	if err != nil {
		log.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	// Start server in goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Error("Server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Server exited")
}
