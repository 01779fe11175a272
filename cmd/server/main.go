// Command server runs the API and the processing worker in one process,
// backed by SQLite and the in-memory queue unless configured otherwise.
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
	"github.com/amillerrr/vod-pipeline/internal/runner"
	"github.com/amillerrr/vod-pipeline/internal/worker"
)

const (
	ShutdownTimeout = 30 * time.Second
	RequeueLimit    = 500
)

func main() {
	log := logger.New()
	slog.SetDefault(log)

	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadServer()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := app.InitTracing(context.Background(), "vod-server", cfg, log)
	if err != nil {
		log.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer shutdownTracer()

	awsCfg, err := app.LoadAWS(context.Background(), cfg)
	if err != nil {
		log.Error("Failed to load AWS config", "error", err)
		os.Exit(1)
	}

	store, err := app.OpenStore(cfg, awsCfg)
	if err != nil {
		log.Error("Failed to open metadata store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	layout, err := media.NewLayout(cfg.Media.Root)
	if err != nil {
		log.Error("Failed to prepare media root", "root", cfg.Media.Root, "error", err)
		os.Exit(1)
	}

	q, err := app.OpenQueue(cfg, awsCfg, store, log)
	if err != nil {
		log.Error("Failed to open job queue", "backend", cfg.Queue.Backend, "error", err)
		os.Exit(1)
	}

	execRunner := runner.NewExecRunner(log)
	orchestrator := app.NewOrchestrator(app.PipelineDeps{
		Config:   cfg,
		AWS:      awsCfg,
		Store:    store,
		Layout:   layout,
		Enqueuer: q,
		Runner:   execRunner,
		Logger:   log,
	})

	server, err := app.NewAPIServer(app.APIDeps{
		Config:      cfg,
		Store:       store,
		Layout:      layout,
		Enqueuer:    q,
		Resubmitter: orchestrator,
		Health:      app.NewHealthChecker("vod-server", cfg, awsCfg, store, true, log),
		Logger:      log,
	})
	if err != nil {
		log.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The in-memory queue does not survive restarts.
	if cfg.Queue.Backend == config.QueueMemory {
		n, err := worker.RequeueStranded(ctx, store, q, RequeueLimit, log)
		if err != nil {
			log.Warn("Failed to requeue some stranded videos", "error", err)
		}
		if n > 0 {
			log.Info("Requeued stranded videos", "count", n)
		}
	}

	w := worker.New(&worker.Config{
		Consumer:      q,
		Processor:     orchestrator,
		Layout:        layout,
		StagingMaxAge: cfg.Media.StagingMaxAge,
		Logger:        log,
	})
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()

	go func() {
		if err := server.Start(); err != nil {
			log.Error("Server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			log.Error("Worker stopped with error", "error", err)
		}
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timeout reached, killing ffmpeg processes", "active", execRunner.Active())
		execRunner.KillAll()
	}

	log.Info("Server exited")
}
