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
	"github.com/amillerrr/vod-pipeline/internal/health"
	"github.com/amillerrr/vod-pipeline/internal/logger"
	"github.com/amillerrr/vod-pipeline/internal/media"
	"github.com/amillerrr/vod-pipeline/internal/runner"
	"github.com/amillerrr/vod-pipeline/internal/worker"
)

const ShutdownTimeout = 30 * time.Second

func main() {
	log := logger.New()
	slog.SetDefault(log)

	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := app.InitTracing(context.Background(), "vod-worker", cfg, log)
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

	checker := app.NewHealthChecker("vod-worker", cfg, awsCfg, store, true, log)
	status := checker.Check(context.Background(), true)
	if status.Status != health.StatusHealthy {
		log.Warn("Worker dependencies degraded at startup", "checks", status.Checks)
	}

	metricsServer := worker.NewMetricsServer(cfg.Worker.MetricsPort, log)
	go metricsServer.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Received shutdown signal, waiting for in-flight jobs", "signal", sig.String())
		cancel()
		select {
		case err := <-done:
			if err != nil {
				log.Error("Worker stopped with error", "error", err)
			}
		case <-time.After(ShutdownTimeout):
			log.Warn("Shutdown timeout reached, killing ffmpeg processes", "active", execRunner.Active())
			execRunner.KillAll()
		}
	case err := <-done:
		if err != nil {
			log.Error("Worker stopped with error", "error", err)
		}
	}

	metricsServer.Shutdown()
	log.Info("Worker exited")
}
