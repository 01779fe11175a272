// Package worker runs processing jobs pulled from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/internal/media"
	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/internal/queue"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// Metrics server configuration
const (
	MetricsReadHeaderTimeout = 5 * time.Second
	MetricsShutdownTimeout   = 5 * time.Second
)

var tracer = otel.Tracer("vod-worker")

// Processor runs a single job to completion.
type Processor interface {
	Handle(ctx context.Context, job models.ProcessingJob) error
}

// Worker consumes jobs and hands them to the processor.
type Worker struct {
	consumer      queue.Consumer
	processor     Processor
	layout        *media.Layout
	stagingMaxAge time.Duration
	log           *slog.Logger
}

// Config holds worker dependencies.
type Config struct {
	Consumer  queue.Consumer
	Processor Processor
	Layout    *media.Layout
	// StagingMaxAge is how old leftover staging output must be before the
	// startup sweep removes it. Zero disables the sweep.
	StagingMaxAge time.Duration
	Logger        *slog.Logger
}

// New creates a new Worker with the given configuration.
func New(cfg *Config) *Worker {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		consumer:      cfg.Consumer,
		processor:     cfg.Processor,
		layout:        cfg.Layout,
		stagingMaxAge: cfg.StagingMaxAge,
		log:           log,
	}
}

// Run sweeps stale staging output and then consumes jobs until ctx is
// done. In-flight jobs are allowed to wind down before it returns.
func (w *Worker) Run(ctx context.Context) error {
	w.sweepStaging(ctx)

	w.log.InfoContext(ctx, "Starting queue consumer")
	err := w.consumer.Run(ctx, w.handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("consumer stopped: %w", err)
	}
	w.log.InfoContext(ctx, "All jobs completed, shutting down")
	return nil
}

func (w *Worker) handle(ctx context.Context, job models.ProcessingJob) error {
	ctx, span := tracer.Start(ctx, "handle-job")
	defer span.End()
	span.SetAttributes(
		attribute.String("video.id", job.VideoID),
		attribute.Int("job.attempt", job.Attempt),
	)

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	err := w.processor.Handle(ctx, job)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (w *Worker) sweepStaging(ctx context.Context) {
	if w.layout == nil || w.stagingMaxAge <= 0 {
		return
	}
	removed, err := w.layout.SweepStaging(w.stagingMaxAge)
	if err != nil {
		w.log.WarnContext(ctx, "Failed to sweep staging directory", "error", err)
	}
	if removed > 0 {
		w.log.InfoContext(ctx, "Removed stale staging output", "count", removed)
	}
}

// FailureRecorder marks a video failed.
type FailureRecorder interface {
	FailProcessing(ctx context.Context, videoID, message string) error
}

// ExhaustedHandler returns the hook that records a job's final failure on
// its video. Jobs that only ever found the video leased elsewhere are
// left alone, since another worker owns the video's status.
func ExhaustedHandler(store FailureRecorder, log *slog.Logger) queue.ExhaustedFunc {
	return func(ctx context.Context, job models.ProcessingJob, err error) {
		if errors.Is(err, models.ErrLeaseHeld) {
			return
		}
		msg := fmt.Sprintf("gave up after %d attempts: %v", job.Attempt, err)
		if ferr := store.FailProcessing(ctx, job.VideoID, msg); ferr != nil {
			if errors.Is(ferr, models.ErrInvalidStatus) || errors.Is(ferr, models.ErrVideoNotFound) {
				log.InfoContext(ctx, "Video not marked failed after exhausted job",
					"videoId", job.VideoID,
					"reason", ferr,
				)
				return
			}
			log.ErrorContext(ctx, "Failed to mark video as failed",
				"videoId", job.VideoID,
				"error", ferr,
			)
		}
	}
}

// VideoLister lists videos by status.
type VideoLister interface {
	ListVideos(ctx context.Context, status models.VideoStatus, limit int) ([]models.Video, error)
}

// RequeueStranded enqueues videos left uploaded or processing, as after a
// restart of a process whose queue did not survive. It returns the number
// of jobs enqueued.
func RequeueStranded(ctx context.Context, store VideoLister, enq queue.Enqueuer, limit int, log *slog.Logger) (int, error) {
	var errs []error
	count := 0
	for _, status := range []models.VideoStatus{models.StatusUploaded, models.StatusProcessing} {
		videos, err := store.ListVideos(ctx, status, limit)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, v := range videos {
			if err := enq.Enqueue(ctx, v.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			count++
			log.InfoContext(ctx, "Requeued stranded video", "videoId", v.ID, "status", v.Status)
		}
	}
	return count, errors.Join(errs...)
}

// MetricsServer exposes /metrics for scraping.
type MetricsServer struct {
	server *http.Server
	log    *slog.Logger
}

// NewMetricsServer creates a metrics server listening on port.
func NewMetricsServer(port int, log *slog.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: MetricsReadHeaderTimeout,
		},
		log: log,
	}
}

// Start serves until Shutdown is called.
func (m *MetricsServer) Start() {
	m.log.Info("Starting metrics server", "addr", m.server.Addr)
	if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.log.Error("Metrics server error", "error", err)
	}
}

// Shutdown stops the metrics server.
func (m *MetricsServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), MetricsShutdownTimeout)
	defer cancel()
	if err := m.server.Shutdown(ctx); err != nil {
		m.log.Error("Failed to shutdown metrics server", "error", err)
	}
}
