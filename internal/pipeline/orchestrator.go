// Package pipeline turns an uploaded video into published HLS renditions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/amillerrr/vod-pipeline/internal/media"
	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/internal/queue"
	"github.com/amillerrr/vod-pipeline/internal/storage"
	"github.com/amillerrr/vod-pipeline/internal/transcoder"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// Defaults
const (
	DefaultLeaseTTL        = 2 * time.Minute
	DefaultTierConcurrency = 1
)

var tracer = otel.Tracer("vod-pipeline")

var errJobTimeout = errors.New("job exceeded its time limit")

// Prober reads source metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (*transcoder.ProbeResult, error)
}

// Thumbnailer writes a poster frame and returns the offset it was taken at.
type Thumbnailer interface {
	Extract(ctx context.Context, videoID, inputPath, outputPath string, duration float64) (float64, error)
}

// TierTranscoder encodes and verifies one rendition into outDir.
type TierTranscoder interface {
	TranscodeTier(ctx context.Context, inputPath string, preset transcoder.Preset, outDir string) (*transcoder.TierOutput, error)
}

// Mirror copies a video's published renditions to secondary storage.
type Mirror interface {
	Mirror(ctx context.Context, videoID string, tiers []string) error
}

// Config holds orchestrator dependencies.
type Config struct {
	Store       storage.Store
	Layout      *media.Layout
	Prober      Prober
	Thumbnailer Thumbnailer
	Transcoder  TierTranscoder
	// Fetcher defaults to a LocalFetcher on Layout.
	Fetcher SourceFetcher
	// Mirror is optional.
	Mirror   Mirror
	Enqueuer queue.Enqueuer
	Presets  []transcoder.Preset

	TierConcurrency int
	LeaseTTL        time.Duration
	// JobTimeout bounds a single run. Zero means no limit.
	JobTimeout time.Duration
	// Owner identifies this worker on leases; each run appends its own
	// suffix. Defaults to a random id.
	Owner  string
	Logger *slog.Logger
}

// Outcome summarizes one call to Process.
type Outcome struct {
	VideoID string
	Status  models.VideoStatus
	// Skipped is set when the job was a duplicate and did no work.
	Skipped         bool
	Degraded        bool
	ThumbnailOffset float64
	Published       []string
	Failed          map[string]error
}

// canceledMessage is recorded on a video whose run was canceled.
const canceledMessage = "processing canceled"

// Orchestrator runs processing jobs. It is safe for concurrent use; runs
// for the same video are serialized by the store's lease, which every run
// takes under its own token.
type Orchestrator struct {
	store       storage.Store
	layout      *media.Layout
	prober      Prober
	thumbnailer Thumbnailer
	transcoder  TierTranscoder
	fetcher     SourceFetcher
	mirror      Mirror
	enqueuer    queue.Enqueuer
	presets     []transcoder.Preset

	tierConcurrency int
	leaseTTL        time.Duration
	jobTimeout      time.Duration
	owner           string
	log             *slog.Logger

	mu      sync.Mutex
	running map[string]*activeRun
}

// activeRun is one Process call holding a video's lease.
type activeRun struct {
	lease  string
	cancel context.CancelCauseFunc
	// done is closed after the lease is released.
	done chan struct{}

	mu      sync.Mutex
	staging []string
}

func (r *activeRun) addStaging(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staging = append(r.staging, dir)
}

func (r *activeRun) stagingDirs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.staging)
}

// New creates an Orchestrator.
func New(cfg *Config) *Orchestrator {
	o := &Orchestrator{
		store:           cfg.Store,
		layout:          cfg.Layout,
		prober:          cfg.Prober,
		thumbnailer:     cfg.Thumbnailer,
		transcoder:      cfg.Transcoder,
		fetcher:         cfg.Fetcher,
		mirror:          cfg.Mirror,
		enqueuer:        cfg.Enqueuer,
		presets:         cfg.Presets,
		tierConcurrency: cfg.TierConcurrency,
		leaseTTL:        cfg.LeaseTTL,
		jobTimeout:      cfg.JobTimeout,
		owner:           cfg.Owner,
		log:             cfg.Logger,
		running:         make(map[string]*activeRun),
	}
	if o.fetcher == nil {
		o.fetcher = &LocalFetcher{Layout: cfg.Layout}
	}
	if len(o.presets) == 0 {
		o.presets = transcoder.DefaultPresets
	}
	if o.tierConcurrency <= 0 {
		o.tierConcurrency = DefaultTierConcurrency
	}
	if o.leaseTTL <= 0 {
		o.leaseTTL = DefaultLeaseTTL
	}
	if o.owner == "" {
		o.owner = uuid.NewString()
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o
}

// Handle adapts Process to a queue.Handler.
func (o *Orchestrator) Handle(ctx context.Context, job models.ProcessingJob) error {
	_, err := o.Process(ctx, job)
	return err
}

// Cancel stops the local run for videoID, if any, without waiting for it.
// The run's tool processes are killed, its staging output removed and the
// video marked failed.
func (o *Orchestrator) Cancel(videoID string) bool {
	run := o.lookup(videoID)
	if run != nil {
		run.cancel(models.ErrJobCanceled)
	}
	return run != nil
}

// Resubmit cancels any local run for videoID, waits for it to give up its
// lease and enqueues a forced job.
func (o *Orchestrator) Resubmit(ctx context.Context, videoID string) error {
	if o.enqueuer == nil {
		return errors.New("no enqueuer configured")
	}
	if o.supersede(ctx, videoID) {
		o.log.InfoContext(ctx, "Canceled running job for resubmit", "videoId", videoID)
	}
	return o.enqueuer.Enqueue(ctx, videoID, queue.WithForce())
}

// supersede cancels the local run for videoID and waits until its lease is
// released. It reports whether such a run existed and finished in time.
func (o *Orchestrator) supersede(ctx context.Context, videoID string) bool {
	run := o.lookup(videoID)
	if run == nil {
		return false
	}
	run.cancel(models.ErrJobCanceled)
	select {
	case <-run.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Process runs one job to a terminal state. Terminal failures of the video
// itself (unreadable source, every tier failing) are recorded on the video
// and return nil; a non-nil error means the job should be retried, or
// dropped when models.IsPermanent reports so.
func (o *Orchestrator) Process(ctx context.Context, job models.ProcessingJob) (*Outcome, error) {
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrJobParseFailed, err)
	}
	videoID := job.VideoID

	ctx, span := tracer.Start(ctx, "process-video")
	defer span.End()
	span.SetAttributes(
		attribute.String("video.id", videoID),
		attribute.Int("job.attempt", job.Attempt),
		attribute.Bool("job.force", job.Force),
	)

	lease := o.owner + "/" + uuid.NewString()
	err := o.store.AcquireLease(ctx, videoID, lease, o.leaseTTL)
	if errors.Is(err, models.ErrLeaseHeld) && job.Force && o.supersede(ctx, videoID) {
		// A forced job replaces a run of our own.
		err = o.store.AcquireLease(ctx, videoID, lease, o.leaseTTL)
	}
	if err != nil {
		if errors.Is(err, models.ErrLeaseHeld) {
			metrics.LeaseContention.Inc()
			if !job.Force {
				o.log.InfoContext(ctx, "Video is being processed elsewhere, dropping duplicate job",
					"videoId", videoID,
				)
				return &Outcome{VideoID: videoID, Skipped: true}, nil
			}
		}
		return nil, err
	}
	run := &activeRun{lease: lease, done: make(chan struct{})}
	defer func() {
		if err := o.store.ReleaseLease(context.WithoutCancel(ctx), videoID, lease); err != nil {
			o.log.WarnContext(ctx, "Failed to release lease", "videoId", videoID, "error", err)
		}
		o.untrack(videoID, run)
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	run.cancel = cancel
	if o.jobTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, o.jobTimeout, errJobTimeout)
		defer cancelTimeout()
	}

	o.track(videoID, run)

	stop := o.heartbeat(runCtx, videoID, run)
	defer stop()

	start := time.Now()
	outcome, err := o.run(runCtx, run, job)
	if err != nil && runCtx.Err() != nil {
		err = o.canceled(ctx, runCtx, run, videoID, start)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return outcome, nil
}

// canceled cleans up after an interrupted run and translates the cause
// into the error reported to the queue.
func (o *Orchestrator) canceled(parent, runCtx context.Context, run *activeRun, videoID string, start time.Time) error {
	if err := o.layout.RemoveStaging(videoID, run.stagingDirs()); err != nil {
		o.log.WarnContext(parent, "Failed to clear staging", "videoId", videoID, "error", err)
	}
	metrics.RecordOutcome("canceled", time.Since(start))

	cause := context.Cause(runCtx)
	o.log.WarnContext(parent, "Processing interrupted", "videoId", videoID, "cause", cause)

	if errors.Is(cause, models.ErrJobCanceled) {
		o.recordCanceled(context.WithoutCancel(parent), run, videoID)
	}

	switch {
	case errors.Is(cause, models.ErrJobCanceled),
		errors.Is(cause, models.ErrLeaseLost),
		errors.Is(cause, models.ErrVideoNotFound):
		return cause
	case parent.Err() != nil:
		return parent.Err()
	}
	return fmt.Errorf("%w: %w", models.ErrContextCanceled, cause)
}

// recordCanceled marks a canceled video failed so it does not sit in
// processing with its renditions withdrawn. The run must still hold the
// lease; a video canceled before its run began is left alone.
func (o *Orchestrator) recordCanceled(ctx context.Context, run *activeRun, videoID string) {
	log := o.log.With("videoId", videoID)
	if err := o.store.RenewLease(ctx, videoID, run.lease, o.leaseTTL); err != nil {
		log.WarnContext(ctx, "Not recording cancellation, lease is gone", "error", err)
		return
	}
	video, err := o.store.GetVideo(ctx, videoID)
	if err != nil {
		log.WarnContext(ctx, "Failed to load canceled video", "error", err)
		return
	}
	if video.Status != models.StatusProcessing {
		return
	}
	if err := o.store.FailProcessing(ctx, videoID, canceledMessage); err != nil {
		log.WarnContext(ctx, "Failed to record cancellation", "error", err)
		return
	}
	if err := o.layout.ClearVideo(videoID); err != nil {
		log.WarnContext(ctx, "Failed to clear artifacts", "error", err)
	}
}

func (o *Orchestrator) run(ctx context.Context, run *activeRun, job models.ProcessingJob) (*Outcome, error) {
	videoID := job.VideoID
	start := time.Now()
	log := o.log.With("videoId", videoID)

	video, err := o.store.BeginProcessing(ctx, videoID, job.Force)
	if err != nil {
		if errors.Is(err, models.ErrInvalidStatus) {
			log.InfoContext(ctx, "Video already processed, skipping job")
			return &Outcome{VideoID: videoID, Skipped: true}, nil
		}
		return nil, err
	}
	log.InfoContext(ctx, "Processing video",
		"attempt", video.Attempts,
		"force", job.Force,
		"source", video.SourcePath,
	)

	if err := o.layout.ClearVideo(videoID); err != nil {
		return nil, fmt.Errorf("failed to clear previous output: %w", err)
	}

	downloadStart := time.Now()
	src, cleanup, err := o.fetcher.Fetch(ctx, video)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return o.fail(ctx, run, videoID, start, fmt.Sprintf("source unavailable: %v", err))
		}
		return nil, fmt.Errorf("%w: %w", models.ErrDownloadFailed, err)
	}
	metrics.DownloadDuration.Observe(time.Since(downloadStart).Seconds())
	defer cleanup()

	probe, err := o.prober.Probe(ctx, src)
	if err != nil {
		var pe *models.ProbeError
		if errors.As(err, &pe) && ctx.Err() == nil {
			return o.fail(ctx, run, videoID, start, err.Error())
		}
		return nil, err
	}
	if !probe.HasVideo {
		return o.fail(ctx, run, videoID, start, "source has no video stream")
	}

	outcome := &Outcome{VideoID: videoID, Failed: make(map[string]error)}

	var thumbRel string
	offset, err := o.thumbnailer.Extract(ctx, videoID, src, o.layout.ThumbnailFile(videoID), probe.DurationSeconds)
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, err
	case err != nil:
		metrics.ThumbnailFailures.Inc()
		log.WarnContext(ctx, "Thumbnail extraction failed, continuing without poster", "error", err)
		outcome.Degraded = true
	default:
		thumbRel = media.ThumbnailPath(videoID)
		outcome.ThumbnailOffset = offset
	}

	outputs := o.transcodeTiers(ctx, run, videoID, src)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var published []transcoder.Preset
	var renditions []models.Rendition
	var tierErrs []string
	for i, preset := range o.presets {
		res := outputs[i]
		if res.err != nil {
			outcome.Failed[preset.Name] = res.err
			tierErrs = append(tierErrs, res.err.Error())
			log.WarnContext(ctx, "Tier failed", "tier", preset.Name, "error", res.err)
			continue
		}
		published = append(published, preset)
		outcome.Published = append(outcome.Published, preset.Name)
		renditions = append(renditions, models.Rendition{
			VideoID:      videoID,
			Tier:         preset.Name,
			ManifestPath: media.ManifestPath(videoID, preset.Name),
			SegmentDir:   media.SegmentDir(videoID, preset.Name),
			SegmentCount: res.out.SegmentCount,
			Bandwidth:    preset.Bandwidth,
			Available:    true,
		})
	}

	if len(published) == 0 {
		return o.fail(ctx, run, videoID, start, "all tiers failed: "+strings.Join(tierErrs, "; "))
	}

	if err := transcoder.GenerateMasterPlaylist(o.layout.VideoHLSDir(videoID), published); err != nil {
		log.WarnContext(ctx, "Failed to write master playlist", "error", err)
		outcome.Degraded = true
	}

	if o.mirror != nil {
		uploadStart := time.Now()
		if err := o.mirror.Mirror(ctx, videoID, outcome.Published); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			log.WarnContext(ctx, "Failed to mirror renditions", "error", err)
		} else {
			metrics.UploadDuration.Observe(time.Since(uploadStart).Seconds())
		}
	}

	outcome.Status = models.StatusPublished
	if len(outcome.Failed) > 0 {
		outcome.Status = models.StatusPartiallyPublished
	}

	result := &models.ProcessingResult{
		VideoID:         videoID,
		Status:          outcome.Status,
		DurationSeconds: probe.DurationSeconds,
		ThumbnailPath:   thumbRel,
		Degraded:        outcome.Degraded,
		ErrorMessage:    strings.Join(tierErrs, "; "),
		Renditions:      renditions,
		LeaseOwner:      run.lease,
	}
	if err := o.store.CompleteProcessing(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to record result: %w", err)
	}

	if err := o.layout.RemoveStaging(videoID, run.stagingDirs()); err != nil {
		log.WarnContext(ctx, "Failed to clear staging", "error", err)
	}
	metrics.RecordOutcome(string(outcome.Status), time.Since(start))

	log.InfoContext(ctx, "Video processed",
		"status", outcome.Status,
		"tiers", outcome.Published,
		"degraded", outcome.Degraded,
		"durationSeconds", time.Since(start).Seconds(),
	)
	return outcome, nil
}

type tierResult struct {
	out *transcoder.TierOutput
	err error
}

// transcodeTiers runs every preset with bounded concurrency. A failed tier
// never stops its siblings.
func (o *Orchestrator) transcodeTiers(ctx context.Context, run *activeRun, videoID, src string) []tierResult {
	results := make([]tierResult, len(o.presets))

	var g errgroup.Group
	g.SetLimit(o.tierConcurrency)
	for i, preset := range o.presets {
		g.Go(func() error {
			out, err := o.transcodeTier(ctx, run, videoID, src, preset)
			results[i] = tierResult{out: out, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// transcodeTier encodes into a private staging directory and promotes it
// only once verified, so the published tree never holds partial output.
func (o *Orchestrator) transcodeTier(ctx context.Context, run *activeRun, videoID, src string, preset transcoder.Preset) (*transcoder.TierOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := o.layout.NewStagingDir(videoID, preset.Name)
	if err != nil {
		return nil, &models.TranscodeError{Tier: preset.Name, Err: err}
	}
	run.addStaging(dir)

	out, err := o.transcoder.TranscodeTier(ctx, src, preset, dir)
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = o.layout.PromoteTier(videoID, preset.Name, dir)
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		var te *models.TranscodeError
		if !errors.As(err, &te) {
			err = &models.TranscodeError{Tier: preset.Name, Err: err}
		}
		return nil, err
	}
	out.Dir = o.layout.TierDir(videoID, preset.Name)
	return out, nil
}

// fail records a terminal failure of the video and clears its artifacts.
// Nothing is touched once the run has lost its lease.
func (o *Orchestrator) fail(ctx context.Context, run *activeRun, videoID string, start time.Time, message string) (*Outcome, error) {
	o.log.ErrorContext(ctx, "Video processing failed", "videoId", videoID, "reason", message)

	if err := o.store.RenewLease(ctx, videoID, run.lease, o.leaseTTL); err != nil {
		return nil, fmt.Errorf("failed to record failure: %w", err)
	}
	if err := o.layout.ClearVideo(videoID); err != nil {
		o.log.WarnContext(ctx, "Failed to clear artifacts", "videoId", videoID, "error", err)
	}
	if err := o.store.FailProcessing(ctx, videoID, message); err != nil {
		return nil, fmt.Errorf("failed to record failure: %w", err)
	}
	metrics.RecordOutcome(string(models.StatusFailed), time.Since(start))
	return &Outcome{VideoID: videoID, Status: models.StatusFailed}, nil
}

// heartbeat renews the lease at a third of its TTL and cancels the run
// when the lease is lost or the video is deleted.
func (o *Orchestrator) heartbeat(ctx context.Context, videoID string, run *activeRun) (stop func()) {
	ctx, stopCtx := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			err := o.store.RenewLease(ctx, videoID, run.lease, o.leaseTTL)
			if errors.Is(err, models.ErrLeaseLost) {
				run.cancel(fmt.Errorf("%w: %s", models.ErrLeaseLost, videoID))
				return
			}
			if err != nil && ctx.Err() == nil {
				o.log.WarnContext(ctx, "Failed to renew lease", "videoId", videoID, "error", err)
			}

			if _, err := o.store.GetVideo(ctx, videoID); errors.Is(err, models.ErrVideoNotFound) {
				run.cancel(fmt.Errorf("%w: %s deleted during processing", models.ErrVideoNotFound, videoID))
				return
			}
		}
	}()

	return func() {
		stopCtx()
		<-done
	}
}

func (o *Orchestrator) track(videoID string, run *activeRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running[videoID] = run
}

// untrack forgets run and signals anyone waiting on it. A newer run for the
// same video stays tracked.
func (o *Orchestrator) untrack(videoID string, run *activeRun) {
	o.mu.Lock()
	if o.running[videoID] == run {
		delete(o.running, videoID)
	}
	o.mu.Unlock()
	close(run.done)
}

func (o *Orchestrator) lookup(videoID string) *activeRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running[videoID]
}

// Running returns the ids of videos being processed by this orchestrator.
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.running))
	for id := range o.running {
		ids = append(ids, id)
	}
	return ids
}
