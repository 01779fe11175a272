// Package queue delivers processing jobs to workers with at-least-once
// semantics and bounded retries.
package queue

import (
	"context"
	"errors"
	"log/slog"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// Backend names used as metric labels.
const (
	BackendSQS    = "sqs"
	BackendMemory = "memory"
	BackendSync   = "sync"
)

// Handler processes one delivery of a job. A nil error acknowledges it.
type Handler func(ctx context.Context, job models.ProcessingJob) error

// ExhaustedFunc is called once a job has failed its final attempt.
type ExhaustedFunc func(ctx context.Context, job models.ProcessingJob, err error)

// EnqueueOption customizes a job before it is queued.
type EnqueueOption func(*models.ProcessingJob)

// WithForce marks the job as a forced reprocess.
func WithForce() EnqueueOption {
	return func(j *models.ProcessingJob) { j.Force = true }
}

// Enqueuer submits jobs. Enqueue returns once the job is accepted.
type Enqueuer interface {
	Enqueue(ctx context.Context, videoID string, opts ...EnqueueOption) error
}

// Consumer delivers jobs to a handler until ctx is done.
type Consumer interface {
	Run(ctx context.Context, h Handler) error
}

// Queue is both ends of a backend.
type Queue interface {
	Enqueuer
	Consumer
}

// Options are shared by all backends.
type Options struct {
	Policy      RetryPolicy
	OnExhausted ExhaustedFunc
	// Concurrency bounds jobs handled at once.
	Concurrency int
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Policy.MaxAttempts <= 0 {
		o.Policy = DefaultRetryPolicy()
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func newJob(videoID string, opts []EnqueueOption) (models.ProcessingJob, error) {
	job := models.NewProcessingJob(videoID, false)
	for _, opt := range opts {
		opt(&job)
	}
	if err := job.Validate(); err != nil {
		return job, &models.QueueDeliveryError{VideoID: videoID, Err: err}
	}
	return job, nil
}

// settle applies the retry policy to a finished delivery and reports what
// the backend should do with it.
func settle(ctx context.Context, o Options, backend string, job models.ProcessingJob, err error) Decision {
	d := o.Policy.Decide(job.Attempt, err)
	switch d.Action {
	case ActionRetry:
		o.Logger.WarnContext(ctx, "Job failed, scheduling retry",
			"videoId", job.VideoID,
			"attempt", job.Attempt,
			"delay", d.Delay.String(),
			"error", err,
		)
		queueRetried(backend)
	case ActionExhausted:
		if errors.Is(err, models.ErrLeaseHeld) {
			o.Logger.WarnContext(ctx, "Job gave up waiting for video lease",
				"videoId", job.VideoID,
				"attempt", job.Attempt,
			)
		} else {
			o.Logger.ErrorContext(ctx, "Job exhausted retries",
				"videoId", job.VideoID,
				"attempt", job.Attempt,
				"error", err,
			)
		}
		queueExhausted(backend)
		if o.OnExhausted != nil {
			o.OnExhausted(context.WithoutCancel(ctx), job, err)
		}
	case ActionDrop:
		o.Logger.WarnContext(ctx, "Dropping job after permanent error",
			"videoId", job.VideoID,
			"error", err,
		)
	}
	return d
}
