package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// DefaultMemoryBuffer is the number of jobs a MemoryQueue holds before Enqueue fails.
const DefaultMemoryBuffer = 1024

var errQueueFull = errors.New("queue is full")

// MemoryQueue is an in-process Queue for single-binary deployments. Jobs
// do not survive a restart; videos left in processing are picked up again
// by re-enqueueing them at startup.
type MemoryQueue struct {
	opts Options
	jobs chan models.ProcessingJob

	mu sync.Mutex
	// pending counts queued or running jobs per video.
	pending map[string]int
	timers  map[*time.Timer]struct{}
	stopped bool
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an in-memory queue.
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:    opts.withDefaults(),
		jobs:    make(chan models.ProcessingJob, DefaultMemoryBuffer),
		pending: make(map[string]int),
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Enqueue queues a job. A plain enqueue for a video that already has a
// job pending is a no-op.
func (q *MemoryQueue) Enqueue(ctx context.Context, videoID string, opts ...EnqueueOption) error {
	job, err := newJob(videoID, opts)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return &models.QueueDeliveryError{VideoID: videoID, Err: errors.New("queue is stopped")}
	}
	if q.pending[videoID] > 0 && !job.Force {
		q.opts.Logger.DebugContext(ctx, "Job already pending", "videoId", videoID)
		return nil
	}

	select {
	case q.jobs <- job:
	default:
		return &models.QueueDeliveryError{VideoID: videoID, Err: errQueueFull}
	}
	q.pending[videoID]++
	queueEnqueued(BackendMemory)
	return nil
}

// Pending reports whether a job for videoID is queued, running or waiting to retry.
func (q *MemoryQueue) Pending(videoID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[videoID] > 0
}

// Run starts the worker pool and blocks until the context is cancelled.
func (q *MemoryQueue) Run(ctx context.Context, h Handler) error {
	q.opts.Logger.InfoContext(ctx, "Starting in-memory queue", "maxConcurrent", q.opts.Concurrency)

	var wg sync.WaitGroup
	for range q.opts.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.jobs:
					q.handle(ctx, job, h)
				}
			}
		}()
	}

	<-ctx.Done()
	q.opts.Logger.InfoContext(ctx, "Waiting for in-progress jobs to complete...")
	wg.Wait()

	q.mu.Lock()
	q.stopped = true
	for t := range q.timers {
		t.Stop()
	}
	clear(q.timers)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) handle(ctx context.Context, job models.ProcessingJob, h Handler) {
	job.Attempt++
	err := h(ctx, job)
	if err != nil && ctx.Err() != nil {
		q.done(job.VideoID)
		return
	}

	d := settle(ctx, q.opts, BackendMemory, job, err)
	if d.Action != ActionRetry {
		q.done(job.VideoID)
		return
	}
	q.retryAfter(job, d.Delay)
}

func (q *MemoryQueue) retryAfter(job models.ProcessingJob, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		q.decLocked(job.VideoID)
		return
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, t)
		if q.stopped {
			return
		}
		select {
		case q.jobs <- job:
		default:
			q.opts.Logger.Error("Dropping retry, queue is full", "videoId", job.VideoID)
			q.decLocked(job.VideoID)
		}
	})
	q.timers[t] = struct{}{}
}

func (q *MemoryQueue) done(videoID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.decLocked(videoID)
}

func (q *MemoryQueue) decLocked(videoID string) {
	if q.pending[videoID] <= 1 {
		delete(q.pending, videoID)
		return
	}
	q.pending[videoID]--
}
