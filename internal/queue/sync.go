package queue

import (
	"context"
	"errors"
	"sync"
)

var errNoHandler = errors.New("no handler bound")

// SyncQueue runs jobs inline inside Enqueue, retrying immediately without
// waiting out the backoff delay. It is meant for tests and tooling.
type SyncQueue struct {
	opts Options

	mu      sync.RWMutex
	handler Handler
}

var _ Queue = (*SyncQueue)(nil)

// NewSyncQueue creates an inline queue.
func NewSyncQueue(opts Options) *SyncQueue {
	return &SyncQueue{opts: opts.withDefaults()}
}

// SetHandler binds the handler used by Enqueue.
func (q *SyncQueue) SetHandler(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

// Enqueue handles the job to completion and returns the error of its last
// attempt, or nil once it is acknowledged.
func (q *SyncQueue) Enqueue(ctx context.Context, videoID string, opts ...EnqueueOption) error {
	job, err := newJob(videoID, opts)
	if err != nil {
		return err
	}

	q.mu.RLock()
	h := q.handler
	q.mu.RUnlock()
	if h == nil {
		return errNoHandler
	}
	queueEnqueued(BackendSync)

	for {
		job.Attempt++
		err := h(ctx, job)
		if err != nil && ctx.Err() != nil {
			return err
		}
		d := settle(ctx, q.opts, BackendSync, job, err)
		if d.Action != ActionRetry {
			return err
		}
	}
}

// Run binds h and blocks until ctx is done.
func (q *SyncQueue) Run(ctx context.Context, h Handler) error {
	q.SetHandler(h)
	<-ctx.Done()
	return nil
}
