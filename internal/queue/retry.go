package queue

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// Retry defaults.
const (
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 30 * time.Second
	DefaultMaxInterval     = 15 * time.Minute
	DefaultMultiplier      = 2.0
)

// RetryPolicy is a bounded exponential backoff without jitter.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy returns 5 attempts at 30s, 1m, 2m, 4m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		Multiplier:      DefaultMultiplier,
	}
}

// Delay returns the wait before the attempt following attempt n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	if b.Multiplier <= 0 {
		b.Multiplier = DefaultMultiplier
	}
	b.RandomizationFactor = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < max(n, 1); i++ {
		d = b.NextBackOff()
	}
	return d
}

// Action is what a backend does with a finished delivery.
type Action int

const (
	// ActionAck removes a successful job.
	ActionAck Action = iota
	// ActionDrop removes a job that failed permanently.
	ActionDrop
	// ActionRetry redelivers the job after Delay.
	ActionRetry
	// ActionExhausted removes a job that failed its last attempt.
	ActionExhausted
)

// Decision is the outcome of applying a RetryPolicy.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Decide classifies the result of attempt n.
func (p RetryPolicy) Decide(n int, err error) Decision {
	switch {
	case err == nil:
		return Decision{Action: ActionAck}
	case models.IsPermanent(err):
		return Decision{Action: ActionDrop}
	case n >= p.MaxAttempts && !errors.Is(err, models.ErrLeaseLost):
		return Decision{Action: ActionExhausted}
	case n >= p.MaxAttempts:
		// A lost lease means another worker owns the video now.
		return Decision{Action: ActionDrop}
	}
	return Decision{Action: ActionRetry, Delay: p.Delay(n)}
}

func queueRetried(backend string) {
	metrics.QueueRetries.WithLabelValues(backend).Inc()
}

func queueExhausted(backend string) {
	metrics.QueueExhausted.WithLabelValues(backend).Inc()
}

func queueEnqueued(backend string) {
	metrics.JobsEnqueued.WithLabelValues(backend).Inc()
}
