package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// SQS configuration constants
const (
	SQSMaxMessages       = 1
	SQSWaitTimeSeconds   = 20
	SQSVisibilityTimeout = 900 // 15 minutes
	SQSMaxVisibility     = 12 * time.Hour
	RetryBackoffPeriod   = 5 * time.Second
)

var tracer = otel.Tracer("vod-queue")

// SQSAPI is the subset of the SQS client used by SQSQueue.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSQueue is a Queue backed by an SQS standard or FIFO queue. Retries
// reuse the received message: its visibility is pushed out by the backoff
// delay and SQS redelivers it with an incremented receive count.
type SQSQueue struct {
	client   SQSAPI
	queueURL string
	fifo     bool
	opts     Options

	// visibility is the lock held on a message while it is handled.
	visibility time.Duration
}

var _ Queue = (*SQSQueue)(nil)

// NewSQSQueue creates a queue for queueURL. FIFO queues are detected by the .fifo suffix.
func NewSQSQueue(client SQSAPI, queueURL string, opts Options) *SQSQueue {
	return &SQSQueue{
		client:     client,
		queueURL:   queueURL,
		fifo:       strings.HasSuffix(queueURL, ".fifo"),
		opts:       opts.withDefaults(),
		visibility: SQSVisibilityTimeout * time.Second,
	}
}

// Enqueue sends a job message.
func (q *SQSQueue) Enqueue(ctx context.Context, videoID string, opts ...EnqueueOption) error {
	job, err := newJob(videoID, opts)
	if err != nil {
		return err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return &models.QueueDeliveryError{VideoID: videoID, Err: err}
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if q.fifo {
		input.MessageGroupId = aws.String(videoID)
		// Concurrent plain enqueues for a video collapse inside the
		// deduplication window; forced ones always go through.
		dedup := videoID
		if job.Force {
			dedup = videoID + "-" + uuid.NewString()
		}
		input.MessageDeduplicationId = aws.String(dedup)
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return &models.QueueDeliveryError{VideoID: videoID, Err: err}
	}
	queueEnqueued(BackendSQS)
	return nil
}

// Run polls the queue and blocks until the context is cancelled.
func (q *SQSQueue) Run(ctx context.Context, h Handler) error {
	log := q.opts.Logger
	log.InfoContext(ctx, "Starting queue polling",
		"queueURL", q.queueURL,
		"maxConcurrent", q.opts.Concurrency,
	)

	sem := make(chan struct{}, q.opts.Concurrency)
	var wg sync.WaitGroup

messageLoop:
	for {
		select {
		case <-ctx.Done():
			break messageLoop
		default:
		}

		// Wait for a free slot before taking a message lock.
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break messageLoop
		}

		result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: SQSMaxMessages,
			WaitTimeSeconds:     SQSWaitTimeSeconds,
			VisibilityTimeout:   int32(q.visibility.Seconds()),
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				continue // Shutting down
			}
			log.ErrorContext(ctx, "Failed to receive messages", "error", err)
			sleepCtx(ctx, RetryBackoffPeriod)
			continue
		}
		if len(result.Messages) == 0 {
			<-sem
			continue
		}

		wg.Add(1)
		go func(msg types.Message) {
			defer wg.Done()
			defer func() { <-sem }()
			q.handleMessage(ctx, msg, h)
		}(result.Messages[0])
	}

	log.InfoContext(ctx, "Waiting for in-progress jobs to complete...")
	wg.Wait()
	log.InfoContext(ctx, "All jobs completed, shutting down")
	return nil
}

func (q *SQSQueue) handleMessage(ctx context.Context, msg types.Message, h Handler) {
	ctx, span := tracer.Start(ctx, "process-message")
	defer span.End()

	log := q.opts.Logger
	// Acks outlive shutdown so a finished job is not redelivered.
	ackCtx := context.WithoutCancel(ctx)

	job, err := parseJob(msg)
	if err != nil {
		log.ErrorContext(ctx, "Discarding malformed job message",
			"messageId", aws.ToString(msg.MessageId),
			"error", err,
		)
		q.delete(ackCtx, msg)
		return
	}
	job.Attempt = receiveCount(msg)
	span.SetAttributes(
		attribute.String("video.id", job.VideoID),
		attribute.Int("job.attempt", job.Attempt),
	)

	stop := q.keepVisible(ctx, msg)
	err = h(ctx, job)
	stop()

	if err != nil && ctx.Err() != nil {
		// Shutdown: leave the message to reappear for another worker.
		log.InfoContext(ackCtx, "Job interrupted by shutdown", "videoId", job.VideoID)
		return
	}

	d := settle(ctx, q.opts, BackendSQS, job, err)
	if d.Action == ActionRetry {
		q.setVisibility(ackCtx, msg, d.Delay)
		return
	}
	q.delete(ackCtx, msg)
}

// keepVisible extends the message lock while a long job runs.
func (q *SQSQueue) keepVisible(ctx context.Context, msg types.Message) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(q.visibility / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.setVisibility(ctx, msg, q.visibility)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (q *SQSQueue) setVisibility(ctx context.Context, msg types.Message, d time.Duration) {
	d = min(d, SQSMaxVisibility)
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     msg.ReceiptHandle,
		VisibilityTimeout: int32(d.Seconds()),
	})
	if err != nil && ctx.Err() == nil {
		q.opts.Logger.ErrorContext(ctx, "Failed to change message visibility",
			"messageId", aws.ToString(msg.MessageId),
			"error", err,
		)
	}
}

func (q *SQSQueue) delete(ctx context.Context, msg types.Message) {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		q.opts.Logger.ErrorContext(ctx, "Failed to delete message",
			"messageId", aws.ToString(msg.MessageId),
			"error", err,
		)
	}
}

func parseJob(msg types.Message) (models.ProcessingJob, error) {
	var job models.ProcessingJob
	if msg.Body == nil {
		return job, fmt.Errorf("%w: empty message body", models.ErrJobParseFailed)
	}
	if err := json.Unmarshal([]byte(*msg.Body), &job); err != nil {
		return job, fmt.Errorf("%w: %v", models.ErrJobParseFailed, err)
	}
	if err := job.Validate(); err != nil {
		return job, fmt.Errorf("%w: %v", models.ErrJobParseFailed, err)
	}
	return job, nil
}

func receiveCount(msg types.Message) int {
	n, err := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
