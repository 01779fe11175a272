// Package app builds the components shared by the api, worker and server
// binaries from a loaded configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"

	"github.com/amillerrr/vod-pipeline/internal/api"
	"github.com/amillerrr/vod-pipeline/internal/auth"
	"github.com/amillerrr/vod-pipeline/internal/config"
	"github.com/amillerrr/vod-pipeline/internal/delivery"
	"github.com/amillerrr/vod-pipeline/internal/health"
	"github.com/amillerrr/vod-pipeline/internal/media"
	"github.com/amillerrr/vod-pipeline/internal/observability"
	"github.com/amillerrr/vod-pipeline/internal/pipeline"
	"github.com/amillerrr/vod-pipeline/internal/queue"
	"github.com/amillerrr/vod-pipeline/internal/runner"
	"github.com/amillerrr/vod-pipeline/internal/storage"
	"github.com/amillerrr/vod-pipeline/internal/transcoder"
	"github.com/amillerrr/vod-pipeline/internal/worker"
)

// Timeouts
const (
	AWSConfigTimeout      = 10 * time.Second
	TracerShutdownTimeout = 5 * time.Second
)

// InitTracing installs the tracer for service and returns a func that
// flushes it.
func InitTracing(ctx context.Context, service string, cfg *config.Config, log *slog.Logger) (func(), error) {
	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:  service,
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		Enabled:      cfg.Observability.Enabled,
	})
	if err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}, nil
}

// NeedsAWS reports whether any configured backend talks to AWS.
func NeedsAWS(cfg *config.Config) bool {
	return cfg.Store.Backend == config.StoreDynamoDB ||
		cfg.Queue.Backend == config.QueueSQS ||
		cfg.AWS.SourceBucket != "" ||
		cfg.AWS.ProcessedBucket != ""
}

// LoadAWS loads the instrumented AWS configuration, or returns nil when
// nothing needs it.
func LoadAWS(ctx context.Context, cfg *config.Config) (*aws.Config, error) {
	if !NeedsAWS(cfg) {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, AWSConfigTimeout)
	defer cancel()

	awsCfg, err := storage.LoadAWSConfig(ctx, cfg.AWS.Region)
	if err != nil {
		return nil, err
	}
	return &awsCfg, nil
}

// OpenStore opens the configured metadata store.
func OpenStore(cfg *config.Config, awsCfg *aws.Config) (storage.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		s, err := storage.NewSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreDynamoDB:
		if awsCfg == nil {
			return nil, fmt.Errorf("dynamodb store requires AWS configuration")
		}
		s, err := storage.NewDynamoStore(dynamodb.NewFromConfig(*awsCfg), cfg.AWS.DynamoDBTable)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// RetryPolicy converts the queue configuration into a retry policy.
func RetryPolicy(cfg *config.Config) queue.RetryPolicy {
	p := queue.DefaultRetryPolicy()
	p.MaxAttempts = cfg.Queue.MaxAttempts
	p.InitialInterval = cfg.Queue.InitialInterval
	p.MaxInterval = cfg.Queue.MaxInterval
	return p
}

// OpenQueue builds the configured queue backend. Failures after the last
// attempt are recorded on the video through store.
func OpenQueue(cfg *config.Config, awsCfg *aws.Config, store storage.Store, log *slog.Logger) (queue.Queue, error) {
	opts := queue.Options{
		Policy:      RetryPolicy(cfg),
		OnExhausted: worker.ExhaustedHandler(store, log),
		Concurrency: cfg.Worker.MaxConcurrentJobs,
		Logger:      log,
	}
	switch cfg.Queue.Backend {
	case config.QueueMemory:
		return queue.NewMemoryQueue(opts), nil
	case config.QueueSQS:
		if awsCfg == nil {
			return nil, fmt.Errorf("sqs queue requires AWS configuration")
		}
		return queue.NewSQSQueue(sqs.NewFromConfig(*awsCfg), cfg.AWS.SQSQueueURL, opts), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
}

// PipelineDeps are the inputs to NewOrchestrator.
type PipelineDeps struct {
	Config   *config.Config
	AWS      *aws.Config
	Store    storage.Store
	Layout   *media.Layout
	Enqueuer queue.Enqueuer
	Runner   runner.Runner
	Logger   *slog.Logger
}

// NewOrchestrator wires the ffmpeg tools, the source fetcher and the
// optional processed-bucket mirror into an orchestrator.
func NewOrchestrator(d PipelineDeps) *pipeline.Orchestrator {
	cfg := d.Config
	var s3Client *s3.Client
	if d.AWS != nil {
		s3Client = s3.NewFromConfig(*d.AWS)
	}

	var fetcher pipeline.SourceFetcher = &pipeline.LocalFetcher{Layout: d.Layout}
	if s3Client != nil {
		fetcher = worker.NewDownloader(s3Client, fetcher, "", d.Logger)
	}

	var mirror pipeline.Mirror
	if s3Client != nil && cfg.AWS.ProcessedBucket != "" {
		mirror = worker.NewUploader(s3Client, cfg.AWS.ProcessedBucket, d.Layout, d.Logger)
	}

	ffmpeg := transcoder.DefaultFFmpegConfig(d.Logger)
	ffmpeg.FFmpegPath = cfg.Worker.FFmpegPath

	return pipeline.New(&pipeline.Config{
		Store:           d.Store,
		Layout:          d.Layout,
		Prober:          transcoder.NewProber(d.Runner, cfg.Worker.FFprobePath),
		Thumbnailer:     transcoder.NewThumbnailer(d.Runner, cfg.Worker.FFmpegPath),
		Transcoder:      transcoder.NewTranscoder(ffmpeg, d.Runner),
		Fetcher:         fetcher,
		Mirror:          mirror,
		Enqueuer:        d.Enqueuer,
		Presets:         ffmpeg.Presets,
		TierConcurrency: cfg.Worker.TierConcurrency,
		LeaseTTL:        cfg.Worker.LeaseTTL,
		JobTimeout:      cfg.Worker.JobTimeout,
		Owner:           workerID(),
		Logger:          d.Logger,
	})
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// NewHealthChecker builds a checker covering the configured dependencies.
func NewHealthChecker(service string, cfg *config.Config, awsCfg *aws.Config, store storage.Store, withTools bool, log *slog.Logger) *health.Checker {
	hc := health.DefaultConfig(service, log)
	hc.Store = store
	if awsCfg != nil {
		if cfg.AWS.SourceBucket != "" {
			hc.S3Client = s3.NewFromConfig(*awsCfg)
			hc.S3Bucket = cfg.AWS.SourceBucket
		}
		if cfg.Queue.Backend == config.QueueSQS {
			hc.SQSClient = sqs.NewFromConfig(*awsCfg)
			hc.SQSQueueURL = cfg.AWS.SQSQueueURL
		}
	}
	if withTools {
		hc.Binaries = []string{cfg.Worker.FFmpegPath, cfg.Worker.FFprobePath}
	}
	return health.NewChecker(hc)
}

// APIDeps are the inputs to NewAPIServer.
type APIDeps struct {
	Config   *config.Config
	Store    storage.Store
	Layout   *media.Layout
	Enqueuer queue.Enqueuer
	// Resubmitter is optional; see api.HandlersConfig.
	Resubmitter api.Resubmitter
	Health      *health.Checker
	Logger      *slog.Logger
}

// NewAPIServer builds the HTTP server with token verification and delivery.
func NewAPIServer(d APIDeps) (*api.Server, error) {
	secret, err := d.Config.GetJWTSecret()
	if err != nil {
		return nil, err
	}
	jwtService, err := auth.NewJWTService(secret, d.Config.API.JWTCookieName)
	if err != nil {
		return nil, err
	}

	rlCfg := auth.DefaultRateLimiterConfig()
	rlCfg.TrustedProxies = d.Config.API.TrustedProxies

	return api.NewServer(&api.ServerConfig{
		Config:        d.Config,
		Logger:        d.Logger,
		Store:         d.Store,
		Delivery:      delivery.NewService(d.Store, d.Layout, transcoder.DefaultPresets),
		Enqueuer:      d.Enqueuer,
		Resubmitter:   d.Resubmitter,
		JWTService:    jwtService,
		RateLimiter:   auth.NewRateLimiter(rlCfg),
		HealthChecker: d.Health,
	})
}
