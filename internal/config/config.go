package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	LogLevel      string
	Media         MediaConfig
	Store         StoreConfig
	Queue         QueueConfig
	AWS           AWSConfig
	API           APIConfig
	Worker        WorkerConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
}

// MediaConfig holds the on-disk media layout configuration.
type MediaConfig struct {
	Root          string
	StagingMaxAge time.Duration
}

// StoreConfig selects the metadata store.
type StoreConfig struct {
	Backend    string
	SQLitePath string
}

// QueueConfig selects the job queue and its retry policy.
type QueueConfig struct {
	Backend         string
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Region          string
	SourceBucket    string
	ProcessedBucket string
	SQSQueueURL     string
	DynamoDBTable   string
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Port           string
	JWTSecret      string
	JWTCookieName  string
	ServeMaster    bool
	TrustedProxies []string
}

// WorkerConfig holds worker-specific configuration.
type WorkerConfig struct {
	MaxConcurrentJobs int
	TierConcurrency   int
	LeaseTTL          time.Duration
	JobTimeout        time.Duration
	MetricsPort       int
	FFmpegPath        string
	FFprobePath       string
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
	Enabled      bool
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Backend names.
const (
	StoreDynamoDB = "dynamodb"
	StoreSQLite   = "sqlite"
	QueueSQS      = "sqs"
	QueueMemory   = "memory"
)

// Default values
const (
	DefaultPort              = "8080"
	DefaultMetricsPort       = 2112
	DefaultMaxConcurrentJobs = 1
	DefaultTierConcurrency   = 3
	DefaultMaxAttempts       = 5
	DefaultRetryInitial      = 30 * time.Second
	DefaultRetryMax          = 15 * time.Minute
	DefaultLeaseTTL          = 2 * time.Minute
	DefaultJobTimeout        = 2 * time.Hour
	DefaultStagingMaxAge     = 6 * time.Hour
	DefaultMediaRoot         = "media"
	DefaultJWTCookie         = "access_token"
	DefaultOTLPEndpoint      = "localhost:4317"
	DefaultRegion            = "us-west-2"
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return load(StoreDynamoDB, QueueSQS)
}

func load(defaultStore, defaultQueue string) (*Config, error) {
	mediaRoot := getEnv("MEDIA_ROOT", DefaultMediaRoot)

	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Media: MediaConfig{
			Root:          mediaRoot,
			StagingMaxAge: getEnvDuration("STAGING_MAX_AGE", DefaultStagingMaxAge),
		},
		Store: StoreConfig{
			Backend:    strings.ToLower(getEnv("STORE_BACKEND", defaultStore)),
			SQLitePath: getEnv("SQLITE_PATH", filepath.Join(mediaRoot, "vod.db")),
		},
		Queue: QueueConfig{
			Backend:         strings.ToLower(getEnv("QUEUE_BACKEND", defaultQueue)),
			MaxAttempts:     getEnvInt("MAX_ATTEMPTS", DefaultMaxAttempts),
			InitialInterval: getEnvDuration("RETRY_INITIAL_INTERVAL", DefaultRetryInitial),
			MaxInterval:     getEnvDuration("RETRY_MAX_INTERVAL", DefaultRetryMax),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", DefaultRegion),
			SourceBucket:    os.Getenv("S3_BUCKET"),
			ProcessedBucket: os.Getenv("PROCESSED_BUCKET"),
			SQSQueueURL:     os.Getenv("SQS_QUEUE_URL"),
			DynamoDBTable:   os.Getenv("DYNAMODB_TABLE"),
		},
		API: APIConfig{
			Port:           getEnv("PORT", DefaultPort),
			JWTSecret:      os.Getenv("JWT_SECRET"),
			JWTCookieName:  getEnv("JWT_COOKIE_NAME", DefaultJWTCookie),
			ServeMaster:    getEnvBool("SERVE_MASTER_PLAYLIST", true),
			TrustedProxies: getEnvSlice("TRUSTED_PROXIES", nil),
		},
		Worker: WorkerConfig{
			MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", DefaultMaxConcurrentJobs),
			TierConcurrency:   getEnvInt("TIER_CONCURRENCY", DefaultTierConcurrency),
			LeaseTTL:          getEnvDuration("LEASE_TTL", DefaultLeaseTTL),
			JobTimeout:        getEnvDuration("JOB_TIMEOUT", DefaultJobTimeout),
			MetricsPort:       getEnvInt("METRICS_PORT", DefaultMetricsPort),
			FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:       getEnv("FFPROBE_PATH", "ffprobe"),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
			Enabled:      getEnvBool("OTEL_ENABLED", true),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
			}),
		},
	}

	return cfg, nil
}

// LoadAPI loads configuration required for the API service.
func LoadAPI() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateAPI(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWorker loads configuration required for the Worker service.
func LoadWorker() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadServer loads configuration for the single-process server, which
// defaults to the SQLite store and the in-memory queue.
func LoadServer() (*Config, error) {
	cfg, err := load(StoreSQLite, QueueMemory)
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateAPI validates configuration required for the API service.
func (c *Config) ValidateAPI() error {
	var errs []string

	errs = append(errs, c.validateStore()...)
	errs = append(errs, c.validateQueue(false)...)
	errs = append(errs, c.validateAuth()...)
	if c.Media.Root == "" {
		errs = append(errs, "MEDIA_ROOT is required")
	}

	return joinErrors(errs)
}

// ValidateWorker validates configuration required for the Worker service.
func (c *Config) ValidateWorker() error {
	var errs []string

	errs = append(errs, c.validateStore()...)
	errs = append(errs, c.validateQueue(false)...)
	errs = append(errs, c.validateWorker()...)

	return joinErrors(errs)
}

// ValidateServer validates configuration for the single-process server.
func (c *Config) ValidateServer() error {
	var errs []string

	errs = append(errs, c.validateStore()...)
	errs = append(errs, c.validateQueue(true)...)
	errs = append(errs, c.validateAuth()...)
	errs = append(errs, c.validateWorker()...)

	return joinErrors(errs)
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Backend {
	case StoreDynamoDB:
		if c.AWS.DynamoDBTable == "" {
			errs = append(errs, "DYNAMODB_TABLE is required")
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, "SQLITE_PATH is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown STORE_BACKEND %q", c.Store.Backend))
	}
	return errs
}

func (c *Config) validateQueue(inProcess bool) []string {
	var errs []string
	switch c.Queue.Backend {
	case QueueSQS:
		if c.AWS.SQSQueueURL == "" {
			errs = append(errs, "SQS_QUEUE_URL is required")
		}
	case QueueMemory:
		if !inProcess {
			errs = append(errs, "QUEUE_BACKEND=memory only works in the single-process server")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown QUEUE_BACKEND %q", c.Queue.Backend))
	}
	if c.Queue.MaxInterval < c.Queue.InitialInterval {
		errs = append(errs, "RETRY_MAX_INTERVAL must not be less than RETRY_INITIAL_INTERVAL")
	}
	return errs
}

func (c *Config) validateAuth() []string {
	var errs []string
	if c.IsProduction() {
		if c.API.JWTSecret == "" {
			errs = append(errs, "JWT_SECRET is required in production")
		} else if len(c.API.JWTSecret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}
	}
	return errs
}

func (c *Config) validateWorker() []string {
	var errs []string
	if c.Media.Root == "" {
		errs = append(errs, "MEDIA_ROOT is required")
	}
	if c.Worker.TierConcurrency > 3 {
		errs = append(errs, "TIER_CONCURRENCY must be between 1 and 3")
	}
	if c.Worker.LeaseTTL < 10*time.Second {
		errs = append(errs, "LEASE_TTL must be at least 10s")
	}
	// The sweeper must never reap staging output of a run still in its time limit.
	if c.Media.StagingMaxAge > 0 && c.Worker.JobTimeout > 0 && c.Media.StagingMaxAge <= c.Worker.JobTimeout {
		errs = append(errs, "STAGING_MAX_AGE must be greater than JOB_TIMEOUT")
	}
	return errs
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// GetJWTSecret returns the JWT secret used to verify access tokens.
func (c *Config) GetJWTSecret() ([]byte, error) {
	secret := c.API.JWTSecret

	if secret == "" {
		if c.IsProduction() {
			return nil, errors.New("JWT_SECRET not configured")
		}
		return nil, errors.New("JWT_SECRET is required (set it even for development)")
	}

	if len(secret) < 32 && c.IsProduction() {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}

	return []byte(secret), nil
}

func joinErrors(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
