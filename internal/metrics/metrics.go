package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Worker metrics
var (
	// VideosProcessed counts processing runs by terminal outcome.
	VideosProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hls",
			Name:      "videos_processed_total",
			Help:      "Total number of processing runs by outcome",
		},
		[]string{"status"},
	)

	// ProcessingDuration tracks the wall time of a whole processing run.
	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hls",
			Name:      "video_processing_duration_seconds",
			Help:      "Time taken to process videos",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"status"},
	)

	// ActiveJobs tracks the number of currently processing jobs.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hls",
			Name:      "active_jobs",
			Help:      "Number of currently processing jobs",
		},
	)

	// ProbeDuration tracks ffprobe run time.
	ProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "hls",
			Name:      "video_probe_duration_seconds",
			Help:      "Time taken to probe source videos",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10},
		},
	)

	// ThumbnailFailures counts runs that finished without a poster frame.
	ThumbnailFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hls",
			Name:      "thumbnail_failures_total",
			Help:      "Total number of failed thumbnail extractions",
		},
	)

	// TierTranscodes counts per-tier transcode results.
	TierTranscodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hls",
			Name:      "tier_transcodes_total",
			Help:      "Total number of tier transcodes by tier and result",
		},
		[]string{"tier", "result"},
	)

	// TranscodeDuration tracks the time taken to transcode one tier.
	TranscodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hls",
			Name:      "video_transcode_duration_seconds",
			Help:      "Time taken for FFmpeg transcoding of a single tier",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"resolution"},
	)

	// DownloadDuration tracks the time taken to fetch sources from S3.
	DownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "hls",
			Name:      "video_download_duration_seconds",
			Help:      "Time taken to download videos from S3",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)

	// UploadDuration tracks the time taken to mirror renditions to S3.
	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "hls",
			Name:      "video_upload_duration_seconds",
			Help:      "Time taken to upload HLS files to S3",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)

	// LeaseContention counts jobs that found another worker holding the video.
	LeaseContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hls",
			Name:      "lease_contention_total",
			Help:      "Total number of jobs that found the video lease held",
		},
	)

	// QueueRetries counts jobs scheduled for another attempt.
	QueueRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hls",
			Subsystem: "queue",
			Name:      "retries_total",
			Help:      "Total number of job retries",
		},
		[]string{"backend"},
	)

	// QueueExhausted counts jobs that ran out of attempts.
	QueueExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hls",
			Subsystem: "queue",
			Name:      "exhausted_total",
			Help:      "Total number of jobs that exhausted their retries",
		},
		[]string{"backend"},
	)

	// JobsEnqueued counts accepted enqueue calls.
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hls",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total number of jobs enqueued",
		},
		[]string{"backend"},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hls",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hls",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailures counts authentication failures by type.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hls",
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	// DeliveryRequests counts manifest and segment requests by result.
	DeliveryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hls",
			Subsystem: "api",
			Name:      "delivery_requests_total",
			Help:      "Total number of HLS delivery requests",
		},
		[]string{"kind", "result"},
	)

	// UploadsRegistered counts videos registered for processing.
	UploadsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hls",
			Subsystem: "api",
			Name:      "uploads_registered_total",
			Help:      "Total number of uploads registered for processing",
		},
	)
)

// RecordOutcome records the end of a processing run.
func RecordOutcome(status string, d time.Duration) {
	VideosProcessed.WithLabelValues(status).Inc()
	ProcessingDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordTierResult records the result of a single tier transcode.
func RecordTierResult(tier string, ok bool, d time.Duration) {
	result := "success"
	if !ok {
		result = "failed"
	}
	TierTranscodes.WithLabelValues(tier, result).Inc()
	TranscodeDuration.WithLabelValues(tier).Observe(d.Seconds())
}

// RecordDelivery records a delivery request result.
func RecordDelivery(kind, result string) {
	DeliveryRequests.WithLabelValues(kind, result).Inc()
}
