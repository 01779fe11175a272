package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/internal/pipeline"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// DefaultTempDir holds sources downloaded for the duration of a run.
const DefaultTempDir = "/tmp/uploads"

const s3Scheme = "s3://"

// S3GetObjectAPI is the S3 call used to download sources.
type S3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Downloader fetches s3:// sources into a temp file and hands every other
// source path to a local fetcher.
type Downloader struct {
	s3Client S3GetObjectAPI
	local    pipeline.SourceFetcher
	tempDir  string
	log      *slog.Logger
}

var _ pipeline.SourceFetcher = (*Downloader)(nil)

// NewDownloader creates a Downloader. s3Client may be nil when no
// sources live in S3.
func NewDownloader(s3Client S3GetObjectAPI, local pipeline.SourceFetcher, tempDir string, log *slog.Logger) *Downloader {
	if tempDir == "" {
		tempDir = DefaultTempDir
	}
	return &Downloader{
		s3Client: s3Client,
		local:    local,
		tempDir:  tempDir,
		log:      log,
	}
}

// ParseS3URI splits s3://bucket/key. ok is false for any other path.
func ParseS3URI(uri string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(uri, s3Scheme)
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// Fetch makes the video's source available locally.
func (d *Downloader) Fetch(ctx context.Context, video *models.Video) (string, func(), error) {
	if !strings.HasPrefix(video.SourcePath, s3Scheme) {
		return d.local.Fetch(ctx, video)
	}
	bucket, key, ok := ParseS3URI(video.SourcePath)
	if !ok {
		return "", nil, fmt.Errorf("%w: malformed source %q", models.ErrNotFound, video.SourcePath)
	}
	if d.s3Client == nil {
		return "", nil, fmt.Errorf("no S3 client configured for source %s", video.SourcePath)
	}

	tmpPath, err := d.download(ctx, video.ID, bucket, key)
	if err != nil {
		return "", nil, err
	}
	return tmpPath, func() { d.cleanup(tmpPath) }, nil
}

func (d *Downloader) download(ctx context.Context, videoID, bucket, key string) (string, error) {
	ctx, span := tracer.Start(ctx, "download-video")
	defer span.End()
	span.SetAttributes(
		attribute.String("video.id", videoID),
		attribute.String("s3.bucket", bucket),
		attribute.String("s3.key", key),
	)

	if err := os.MkdirAll(d.tempDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(d.tempDir, fmt.Sprintf("%s-*%s", videoID, path.Ext(key)))
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	result, err := d.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		span.RecordError(err)
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return "", fmt.Errorf("%w: s3://%s/%s", models.ErrNotFound, bucket, key)
		}
		return "", fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	written, err := io.Copy(tmpFile, result.Body)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	span.SetAttributes(attribute.Int64("video.size_bytes", written))
	d.log.InfoContext(ctx, "Downloaded video",
		"videoId", videoID,
		"sizeBytes", written,
	)

	return tmpPath, nil
}

func (d *Downloader) cleanup(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.log.Warn("Failed to remove temp file", "path", path, "error", err)
	}
}
