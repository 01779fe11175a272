package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/internal/delivery"
	"github.com/amillerrr/vod-pipeline/internal/media"
	"github.com/amillerrr/vod-pipeline/internal/pipeline"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// Upload configuration
const (
	MaxConcurrentUploads = 20
)

// S3PutObjectAPI is the S3 call used to mirror renditions.
type S3PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader mirrors published renditions to a bucket, keyed by their path
// under the media root.
type Uploader struct {
	s3Client S3PutObjectAPI
	bucket   string
	layout   *media.Layout
	log      *slog.Logger
}

var _ pipeline.Mirror = (*Uploader)(nil)

// NewUploader creates a new Uploader.
func NewUploader(s3Client S3PutObjectAPI, bucket string, layout *media.Layout, log *slog.Logger) *Uploader {
	return &Uploader{
		s3Client: s3Client,
		bucket:   bucket,
		layout:   layout,
		log:      log,
	}
}

// Mirror uploads the given tiers, the master playlist and the thumbnail.
func (u *Uploader) Mirror(ctx context.Context, videoID string, tiers []string) error {
	ctx, span := tracer.Start(ctx, "upload-hls")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", videoID))

	files, err := u.collect(videoID, tiers)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUploadFailed, err)
	}

	var filesUploaded atomic.Int64
	var totalBytes atomic.Int64
	var firstErr atomic.Pointer[error]

	sem := make(chan struct{}, MaxConcurrentUploads)
	var wg sync.WaitGroup

	for _, filePath := range files {
		if firstErr.Load() != nil {
			break
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return fmt.Errorf("%w: during upload", models.ErrContextCanceled)
		}

		wg.Add(1)
		go func(filePath string) {
			defer wg.Done()
			defer func() { <-sem }()

			if firstErr.Load() != nil {
				return
			}

			n, err := u.uploadFile(ctx, filePath)
			if err != nil {
				firstErr.CompareAndSwap(nil, &err)
				return
			}

			filesUploaded.Add(1)
			totalBytes.Add(n)
		}(filePath)
	}

	wg.Wait()

	if errPtr := firstErr.Load(); errPtr != nil {
		return fmt.Errorf("%w: %w", models.ErrUploadFailed, *errPtr)
	}

	uploaded := filesUploaded.Load()
	bytes := totalBytes.Load()

	span.SetAttributes(
		attribute.Int64("files.uploaded", uploaded),
		attribute.Int64("bytes.total", bytes),
	)

	u.log.InfoContext(ctx, "HLS upload complete",
		"videoId", videoID,
		"bucket", u.bucket,
		"filesUploaded", uploaded,
		"totalBytes", bytes,
	)

	return nil
}

// collect lists the files to mirror. Missing master and thumbnail files
// are skipped, since both are optional outputs.
func (u *Uploader) collect(videoID string, tiers []string) ([]string, error) {
	var files []string
	for _, tier := range tiers {
		entries, err := os.ReadDir(u.layout.TierDir(videoID, tier))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Type().IsRegular() {
				files = append(files, filepath.Join(u.layout.TierDir(videoID, tier), e.Name()))
			}
		}
	}
	for _, optional := range []string{
		filepath.Join(u.layout.VideoHLSDir(videoID), media.MasterManifestName),
		u.layout.ThumbnailFile(videoID),
	} {
		if info, err := os.Stat(optional); err == nil && info.Mode().IsRegular() {
			files = append(files, optional)
		}
	}
	return files, nil
}

func (u *Uploader) uploadFile(ctx context.Context, filePath string) (int64, error) {
	rel, err := u.layout.Rel(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to get relative path: %w", err)
	}
	s3Key := filepath.ToSlash(rel)

	file, err := os.Open(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open file %s: %w", filePath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat file %s: %w", filePath, err)
	}

	contentType, cacheControl := contentHeaders(filePath)
	_, err = u.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(s3Key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
		CacheControl:  aws.String(cacheControl),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload %s: %w", s3Key, err)
	}

	u.log.DebugContext(ctx, "Uploaded file", "key", s3Key)
	return info.Size(), nil
}

// contentHeaders returns the Content-Type and Cache-Control the delivery
// endpoints would send for the file.
func contentHeaders(filePath string) (string, string) {
	switch {
	case strings.HasSuffix(filePath, ".m3u8"):
		return delivery.ManifestContentType, delivery.ManifestCacheControl
	case strings.HasSuffix(filePath, ".ts"):
		return delivery.SegmentContentType, delivery.SegmentCacheControl
	case strings.HasSuffix(filePath, ".jpg"):
		return "image/jpeg", delivery.SegmentCacheControl
	default:
		return "application/octet-stream", "no-cache"
	}
}
