package transcoder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/disintegration/imaging"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/internal/runner"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

const (
	// ThumbnailOffset is the preferred capture point in seconds.
	ThumbnailOffset = 5.0
	ThumbnailWidth  = 320
	thumbnailJPEGQ  = 85
)

// ThumbnailOffsetFor clamps the capture point for short videos.
func ThumbnailOffsetFor(duration float64) float64 {
	return min(ThumbnailOffset, duration/2)
}

// Thumbnailer grabs a poster frame from a source video.
type Thumbnailer struct {
	runner runner.Runner
	ffmpeg string
}

// NewThumbnailer creates a thumbnailer that invokes the ffmpeg binary at path.
func NewThumbnailer(r runner.Runner, ffmpegPath string) *Thumbnailer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Thumbnailer{runner: r, ffmpeg: ffmpegPath}
}

// Extract writes a JPEG frame of inputPath to outputPath and returns the
// offset it was captured at. Failures are reported as *models.ThumbnailError.
func (t *Thumbnailer) Extract(ctx context.Context, videoID, inputPath, outputPath string, duration float64) (float64, error) {
	ctx, span := tracer.Start(ctx, "thumbnail")
	defer span.End()

	if duration <= 0 {
		return 0, &models.ThumbnailError{VideoID: videoID, Err: fmt.Errorf("non-positive duration %f", duration)}
	}
	offset := ThumbnailOffsetFor(duration)
	if offset > duration {
		return 0, &models.ThumbnailError{VideoID: videoID, Err: fmt.Errorf("offset %.3f exceeds duration %.3f", offset, duration)}
	}
	span.SetAttributes(attribute.Float64("thumbnail.offset", offset))

	res, err := t.runner.Run(ctx, runner.Command{
		Name: t.ffmpeg,
		Args: []string{
			"-hide_banner",
			"-ss", strconv.FormatFloat(offset, 'f', 3, 64),
			"-i", inputPath,
			"-frames:v", "1",
			"-f", "image2pipe",
			"-vcodec", "png",
			"-",
		},
	})
	if err != nil {
		return 0, &models.ThumbnailError{VideoID: videoID, Err: err}
	}
	if len(res.Stdout) == 0 {
		return 0, &models.ThumbnailError{VideoID: videoID, Err: fmt.Errorf("ffmpeg produced no frame at %.3fs", offset)}
	}

	if err := writeThumbnail(res.Stdout, outputPath); err != nil {
		return 0, &models.ThumbnailError{VideoID: videoID, Err: err}
	}
	return offset, nil
}

// writeThumbnail scales the decoded frame to ThumbnailWidth and writes it
// as JPEG through a temp file, so readers never see a partial image.
func writeThumbnail(frame []byte, outputPath string) error {
	img, err := imaging.Decode(bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	thumb := imaging.Resize(img, ThumbnailWidth, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(thumbnailJPEGQ)); err != nil {
		return fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create thumbnail directory: %w", err)
	}
	tmp := outputPath + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write thumbnail: %w", err)
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to publish thumbnail: %w", err)
	}
	return nil
}
