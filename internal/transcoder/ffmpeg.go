package transcoder

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/internal/media"
	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/internal/runner"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

var tracer = otel.Tracer("vod-transcoder")

// FFmpegConfig holds configuration for FFmpeg execution.
type FFmpegConfig struct {
	FFmpegPath string
	Presets    []Preset
	Logger     *slog.Logger
}

// DefaultFFmpegConfig returns the default FFmpeg configuration.
func DefaultFFmpegConfig(logger *slog.Logger) *FFmpegConfig {
	return &FFmpegConfig{
		FFmpegPath: "ffmpeg",
		Presets:    DefaultPresets,
		Logger:     logger,
	}
}

// TierOutput describes a verified rendition written to a directory.
type TierOutput struct {
	Tier         string
	Dir          string
	SegmentCount int
	Duration     float64
}

// Transcoder produces one HLS rendition per invocation.
type Transcoder struct {
	config *FFmpegConfig
	runner runner.Runner
}

// NewTranscoder creates a new Transcoder with the given configuration.
func NewTranscoder(config *FFmpegConfig, r runner.Runner) *Transcoder {
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	return &Transcoder{config: config, runner: r}
}

// Presets returns the configured tier table.
func (t *Transcoder) Presets() []Preset {
	return t.config.Presets
}

// TranscodeTier encodes inputPath into a single-tier HLS rendition in outDir
// and verifies the result. Failures are reported as *models.TranscodeError.
func (t *Transcoder) TranscodeTier(ctx context.Context, inputPath string, preset Preset, outDir string) (*TierOutput, error) {
	ctx, span := tracer.Start(ctx, "transcode-tier")
	defer span.End()
	span.SetAttributes(attribute.String("tier", preset.Name))

	start := time.Now()

	_, err := t.runner.Run(ctx, runner.Command{
		Name: t.config.FFmpegPath,
		Args: buildFFmpegArgs(inputPath, preset, outDir),
	})
	if err != nil {
		metrics.RecordTierResult(preset.Name, false, time.Since(start))
		return nil, &models.TranscodeError{Tier: preset.Name, Err: fmt.Errorf("%w: %w", models.ErrFFmpegFailed, err)}
	}

	playlist, err := VerifyRendition(outDir)
	if err != nil {
		metrics.RecordTierResult(preset.Name, false, time.Since(start))
		return nil, &models.TranscodeError{Tier: preset.Name, Err: err}
	}

	metrics.RecordTierResult(preset.Name, true, time.Since(start))
	span.SetAttributes(attribute.Int("segments", len(playlist.Segments)))
	t.config.Logger.DebugContext(ctx, "Tier transcoded",
		"tier", preset.Name,
		"segments", len(playlist.Segments),
		"duration", time.Since(start).String(),
	)

	return &TierOutput{
		Tier:         preset.Name,
		Dir:          outDir,
		SegmentCount: len(playlist.Segments),
		Duration:     playlist.TotalDuration(),
	}, nil
}

// buildFFmpegArgs constructs the FFmpeg arguments for one tier. Keyframes
// are forced on every segment boundary so each segment starts with an IDR
// frame and has the exact target duration.
func buildFFmpegArgs(inputPath string, preset Preset, outDir string) []string {
	return []string{
		"-hide_banner",
		"-y",
		"-i", inputPath,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-vf", preset.ScaleFilter(),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-profile:v", "main",
		"-b:v", preset.Bitrate,
		"-maxrate", preset.MaxRate,
		"-bufsize", preset.BufSize,
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", SegmentDuration),
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", preset.AudioBPS,
		"-ac", "2",
		"-f", "hls",
		"-hls_time", strconv.Itoa(SegmentDuration),
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.Join(outDir, media.SegmentPattern),
		filepath.Join(outDir, media.ManifestName),
	}
}
