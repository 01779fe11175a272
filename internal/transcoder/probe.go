package transcoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/internal/runner"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// ProbeResult holds the stream metadata the pipeline needs from a source file.
type ProbeResult struct {
	DurationSeconds float64
	HasVideo        bool
	HasAudio        bool
	Width           int
	Height          int
	VideoCodec      string
	AudioCodec      string
	FormatName      string
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

type ffprobeStream struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Duration  string `json:"duration"`
}

type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

// Prober inspects source files with ffprobe.
type Prober struct {
	runner runner.Runner
	path   string
}

// NewProber creates a prober that invokes the ffprobe binary at path.
func NewProber(r runner.Runner, ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{runner: r, path: ffprobePath}
}

// Probe returns duration and stream information for the file at path.
// Any failure is reported as a *models.ProbeError.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, span := tracer.Start(ctx, "probe")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	}()

	if _, err := os.Stat(path); err != nil {
		return nil, &models.ProbeError{Path: path, Err: err}
	}

	res, err := p.runner.Run(ctx, runner.Command{
		Name: p.path,
		Args: []string{
			"-v", "error",
			"-print_format", "json",
			"-show_format",
			"-show_streams",
			path,
		},
	})
	if err != nil {
		// Cancellation is not a verdict on the input.
		if errors.Is(err, models.ErrContextCanceled) {
			return nil, err
		}
		return nil, &models.ProbeError{Path: path, Err: err}
	}

	result, err := parseProbeOutput(res.Stdout)
	if err != nil {
		return nil, &models.ProbeError{Path: path, Err: err}
	}

	span.SetAttributes(
		attribute.Float64("video.duration", result.DurationSeconds),
		attribute.Bool("video.has_audio", result.HasAudio),
	)
	return result, nil
}

func parseProbeOutput(data []byte) (*ProbeResult, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	result := &ProbeResult{FormatName: out.Format.FormatName}
	var streamDuration float64
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if result.HasVideo {
				continue
			}
			result.HasVideo = true
			result.Width = s.Width
			result.Height = s.Height
			result.VideoCodec = s.CodecName
			if d, err := strconv.ParseFloat(s.Duration, 64); err == nil {
				streamDuration = d
			}
		case "audio":
			if !result.HasAudio {
				result.HasAudio = true
				result.AudioCodec = s.CodecName
			}
		}
	}

	duration, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil {
		if streamDuration <= 0 {
			return nil, fmt.Errorf("missing duration in ffprobe output")
		}
		duration = streamDuration
	}
	if duration < 0 {
		return nil, fmt.Errorf("negative duration %f", duration)
	}
	result.DurationSeconds = duration
	return result, nil
}
