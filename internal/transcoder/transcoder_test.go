package transcoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/amillerrr/vod-pipeline/internal/runner"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// fakeRunner records commands and answers them with fn.
type fakeRunner struct {
	mu    sync.Mutex
	calls []runner.Command
	fn    func(cmd runner.Command) (*runner.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, cmd runner.Command) (*runner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()
	return f.fn(cmd)
}

func argAfter(args []string, flag string) string {
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

// fakeHLSOutput emulates ffmpeg's HLS muxer for a source of the given duration.
func fakeHLSOutput(duration float64) func(cmd runner.Command) (*runner.Result, error) {
	return func(cmd runner.Command) (*runner.Result, error) {
		manifest := cmd.Args[len(cmd.Args)-1]
		segPattern := argAfter(cmd.Args, "-hls_segment_filename")
		dir := filepath.Dir(manifest)

		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-VERSION:6\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:0\n")
		b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n#EXT-X-INDEPENDENT-SEGMENTS\n")
		n := int(math.Ceil(duration / SegmentDuration))
		for i := 0; i < n; i++ {
			segDur := math.Min(SegmentDuration, duration-float64(i*SegmentDuration))
			name := fmt.Sprintf(filepath.Base(segPattern), i)
			if err := os.WriteFile(filepath.Join(dir, name), []byte("ts-data"), 0644); err != nil {
				return nil, err
			}
			fmt.Fprintf(&b, "#EXTINF:%.6f,\n%s\n", segDur, name)
		}
		b.WriteString("#EXT-X-ENDLIST\n")
		if err := os.WriteFile(manifest, []byte(b.String()), 0644); err != nil {
			return nil, err
		}
		return &runner.Result{}, nil
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultPresets(t *testing.T) {
	tests := []struct {
		name      string
		width     int
		height    int
		bitrate   string
		maxRate   string
		bufSize   string
		bandwidth int
	}{
		{"480p", 854, 480, "1500k", "1750k", "3500k", 1846000},
		{"720p", 1280, 720, "3500k", "4000k", "8000k", 4128000},
		{"1080p", 1920, 1080, "6500k", "7500k", "15000k", 7692000},
	}

	if len(DefaultPresets) != len(tests) {
		t.Fatalf("len(DefaultPresets) = %d, want %d", len(DefaultPresets), len(tests))
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPresets[i]
			if p.Name != tt.name || p.Width != tt.width || p.Height != tt.height {
				t.Errorf("preset = %s %dx%d, want %s %dx%d", p.Name, p.Width, p.Height, tt.name, tt.width, tt.height)
			}
			if p.Bitrate != tt.bitrate || p.MaxRate != tt.maxRate || p.BufSize != tt.bufSize {
				t.Errorf("rates = %s/%s/%s, want %s/%s/%s", p.Bitrate, p.MaxRate, p.BufSize, tt.bitrate, tt.maxRate, tt.bufSize)
			}
			if p.Bandwidth != tt.bandwidth {
				t.Errorf("Bandwidth = %d, want %d", p.Bandwidth, tt.bandwidth)
			}
		})
	}
}

func TestGetPresetByName(t *testing.T) {
	tests := []struct {
		name       string
		wantHeight int
		wantNil    bool
	}{
		{"1080p", 1080, false},
		{"720p", 720, false},
		{"480p", 480, false},
		{"360p", 0, true},
		{"../480p", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetPresetByName(DefaultPresets, tt.name)
			if tt.wantNil {
				if got != nil {
					t.Errorf("GetPresetByName(%s) = %v, want nil", tt.name, got)
				}
			} else if got == nil || got.Height != tt.wantHeight {
				t.Errorf("GetPresetByName(%s) = %v, want height %d", tt.name, got, tt.wantHeight)
			}
		})
	}
}

func TestBuildFFmpegArgs(t *testing.T) {
	args := buildFFmpegArgs("/in/src.mp4", DefaultPresets[1], "/stage/720p")

	checks := map[string]string{
		"-i":                    "/in/src.mp4",
		"-vf":                   "scale=1280:720",
		"-b:v":                  "3500k",
		"-maxrate":              "4000k",
		"-bufsize":              "8000k",
		"-hls_time":             "10",
		"-hls_list_size":        "0",
		"-hls_flags":            "independent_segments",
		"-hls_playlist_type":    "vod",
		"-hls_segment_filename": "/stage/720p/seg_%d.ts",
		"-force_key_frames":     "expr:gte(t,n_forced*10)",
	}
	for flag, want := range checks {
		if got := argAfter(args, flag); got != want {
			t.Errorf("%s = %q, want %q", flag, got, want)
		}
	}
	if last := args[len(args)-1]; last != "/stage/720p/index.m3u8" {
		t.Errorf("output = %q, want manifest path", last)
	}
}

func TestTranscodeTierTwentySeconds(t *testing.T) {
	dir := t.TempDir()
	fr := &fakeRunner{fn: fakeHLSOutput(20)}
	tc := NewTranscoder(DefaultFFmpegConfig(testLogger()), fr)

	for _, preset := range DefaultPresets {
		out := filepath.Join(dir, preset.Name)
		if err := os.MkdirAll(out, 0755); err != nil {
			t.Fatal(err)
		}

		res, err := tc.TranscodeTier(context.Background(), "/in/src.mp4", preset, out)
		if err != nil {
			t.Fatalf("TranscodeTier(%s) error = %v", preset.Name, err)
		}
		if res.SegmentCount != 2 {
			t.Errorf("%s SegmentCount = %d, want 2", preset.Name, res.SegmentCount)
		}
		if res.Duration != 20 {
			t.Errorf("%s Duration = %v, want 20", preset.Name, res.Duration)
		}
	}
}

func TestTranscodeTierToolFailure(t *testing.T) {
	fr := &fakeRunner{fn: func(cmd runner.Command) (*runner.Result, error) {
		return &runner.Result{ExitCode: 1}, &runner.ExitError{Name: "ffmpeg", ExitCode: 1, Stderr: "Unknown encoder"}
	}}
	tc := NewTranscoder(DefaultFFmpegConfig(testLogger()), fr)

	_, err := tc.TranscodeTier(context.Background(), "/in/src.mp4", DefaultPresets[0], t.TempDir())

	var te *models.TranscodeError
	if !errors.As(err, &te) {
		t.Fatalf("expected TranscodeError, got %v", err)
	}
	if te.Tier != "480p" {
		t.Errorf("Tier = %s, want 480p", te.Tier)
	}
	if !errors.Is(err, models.ErrFFmpegFailed) {
		t.Errorf("expected ErrFFmpegFailed in chain, got %v", err)
	}
}

func TestTranscodeTierIncompleteOutput(t *testing.T) {
	fr := &fakeRunner{fn: func(cmd runner.Command) (*runner.Result, error) {
		manifest := cmd.Args[len(cmd.Args)-1]
		// Playlist without ENDLIST, as left by an interrupted muxer.
		content := "#EXTM3U\n#EXTINF:10.0,\nseg_0.ts\n"
		return &runner.Result{}, os.WriteFile(manifest, []byte(content), 0644)
	}}
	tc := NewTranscoder(DefaultFFmpegConfig(testLogger()), fr)

	_, err := tc.TranscodeTier(context.Background(), "/in/src.mp4", DefaultPresets[0], t.TempDir())

	var te *models.TranscodeError
	if !errors.As(err, &te) {
		t.Fatalf("expected TranscodeError, got %v", err)
	}
}

func TestParseMediaPlaylist(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantSegs int
		wantErr  bool
	}{
		{
			name:     "vod playlist",
			input:    "#EXTM3U\n#EXT-X-VERSION:6\n#EXT-X-TARGETDURATION:10\n#EXT-X-INDEPENDENT-SEGMENTS\n#EXTINF:10.000000,\nseg_0.ts\n#EXTINF:4.5,\nseg_1.ts\n#EXT-X-ENDLIST\n",
			wantSegs: 2,
		},
		{
			name:    "missing header",
			input:   "#EXTINF:10,\nseg_0.ts\n",
			wantErr: true,
		},
		{
			name:    "segment without extinf",
			input:   "#EXTM3U\nseg_0.ts\n",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseMediaPlaylist(strings.NewReader(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMediaPlaylist() error = %v", err)
			}
			if len(p.Segments) != tt.wantSegs {
				t.Errorf("segments = %d, want %d", len(p.Segments), tt.wantSegs)
			}
			if !p.Ended || !p.IndependentSegments || p.TargetDuration != 10 {
				t.Errorf("unexpected tags: %+v", p)
			}
		})
	}
}

func TestVerifyRenditionRejectsForeignSegment(t *testing.T) {
	dir := t.TempDir()
	content := "#EXTM3U\n#EXTINF:10,\n../../etc/passwd\n#EXT-X-ENDLIST\n"
	if err := os.WriteFile(filepath.Join(dir, "index.m3u8"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyRendition(dir); err == nil {
		t.Error("expected error for segment outside allow-list")
	}
}

func TestGenerateMasterPlaylist(t *testing.T) {
	tmpDir := t.TempDir()

	err := GenerateMasterPlaylist(tmpDir, []Preset{DefaultPresets[0], DefaultPresets[2]})
	if err != nil {
		t.Fatalf("GenerateMasterPlaylist() error = %v", err)
	}

	content, err := os.ReadFile(filepath.Join(tmpDir, "master.m3u8"))
	if err != nil {
		t.Fatalf("Failed to read master.m3u8: %v", err)
	}
	contentStr := string(content)

	for _, want := range []string{
		"#EXTM3U",
		"BANDWIDTH=7692000,RESOLUTION=1920x1080",
		"1080p/index.m3u8",
		"480p/index.m3u8",
	} {
		if !strings.Contains(contentStr, want) {
			t.Errorf("master.m3u8 missing %q", want)
		}
	}
	if strings.Contains(contentStr, "720p") {
		t.Error("master.m3u8 should only list the given tiers")
	}
}

func TestParseProbeOutput(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantDur   float64
		wantVideo bool
		wantAudio bool
		wantErr   bool
	}{
		{
			name:      "video and audio",
			input:     `{"streams":[{"codec_type":"video","codec_name":"h264","width":1920,"height":1080},{"codec_type":"audio","codec_name":"aac"}],"format":{"format_name":"mov,mp4","duration":"20.000000"}}`,
			wantDur:   20,
			wantVideo: true,
			wantAudio: true,
		},
		{
			name:      "stream duration fallback",
			input:     `{"streams":[{"codec_type":"video","codec_name":"vp9","duration":"12.5"}],"format":{"format_name":"webm"}}`,
			wantDur:   12.5,
			wantVideo: true,
		},
		{
			name:    "no duration",
			input:   `{"streams":[],"format":{}}`,
			wantErr: true,
		},
		{
			name:    "garbage",
			input:   `not json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseProbeOutput([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseProbeOutput() error = %v", err)
			}
			if got.DurationSeconds != tt.wantDur || got.HasVideo != tt.wantVideo || got.HasAudio != tt.wantAudio {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestProbeErrors(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src.mp4")
	if err := os.WriteFile(src, []byte("junk"), 0644); err != nil {
		t.Fatal(err)
	}

	fr := &fakeRunner{fn: func(cmd runner.Command) (*runner.Result, error) {
		return &runner.Result{ExitCode: 1}, &runner.ExitError{Name: "ffprobe", ExitCode: 1, Stderr: "Invalid data found"}
	}}
	p := NewProber(fr, "")

	var pe *models.ProbeError
	if _, err := p.Probe(context.Background(), src); !errors.As(err, &pe) {
		t.Errorf("corrupt input: expected ProbeError, got %v", err)
	}
	if _, err := p.Probe(context.Background(), filepath.Join(t.TempDir(), "missing.mp4")); !errors.As(err, &pe) {
		t.Errorf("missing input: expected ProbeError, got %v", err)
	}
	if len(fr.calls) != 1 {
		t.Errorf("ffprobe should not run for a missing file, calls = %d", len(fr.calls))
	}
}

func TestThumbnailOffsetFor(t *testing.T) {
	tests := []struct {
		duration float64
		want     float64
	}{
		{20, 5},
		{10, 5},
		{6, 3},
		{1, 0.5},
	}
	for _, tt := range tests {
		if got := ThumbnailOffsetFor(tt.duration); got != tt.want {
			t.Errorf("ThumbnailOffsetFor(%v) = %v, want %v", tt.duration, got, tt.want)
		}
	}
}

func pngFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestThumbnailExtract(t *testing.T) {
	frame := pngFrame(t, 1920, 1080)
	fr := &fakeRunner{fn: func(cmd runner.Command) (*runner.Result, error) {
		return &runner.Result{Stdout: frame}, nil
	}}
	th := NewThumbnailer(fr, "")
	out := filepath.Join(t.TempDir(), "thumbnails", "v1.jpg")

	offset, err := th.Extract(context.Background(), "v1", "/in/src.mp4", out, 20)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if offset != 5.0 {
		t.Errorf("offset = %v, want 5.0", offset)
	}
	if got := argAfter(fr.calls[0].Args, "-ss"); got != "5.000" {
		t.Errorf("-ss = %q, want 5.000", got)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("thumbnail not written: %v", err)
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		t.Fatalf("thumbnail is not a JPEG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 180 {
		t.Errorf("thumbnail size = %dx%d, want 320x180", b.Dx(), b.Dy())
	}
}

func TestThumbnailExtractErrors(t *testing.T) {
	fr := &fakeRunner{fn: func(cmd runner.Command) (*runner.Result, error) {
		return &runner.Result{ExitCode: 1}, &runner.ExitError{Name: "ffmpeg", ExitCode: 1}
	}}
	th := NewThumbnailer(fr, "")
	out := filepath.Join(t.TempDir(), "v1.jpg")

	var te *models.ThumbnailError
	if _, err := th.Extract(context.Background(), "v1", "/in/src.mp4", out, 0); !errors.As(err, &te) {
		t.Errorf("zero duration: expected ThumbnailError, got %v", err)
	}
	if _, err := th.Extract(context.Background(), "v1", "/in/src.mp4", out, 20); !errors.As(err, &te) {
		t.Errorf("tool failure: expected ThumbnailError, got %v", err)
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Error("no thumbnail should be written on failure")
	}
}
