package transcoder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/amillerrr/vod-pipeline/internal/media"
)

// MediaPlaylist is the subset of an HLS media playlist the pipeline checks.
type MediaPlaylist struct {
	Version             int
	TargetDuration      int
	PlaylistType        string
	IndependentSegments bool
	Ended               bool
	Segments            []PlaylistSegment
}

// PlaylistSegment is one EXTINF entry.
type PlaylistSegment struct {
	URI      string
	Duration float64
}

// TotalDuration sums the segment durations.
func (p *MediaPlaylist) TotalDuration() float64 {
	var total float64
	for _, s := range p.Segments {
		total += s.Duration
	}
	return total
}

// ParseMediaPlaylist reads the tags ffmpeg's HLS muxer writes for a VOD rendition.
func ParseMediaPlaylist(r io.Reader) (*MediaPlaylist, error) {
	scanner := bufio.NewScanner(r)
	p := &MediaPlaylist{}

	first := true
	var pending *float64
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			if line != "#EXTM3U" {
				return nil, errors.New("missing #EXTM3U header")
			}
			first = false
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			p.Version, _ = strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-VERSION:"))
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			p.TargetDuration, _ = strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
		case strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:"):
			p.PlaylistType = strings.TrimPrefix(line, "#EXT-X-PLAYLIST-TYPE:")
		case line == "#EXT-X-INDEPENDENT-SEGMENTS":
			p.IndependentSegments = true
		case line == "#EXT-X-ENDLIST":
			p.Ended = true
		case strings.HasPrefix(line, "#EXTINF:"):
			value := strings.TrimPrefix(line, "#EXTINF:")
			value, _, _ = strings.Cut(value, ",")
			d, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid EXTINF duration %q", value)
			}
			pending = &d
		case strings.HasPrefix(line, "#"):
			// Other tags are not needed.
		default:
			if pending == nil {
				return nil, fmt.Errorf("segment %q without EXTINF", line)
			}
			p.Segments = append(p.Segments, PlaylistSegment{URI: line, Duration: *pending})
			pending = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if first {
		return nil, errors.New("empty playlist")
	}
	return p, nil
}

// VerifyRendition checks that dir holds a complete VOD rendition: a finished
// playlist whose every segment is a non-empty file named by the segment pattern.
func VerifyRendition(dir string) (*MediaPlaylist, error) {
	f, err := os.Open(filepath.Join(dir, media.ManifestName))
	if err != nil {
		return nil, fmt.Errorf("missing manifest: %w", err)
	}
	defer f.Close()

	playlist, err := ParseMediaPlaylist(f)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if !playlist.Ended {
		return nil, errors.New("manifest missing #EXT-X-ENDLIST")
	}
	if len(playlist.Segments) == 0 {
		return nil, errors.New("manifest lists no segments")
	}

	for _, seg := range playlist.Segments {
		if !media.ValidSegmentName(seg.URI) {
			return nil, fmt.Errorf("unexpected segment name %q", seg.URI)
		}
		info, err := os.Stat(filepath.Join(dir, seg.URI))
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", seg.URI, err)
		}
		if !info.Mode().IsRegular() || info.Size() == 0 {
			return nil, fmt.Errorf("segment %s is empty", seg.URI)
		}
	}
	return playlist, nil
}

// GenerateMasterPlaylist writes master.m3u8 into hlsDir listing the given tiers.
func GenerateMasterPlaylist(hlsDir string, presets []Preset) error {
	var builder strings.Builder
	builder.WriteString("#EXTM3U\n")
	builder.WriteString("#EXT-X-VERSION:3\n")
	builder.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")

	for _, preset := range presets {
		builder.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s\n",
			preset.Bandwidth, preset.Resolution()))
		builder.WriteString(fmt.Sprintf("%s/%s\n", preset.Name, media.ManifestName))
	}

	path := filepath.Join(hlsDir, media.MasterManifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(builder.String()), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
