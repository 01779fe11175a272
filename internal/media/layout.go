// Package media owns the on-disk layout shared by the processing pipeline
// and the delivery endpoints.
package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

const (
	VideosDir     = "videos"
	ThumbnailsDir = "thumbnails"
	HLSDir        = "hls"
	StagingDir    = "staging"

	ManifestName       = "index.m3u8"
	MasterManifestName = "master.m3u8"
	SegmentPattern     = "seg_%d.ts"
)

var segmentNamePattern = regexp.MustCompile(`^seg_[0-9]{1,6}\.ts$`)

// ValidSegmentName reports whether name is a segment file the pipeline could have produced.
func ValidSegmentName(name string) bool {
	return segmentNamePattern.MatchString(name)
}

// Layout resolves media paths under a single root directory.
type Layout struct {
	Root string
}

// NewLayout creates the top-level directories under root.
func NewLayout(root string) (*Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve media root: %w", err)
	}
	for _, dir := range []string{VideosDir, ThumbnailsDir, HLSDir, StagingDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return &Layout{Root: abs}, nil
}

// Abs converts a media-relative path (as stored on a Video) into an absolute path.
func (l *Layout) Abs(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("%w: path %q escapes media root", models.ErrNotFound, rel)
	}
	return filepath.Join(l.Root, clean), nil
}

// Rel converts an absolute path under the root into the slash-separated form stored on records.
func (l *Layout) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(l.Root, abs)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// SourcePath returns the relative path uploads are stored at.
func SourcePath(videoID, ext string) string {
	return VideosDir + "/" + videoID + ext
}

// ThumbnailPath returns the relative path of a video's poster frame.
func ThumbnailPath(videoID string) string {
	return ThumbnailsDir + "/" + videoID + ".jpg"
}

// ManifestPath returns the relative path of a tier's media playlist.
func ManifestPath(videoID, tier string) string {
	return HLSDir + "/" + videoID + "/" + tier + "/" + ManifestName
}

// SegmentDir returns the relative directory holding a tier's segments.
func SegmentDir(videoID, tier string) string {
	return HLSDir + "/" + videoID + "/" + tier
}

// MasterPath returns the relative path of a video's master playlist.
func MasterPath(videoID string) string {
	return HLSDir + "/" + videoID + "/" + MasterManifestName
}

func (l *Layout) VideoHLSDir(videoID string) string {
	return filepath.Join(l.Root, HLSDir, videoID)
}

func (l *Layout) TierDir(videoID, tier string) string {
	return filepath.Join(l.Root, HLSDir, videoID, tier)
}

func (l *Layout) ThumbnailFile(videoID string) string {
	return filepath.Join(l.Root, ThumbnailsDir, videoID+".jpg")
}

func (l *Layout) VideoStagingDir(videoID string) string {
	return filepath.Join(l.Root, StagingDir, videoID)
}

// NewStagingDir creates a unique scratch directory for one tier of one run.
func (l *Layout) NewStagingDir(videoID, tier string) (string, error) {
	dir := filepath.Join(l.VideoStagingDir(videoID), tier+"-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	return dir, nil
}

// PromoteTier moves a fully written staging directory into its published
// location. Staging and published trees share a filesystem, so the final
// step is a single rename.
func (l *Layout) PromoteTier(videoID, tier, stagingDir string) error {
	dest := l.TierDir(videoID, tier)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create hls directory: %w", err)
	}
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("failed to remove previous %s rendition: %w", tier, err)
	}
	if err := os.Rename(stagingDir, dest); err != nil {
		return fmt.Errorf("failed to promote %s rendition: %w", tier, err)
	}
	return nil
}

// ClearVideo removes every artifact of a previous run: staging, HLS tree and thumbnail.
func (l *Layout) ClearVideo(videoID string) error {
	var errs []error
	errs = append(errs, os.RemoveAll(l.VideoStagingDir(videoID)))
	errs = append(errs, os.RemoveAll(l.VideoHLSDir(videoID)))
	if err := os.Remove(l.ThumbnailFile(videoID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RemoveStaging removes the given scratch directories of one run, then the
// video's staging directory if nothing else is left in it. Directories
// outside the video's staging area are refused.
func (l *Layout) RemoveStaging(videoID string, dirs []string) error {
	parent := l.VideoStagingDir(videoID)
	var errs []error
	for _, dir := range dirs {
		if filepath.Dir(filepath.Clean(dir)) != parent {
			errs = append(errs, fmt.Errorf("%s is not a staging directory of %s", dir, videoID))
			continue
		}
		errs = append(errs, os.RemoveAll(dir))
	}
	// Fails while another run still has scratch output here.
	_ = os.Remove(parent)
	return errors.Join(errs...)
}

// SweepStaging removes staging directories not modified within olderThan,
// left behind by crashed workers. It returns the number removed.
func (l *Layout) SweepStaging(olderThan time.Duration) (int, error) {
	root := filepath.Join(l.Root, StagingDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	var errs []error
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
