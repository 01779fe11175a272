package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/amillerrr/vod-pipeline/internal/media"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// SourceFetcher makes a video's source readable as a local file. The
// returned cleanup func releases anything fetched for the run.
type SourceFetcher interface {
	Fetch(ctx context.Context, video *models.Video) (path string, cleanup func(), err error)
}

// LocalFetcher resolves sources stored under the media root.
type LocalFetcher struct {
	Layout *media.Layout
}

// Fetch returns the absolute path of the source. A missing source is
// reported as models.ErrNotFound.
func (f *LocalFetcher) Fetch(ctx context.Context, video *models.Video) (string, func(), error) {
	path, err := f.Layout.Abs(video.SourcePath)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil, fmt.Errorf("%w: source %s", models.ErrNotFound, video.SourcePath)
		}
		return "", nil, fmt.Errorf("failed to stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", nil, fmt.Errorf("%w: source %s is not a regular file", models.ErrNotFound, video.SourcePath)
	}
	return path, func() {}, nil
}
