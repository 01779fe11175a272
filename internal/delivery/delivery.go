// Package delivery serves published HLS manifests and segments from the
// media tree. Callers are expected to have authorized the request.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/internal/media"
	"github.com/amillerrr/vod-pipeline/internal/transcoder"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// HLS response headers.
const (
	ManifestContentType  = "application/vnd.apple.mpegurl"
	SegmentContentType   = "video/MP2T"
	ManifestCacheControl = "no-cache, no-store, must-revalidate"
	SegmentCacheControl  = "public, max-age=31536000, immutable"
)

var tracer = otel.Tracer("vod-delivery")

// Reader is the read side of the metadata store used for gating.
type Reader interface {
	GetVideo(ctx context.Context, id string) (*models.Video, error)
	GetRendition(ctx context.Context, videoID, tier string) (*models.Rendition, error)
}

// Asset is an open file ready to be served. Callers must close Content.
type Asset struct {
	Content      io.ReadSeekCloser
	Name         string
	ModTime      time.Time
	Size         int64
	ContentType  string
	CacheControl string
}

// Service resolves delivery requests to files on disk.
type Service struct {
	store  Reader
	layout *media.Layout
	tiers  map[string]bool
}

// NewService creates a delivery service for the given tier table.
func NewService(store Reader, layout *media.Layout, presets []transcoder.Preset) *Service {
	tiers := make(map[string]bool, len(presets))
	for _, p := range presets {
		tiers[p.Name] = true
	}
	return &Service{store: store, layout: layout, tiers: tiers}
}

// GetManifest opens a tier's media playlist.
func (s *Service) GetManifest(ctx context.Context, videoID, tier string) (*Asset, error) {
	ctx, span := tracer.Start(ctx, "get-manifest")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", videoID), attribute.String("tier", tier))

	r, err := s.rendition(ctx, videoID, tier)
	if err != nil {
		return nil, err
	}
	path, err := s.layout.Abs(r.ManifestPath)
	if err != nil {
		return nil, err
	}
	return openAsset(path, ManifestContentType, ManifestCacheControl)
}

// GetSegment opens one segment of a tier. The name must match the
// segment pattern and is never used as a path on its own.
func (s *Service) GetSegment(ctx context.Context, videoID, tier, name string) (*Asset, error) {
	ctx, span := tracer.Start(ctx, "get-segment")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", videoID), attribute.String("tier", tier))

	if !media.ValidSegmentName(name) {
		return nil, fmt.Errorf("%w: segment %q", models.ErrNotFound, name)
	}
	r, err := s.rendition(ctx, videoID, tier)
	if err != nil {
		return nil, err
	}
	dir, err := s.layout.Abs(r.SegmentDir)
	if err != nil {
		return nil, err
	}
	return openAsset(filepath.Join(dir, name), SegmentContentType, SegmentCacheControl)
}

// GetMaster opens the master playlist listing the video's published tiers.
func (s *Service) GetMaster(ctx context.Context, videoID string) (*Asset, error) {
	ctx, span := tracer.Start(ctx, "get-master")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", videoID))

	if _, err := s.playableVideo(ctx, videoID); err != nil {
		return nil, err
	}
	path, err := s.layout.Abs(media.MasterPath(videoID))
	if err != nil {
		return nil, err
	}
	return openAsset(path, ManifestContentType, ManifestCacheControl)
}

func (s *Service) playableVideo(ctx context.Context, videoID string) (*models.Video, error) {
	if !models.ValidVideoID(videoID) {
		return nil, fmt.Errorf("%w: video id", models.ErrNotFound)
	}
	v, err := s.store.GetVideo(ctx, videoID)
	if err != nil {
		if errors.Is(err, models.ErrVideoNotFound) {
			return nil, fmt.Errorf("%w: video %s", models.ErrNotFound, videoID)
		}
		return nil, err
	}
	if !v.Status.IsPlayable() {
		return nil, fmt.Errorf("%w: video %s is %s", models.ErrNotAvailable, videoID, v.Status)
	}
	return v, nil
}

func (s *Service) rendition(ctx context.Context, videoID, tier string) (*models.Rendition, error) {
	if !s.tiers[tier] {
		return nil, fmt.Errorf("%w: tier %q", models.ErrNotFound, tier)
	}
	if _, err := s.playableVideo(ctx, videoID); err != nil {
		return nil, err
	}
	r, err := s.store.GetRendition(ctx, videoID, tier)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s has no %s rendition", models.ErrNotAvailable, videoID, tier)
		}
		return nil, err
	}
	if !r.Available {
		return nil, fmt.Errorf("%w: %s rendition of %s", models.ErrNotAvailable, tier, videoID)
	}
	return r, nil
}

// openAsset opens a regular file. Symlinks and directories are treated as missing.
func openAsset(path, contentType, cacheControl string) (*Asset, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", models.ErrNotFound, filepath.Base(path))
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, filepath.Base(path))
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", models.ErrNotFound, filepath.Base(path))
		}
		return nil, err
	}
	return &Asset{
		Content:      f,
		Name:         info.Name(),
		ModTime:      info.ModTime(),
		Size:         info.Size(),
		ContentType:  contentType,
		CacheControl: cacheControl,
	}, nil
}
