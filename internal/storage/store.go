// Package storage persists videos, genres, renditions and processing leases.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// LeaseManager grants a single worker exclusive processing rights over a video.
type LeaseManager interface {
	// AcquireLease takes the lease for owner, or returns models.ErrLeaseHeld
	// while any unexpired lease exists, including one held by owner itself.
	// Owners are per run, so a second run never shares a lease.
	AcquireLease(ctx context.Context, videoID, owner string, ttl time.Duration) error
	// RenewLease extends the lease, or returns models.ErrLeaseLost when owner no longer holds it.
	RenewLease(ctx context.Context, videoID, owner string, ttl time.Duration) error
	// ReleaseLease drops the lease if owner still holds it.
	ReleaseLease(ctx context.Context, videoID, owner string) error
}

// Store is the metadata store shared by the API and the workers.
type Store interface {
	LeaseManager

	CreateGenre(ctx context.Context, genre *models.Genre) error
	GetGenre(ctx context.Context, id string) (*models.Genre, error)

	CreateVideo(ctx context.Context, video *models.Video) error
	GetVideo(ctx context.Context, id string) (*models.Video, error)
	ListVideos(ctx context.Context, status models.VideoStatus, limit int) ([]models.Video, error)

	GetRendition(ctx context.Context, videoID, tier string) (*models.Rendition, error)
	ListRenditions(ctx context.Context, videoID string) ([]models.Rendition, error)

	// BeginProcessing moves a video into processing, clears the results of
	// any previous run and increments its attempt count.
	BeginProcessing(ctx context.Context, videoID string, force bool) (*models.Video, error)
	// CompleteProcessing writes the final status and rendition set of a run in one step.
	// It returns models.ErrLeaseLost when result.LeaseOwner no longer holds the lease.
	CompleteProcessing(ctx context.Context, result *models.ProcessingResult) error
	// FailProcessing marks a video failed with operator-facing detail.
	FailProcessing(ctx context.Context, videoID, message string) error

	Ping(ctx context.Context) error
	Close() error
}

// DefaultListLimit caps ListVideos when no limit is given.
const DefaultListLimit = 100

// canBegin reports whether a run may start from status. A video found in
// processing is left over from a run whose lease expired, since leases are
// exclusive and the caller holds the current one.
func canBegin(status models.VideoStatus, force bool) error {
	switch status {
	case models.StatusUploaded, models.StatusFailed, models.StatusProcessing:
		return nil
	case models.StatusPublished, models.StatusPartiallyPublished:
		if force {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot start processing from %s", models.ErrInvalidStatus, status)
}

// canFail reports whether a video in status may be marked failed. Playable
// videos are never hidden by a late failure report.
func canFail(status models.VideoStatus) bool {
	return !status.IsPlayable()
}

func validateResult(r *models.ProcessingResult) error {
	if !r.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is not a final status", models.ErrInvalidStatus, r.Status)
	}
	if r.Status.IsPlayable() && len(r.Renditions) == 0 {
		return fmt.Errorf("%w: %s without renditions", models.ErrInvalidStatus, r.Status)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
