package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for video operations.
var (
	// Validation errors
	ErrMissingVideoID = errors.New("videoId is required")
	ErrInvalidVideoID = errors.New("invalid video id")
	ErrMissingTitle   = errors.New("title is required")
	ErrMissingSource  = errors.New("source path is required")

	ErrFilenameTooLong   = errors.New("filename too long")
	ErrInvalidFileType   = errors.New("invalid file type")
	ErrInvalidSourcePath = errors.New("invalid source path")

	// Processing errors
	ErrJobParseFailed  = errors.New("failed to parse job")
	ErrJobCanceled     = errors.New("job canceled")
	ErrDownloadFailed  = errors.New("failed to download video")
	ErrUploadFailed    = errors.New("failed to upload HLS files")
	ErrFFmpegFailed    = errors.New("ffmpeg execution failed")
	ErrContextCanceled = errors.New("context canceled")
	ErrNoRenditions    = errors.New("no rendition succeeded")

	// Storage errors
	ErrVideoNotFound = errors.New("video not found")
	ErrGenreNotFound = errors.New("genre not found")
	ErrVideoExists   = errors.New("video already exists")
	ErrInvalidStatus = errors.New("invalid video status")
	ErrLeaseHeld     = errors.New("video is being processed by another worker")
	ErrLeaseLost     = errors.New("processing lease lost")

	// Delivery errors
	ErrNotFound     = errors.New("not found")
	ErrNotAvailable = errors.New("not available")

	// Queue errors
	ErrQueueDelivery = errors.New("queue delivery failed")
)

// ProbeError reports that a source file could not be inspected.
type ProbeError struct {
	Path string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// ThumbnailError reports that a poster frame could not be extracted.
type ThumbnailError struct {
	VideoID string
	Err     error
}

func (e *ThumbnailError) Error() string {
	return fmt.Sprintf("thumbnail for video %s: %v", e.VideoID, e.Err)
}

func (e *ThumbnailError) Unwrap() error { return e.Err }

// TranscodeError reports the failure of a single quality tier.
type TranscodeError struct {
	Tier string
	Err  error
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("transcode tier %s: %v", e.Tier, e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// QueueDeliveryError reports that a job could not be enqueued.
type QueueDeliveryError struct {
	VideoID string
	Err     error
}

func (e *QueueDeliveryError) Error() string {
	return fmt.Sprintf("enqueue video %s: %v", e.VideoID, e.Err)
}

func (e *QueueDeliveryError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrQueueDelivery) match any QueueDeliveryError.
func (e *QueueDeliveryError) Is(target error) bool { return target == ErrQueueDelivery }

// IsPermanent reports whether retrying a job that failed with err cannot help.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrJobParseFailed) ||
		errors.Is(err, ErrVideoNotFound) ||
		errors.Is(err, ErrInvalidVideoID) ||
		errors.Is(err, ErrMissingVideoID) ||
		errors.Is(err, ErrJobCanceled)
}
