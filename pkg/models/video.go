package models

import (
	"regexp"
	"time"
)

// VideoStatus represents the processing status of a video.
type VideoStatus string

const (
	StatusUploaded           VideoStatus = "uploaded"
	StatusProcessing         VideoStatus = "processing"
	StatusPublished          VideoStatus = "published"
	StatusPartiallyPublished VideoStatus = "partially_published"
	StatusFailed             VideoStatus = "failed"
)

// IsValid returns true if the status is a valid VideoStatus.
func (s VideoStatus) IsValid() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusPublished, StatusPartiallyPublished, StatusFailed:
		return true
	}
	return false
}

// IsPlayable reports whether renditions of a video in this status may be served.
func (s VideoStatus) IsPlayable() bool {
	return s == StatusPublished || s == StatusPartiallyPublished
}

// IsTerminal reports whether the status ends a processing run.
func (s VideoStatus) IsTerminal() bool {
	return s.IsPlayable() || s == StatusFailed
}

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidVideoID reports whether id is safe to use as a path component and storage key.
func ValidVideoID(id string) bool {
	return videoIDPattern.MatchString(id)
}

// Video is the catalog record for an uploaded video.
type Video struct {
	ID              string      `dynamodbav:"video_id" json:"id"`
	Title           string      `dynamodbav:"title" json:"title"`
	Description     string      `dynamodbav:"description,omitempty" json:"description,omitempty"`
	GenreID         string      `dynamodbav:"genre_id,omitempty" json:"genreId,omitempty"`
	SourcePath      string      `dynamodbav:"source_path" json:"sourcePath"`
	Status          VideoStatus `dynamodbav:"status" json:"status"`
	DurationSeconds float64     `dynamodbav:"duration_seconds,omitempty" json:"durationSeconds,omitempty"`
	ThumbnailPath   string      `dynamodbav:"thumbnail_path,omitempty" json:"thumbnailPath,omitempty"`
	Degraded        bool        `dynamodbav:"degraded,omitempty" json:"degraded,omitempty"`
	ErrorMessage    string      `dynamodbav:"error_message,omitempty" json:"errorMessage,omitempty"`
	Attempts        int         `dynamodbav:"attempts" json:"attempts"`
	CreatedAt       string      `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt       string      `dynamodbav:"updated_at" json:"updatedAt"`
	ProcessedAt     string      `dynamodbav:"processed_at,omitempty" json:"processedAt,omitempty"`
}

// Genre groups videos by category.
type Genre struct {
	ID          string `dynamodbav:"genre_id" json:"id"`
	Name        string `dynamodbav:"name" json:"name"`
	Description string `dynamodbav:"description,omitempty" json:"description,omitempty"`
	CreatedAt   string `dynamodbav:"created_at" json:"createdAt"`
}

// Rendition records one published HLS quality tier of a video.
type Rendition struct {
	VideoID      string `dynamodbav:"video_id" json:"videoId"`
	Tier         string `dynamodbav:"tier" json:"tier"`
	ManifestPath string `dynamodbav:"manifest_path" json:"manifestPath"`
	SegmentDir   string `dynamodbav:"segment_dir" json:"segmentDir"`
	SegmentCount int    `dynamodbav:"segment_count" json:"segmentCount"`
	Bandwidth    int    `dynamodbav:"bandwidth" json:"bandwidth"`
	Available    bool   `dynamodbav:"available" json:"available"`
	CreatedAt    string `dynamodbav:"created_at" json:"createdAt"`
}

// ProcessingJob is the queued unit of work for one video.
type ProcessingJob struct {
	VideoID    string `json:"videoId"`
	Attempt    int    `json:"attempt,omitempty"`
	EnqueuedAt string `json:"enqueuedAt,omitempty"`
	Force      bool   `json:"force,omitempty"`
}

// NewProcessingJob creates a job stamped with the current time.
func NewProcessingJob(videoID string, force bool) ProcessingJob {
	return ProcessingJob{
		VideoID:    videoID,
		EnqueuedAt: time.Now().UTC().Format(time.RFC3339),
		Force:      force,
	}
}

// Validate checks if the job has all required fields.
func (j *ProcessingJob) Validate() error {
	if j.VideoID == "" {
		return ErrMissingVideoID
	}
	if !ValidVideoID(j.VideoID) {
		return ErrInvalidVideoID
	}
	return nil
}

// ProcessingResult is the final state written when a processing run ends.
type ProcessingResult struct {
	VideoID         string
	Status          VideoStatus
	DurationSeconds float64
	ThumbnailPath   string
	Degraded        bool
	ErrorMessage    string
	Renditions      []Rendition
	// LeaseOwner, when set, must still hold the video's lease for the
	// result to be recorded.
	LeaseOwner string
}

// Lease grants exclusive processing rights for a video until ExpiresAt.
type Lease struct {
	VideoID   string    `json:"videoId"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}
