package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestVideoStatus(t *testing.T) {
	tests := []struct {
		status   VideoStatus
		valid    bool
		playable bool
	}{
		{StatusUploaded, true, false},
		{StatusProcessing, true, false},
		{StatusPublished, true, true},
		{StatusPartiallyPublished, true, true},
		{StatusFailed, true, false},
		{VideoStatus("completed"), false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsValid(); got != tt.valid {
				t.Errorf("IsValid() = %v, want %v", got, tt.valid)
			}
			if got := tt.status.IsPlayable(); got != tt.playable {
				t.Errorf("IsPlayable() = %v, want %v", got, tt.playable)
			}
		})
	}
}

func TestValidVideoID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"abc123", true},
		{"a-b_c", true},
		{"", false},
		{"../etc", false},
		{"a/b", false},
		{"a.b", false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := ValidVideoID(tt.id); got != tt.want {
				t.Errorf("ValidVideoID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestProcessingJobValidate(t *testing.T) {
	tests := []struct {
		name    string
		job     ProcessingJob
		wantErr error
	}{
		{"valid", ProcessingJob{VideoID: "v1"}, nil},
		{"missing id", ProcessingJob{}, ErrMissingVideoID},
		{"traversal", ProcessingJob{VideoID: "../v1"}, ErrInvalidVideoID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.job.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTypedErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")

	var te *TranscodeError
	err := fmt.Errorf("wrapped: %w", &TranscodeError{Tier: "720p", Err: cause})
	if !errors.As(err, &te) || te.Tier != "720p" {
		t.Fatalf("errors.As failed for TranscodeError: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("TranscodeError should unwrap to its cause")
	}

	qerr := &QueueDeliveryError{VideoID: "v1", Err: cause}
	if !errors.Is(qerr, ErrQueueDelivery) {
		t.Error("QueueDeliveryError should match ErrQueueDelivery")
	}
}

func TestIsPermanent(t *testing.T) {
	if !IsPermanent(fmt.Errorf("x: %w", ErrVideoNotFound)) {
		t.Error("ErrVideoNotFound should be permanent")
	}
	if IsPermanent(&TranscodeError{Tier: "480p", Err: ErrFFmpegFailed}) {
		t.Error("transcode failures should be retryable")
	}
}
