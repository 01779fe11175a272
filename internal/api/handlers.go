package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/vod-pipeline/internal/delivery"
	"github.com/amillerrr/vod-pipeline/internal/media"
	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/internal/queue"
	"github.com/amillerrr/vod-pipeline/internal/storage"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

var tracer = otel.Tracer("vod-api")

// Configuration constants
const (
	MaxFilenameLength  = 255
	MaxTitleLength     = 255
	MaxRequestBodySize = 1 << 20 // 1 MB
)

// AllowedExtensions are the source container formats accepted for processing.
var AllowedExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
}

// Delivery request kinds used as metric labels.
const (
	kindMaster   = "master"
	kindManifest = "manifest"
	kindSegment  = "segment"
)

// Resubmitter forces a video through the pipeline again.
type Resubmitter interface {
	Resubmit(ctx context.Context, videoID string) error
}

// forceEnqueuer resubmits by enqueuing a forced job. It is used when no
// local orchestrator is available to cancel a running job.
type forceEnqueuer struct {
	queue.Enqueuer
}

func (f forceEnqueuer) Resubmit(ctx context.Context, videoID string) error {
	return f.Enqueue(ctx, videoID, queue.WithForce())
}

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	log         *slog.Logger
	store       storage.Store
	delivery    *delivery.Service
	enqueuer    queue.Enqueuer
	resubmitter Resubmitter
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Logger   *slog.Logger
	Store    storage.Store
	Delivery *delivery.Service
	Enqueuer queue.Enqueuer
	// Resubmitter defaults to a forced enqueue.
	Resubmitter Resubmitter
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	h := &Handlers{
		log:         cfg.Logger,
		store:       cfg.Store,
		delivery:    cfg.Delivery,
		enqueuer:    cfg.Enqueuer,
		resubmitter: cfg.Resubmitter,
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.resubmitter == nil && h.enqueuer != nil {
		h.resubmitter = forceEnqueuer{h.enqueuer}
	}
	return h
}

// writeJSON writes a JSON response.
func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, map[string]string{"error": message})
}

// limitRequestBody wraps the request body with a size limit.
func (h *Handlers) limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
}

// MasterHandler serves the master playlist of a published video.
func (h *Handlers) MasterHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	asset, err := h.delivery.GetMaster(r.Context(), vars["id"])
	h.serveAsset(w, r, kindMaster, asset, err)
}

// ManifestHandler serves a tier's media playlist.
func (h *Handlers) ManifestHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	asset, err := h.delivery.GetManifest(r.Context(), vars["id"], vars["resolution"])
	h.serveAsset(w, r, kindManifest, asset, err)
}

// SegmentHandler serves one transport stream segment.
func (h *Handlers) SegmentHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	asset, err := h.delivery.GetSegment(r.Context(), vars["id"], vars["resolution"], vars["segment"])
	h.serveAsset(w, r, kindSegment, asset, err)
}

// serveAsset writes a delivery result. Missing and unpublished content
// are indistinguishable to clients.
func (h *Handlers) serveAsset(w http.ResponseWriter, r *http.Request, kind string, asset *delivery.Asset, err error) {
	ctx := r.Context()
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			metrics.RecordDelivery(kind, "not_found")
		case errors.Is(err, models.ErrNotAvailable):
			metrics.RecordDelivery(kind, "not_available")
		default:
			metrics.RecordDelivery(kind, "error")
			h.log.ErrorContext(ctx, "Failed to resolve delivery request",
				"kind", kind,
				"path", r.URL.Path,
				"error", err,
			)
			h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
			return
		}
		h.log.DebugContext(ctx, "Delivery request rejected", "kind", kind, "path", r.URL.Path, "reason", err)
		h.writeError(ctx, w, http.StatusNotFound, "Not found")
		return
	}
	defer asset.Content.Close()

	metrics.RecordDelivery(kind, "ok")
	w.Header().Set("Content-Type", asset.ContentType)
	w.Header().Set("Cache-Control", asset.CacheControl)
	if kind != kindSegment {
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
	}
	http.ServeContent(w, r, asset.Name, asset.ModTime, asset.Content)
}

// RegisterVideoRequest is the request payload for registering an upload.
type RegisterVideoRequest struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	GenreID     string `json:"genreId,omitempty"`
	// SourcePath is a path under the media root, e.g. videos/<id>.mp4,
	// or an s3://bucket/key URI.
	SourcePath string `json:"sourcePath"`
}

// RegisterVideoResponse is the response payload for registered uploads.
type RegisterVideoResponse struct {
	VideoID   string `json:"videoId"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

// RegisterVideoHandler records an uploaded video and queues it for processing.
func (h *Handlers) RegisterVideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestID := uuid.New().String()
	ctx, span := tracer.Start(ctx, "register-video-handler",
		trace.WithAttributes(
			attribute.String("handler", "register-video"),
			attribute.String("request.id", requestID),
		))
	defer span.End()

	h.limitRequestBody(w, r)

	var req RegisterVideoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.writeError(ctx, w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if err := validateRegistration(&req); err != nil {
		span.RecordError(err)
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	span.SetAttributes(
		attribute.String("video.id", req.ID),
		attribute.String("video.source", req.SourcePath),
	)

	if req.GenreID != "" {
		if _, err := h.store.GetGenre(ctx, req.GenreID); err != nil {
			if errors.Is(err, models.ErrGenreNotFound) {
				h.writeError(ctx, w, http.StatusBadRequest, "unknown genre")
				return
			}
			span.RecordError(err)
			h.log.ErrorContext(ctx, "Failed to look up genre", "genreId", req.GenreID, "error", err, "requestId", requestID)
			h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
			return
		}
	}

	video := &models.Video{
		ID:          req.ID,
		Title:       req.Title,
		Description: req.Description,
		GenreID:     req.GenreID,
		SourcePath:  req.SourcePath,
		Status:      models.StatusUploaded,
	}
	if err := h.store.CreateVideo(ctx, video); err != nil {
		if errors.Is(err, models.ErrVideoExists) {
			h.writeError(ctx, w, http.StatusConflict, "video already exists")
			return
		}
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to create video record",
			"videoId", req.ID,
			"error", err,
			"requestId", requestID,
		)
		h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}
	metrics.UploadsRegistered.Inc()

	if err := h.enqueuer.Enqueue(ctx, req.ID); err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to queue processing job",
			"videoId", req.ID,
			"error", err,
			"requestId", requestID,
		)
		h.writeError(ctx, w, http.StatusServiceUnavailable, "Failed to queue job")
		return
	}

	h.log.InfoContext(ctx, "Processing job queued",
		"videoId", req.ID,
		"source", req.SourcePath,
		"requestId", requestID,
	)

	h.writeJSON(ctx, w, http.StatusAccepted, RegisterVideoResponse{
		VideoID:   req.ID,
		Status:    string(models.StatusUploaded),
		Message:   "Video queued for processing",
		RequestID: requestID,
	})
}

// ReprocessHandler forces a video through the pipeline again.
func (h *Handlers) ReprocessHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	videoID := mux.Vars(r)["id"]

	ctx, span := tracer.Start(ctx, "reprocess-video-handler",
		trace.WithAttributes(attribute.String("video.id", videoID)))
	defer span.End()

	if !models.ValidVideoID(videoID) {
		h.writeError(ctx, w, http.StatusNotFound, "Not found")
		return
	}
	if _, err := h.store.GetVideo(ctx, videoID); err != nil {
		if errors.Is(err, models.ErrVideoNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "Not found")
			return
		}
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to get video", "videoId", videoID, "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if err := h.resubmitter.Resubmit(ctx, videoID); err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to resubmit video", "videoId", videoID, "error", err)
		h.writeError(ctx, w, http.StatusServiceUnavailable, "Failed to queue job")
		return
	}

	h.log.InfoContext(ctx, "Video resubmitted for processing", "videoId", videoID)
	h.writeJSON(ctx, w, http.StatusAccepted, map[string]string{
		"videoId": videoID,
		"message": "Video queued for reprocessing",
	})
}

// VideoStatusResponse is the operator view of a video.
type VideoStatusResponse struct {
	*models.Video
	Renditions []models.Rendition `json:"renditions"`
}

// VideoStatusHandler returns a video's processing state and renditions.
func (h *Handlers) VideoStatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	videoID := mux.Vars(r)["id"]

	ctx, span := tracer.Start(ctx, "video-status-handler",
		trace.WithAttributes(attribute.String("video.id", videoID)))
	defer span.End()

	if !models.ValidVideoID(videoID) {
		h.writeError(ctx, w, http.StatusNotFound, "Not found")
		return
	}

	video, err := h.store.GetVideo(ctx, videoID)
	if err != nil {
		if errors.Is(err, models.ErrVideoNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "Not found")
			return
		}
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to get video", "videoId", videoID, "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to retrieve video")
		return
	}

	renditions, err := h.store.ListRenditions(ctx, videoID)
	if err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to list renditions", "videoId", videoID, "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to retrieve video")
		return
	}
	if renditions == nil {
		renditions = []models.Rendition{}
	}

	h.writeJSON(ctx, w, http.StatusOK, VideoStatusResponse{Video: video, Renditions: renditions})
}

// Validation functions

func validateRegistration(req *RegisterVideoRequest) error {
	if !models.ValidVideoID(req.ID) {
		return models.ErrInvalidVideoID
	}
	if strings.TrimSpace(req.Title) == "" {
		return models.ErrMissingTitle
	}
	if len(req.Title) > MaxTitleLength {
		return fmt.Errorf("title exceeds %d characters", MaxTitleLength)
	}
	if req.SourcePath == "" {
		return models.ErrMissingSource
	}
	if err := validateSourcePath(req.SourcePath); err != nil {
		return err
	}
	return validateFilename(path.Base(req.SourcePath))
}

// validateSourcePath accepts s3://bucket/key URIs and paths under the
// media root's videos directory.
func validateSourcePath(source string) error {
	decoded, err := url.PathUnescape(source)
	if err != nil {
		return fmt.Errorf("%w: invalid URL encoding", models.ErrInvalidSourcePath)
	}
	if strings.Contains(decoded, "..") || strings.Contains(source, "..") {
		return fmt.Errorf("%w: path traversal not allowed", models.ErrInvalidSourcePath)
	}

	if rest, ok := strings.CutPrefix(source, "s3://"); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found || bucket == "" || key == "" {
			return fmt.Errorf("%w: expected s3://bucket/key", models.ErrInvalidSourcePath)
		}
		return nil
	}

	if !strings.HasPrefix(source, media.VideosDir+"/") {
		return fmt.Errorf("%w: must be under %s/", models.ErrInvalidSourcePath, media.VideosDir)
	}
	return nil
}

func validateFilename(filename string) error {
	if filename == "" || filename == "." || filename == "/" {
		return errors.New("filename is required")
	}
	if len(filename) > MaxFilenameLength {
		return models.ErrFilenameTooLong
	}

	ext := strings.ToLower(path.Ext(filename))
	if !AllowedExtensions[ext] {
		return fmt.Errorf("%w: allowed extensions are mp4, mov, avi, mkv, webm", models.ErrInvalidFileType)
	}
	return nil
}
