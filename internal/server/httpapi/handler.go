// Package httpapi exposes the video lifecycle over HTTP: client-facing
// upload/retrieval routes, the storage event webhook and the HMAC-signed
// transcoder callbacks.
package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrijs2005/vidstream/internal/common"
	"github.com/dmitrijs2005/vidstream/internal/logging"
	"github.com/dmitrijs2005/vidstream/internal/server/auth"
	sc "github.com/dmitrijs2005/vidstream/internal/server/config"
	"github.com/dmitrijs2005/vidstream/internal/server/models"
	"github.com/dmitrijs2005/vidstream/internal/server/services"
)

// Pinger reports broker connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// VideoAPI is the slice of the video service the HTTP layer needs.
// *services.VideoService satisfies it.
type VideoAPI interface {
	RegisterUpload(ctx context.Context, fileName, contentType, title, description string) (*models.Video, string, error)
	GetByID(ctx context.Context, id string) (*models.Video, error)
	ListByStatus(ctx context.Context, status models.VideoStatus) ([]*models.Video, error)
	MarkProcessing(ctx context.Context, id string) error
	CompleteProcessing(ctx context.Context, id string, variants []models.VideoVariant) error
	MarkFailed(ctx context.Context, id string) error
	DownloadLinks(ctx context.Context, id string) (*models.Video, []services.DownloadLink, error)
	DeleteObject(ctx context.Context, key string) error
	HandleUploadCompleted(ctx context.Context, storageKey string) (string, error)
}

type Handler struct {
	videos   VideoAPI
	verifier *auth.CallbackVerifier
	config   *sc.Config
	logger   logging.Logger
	db       *sql.DB
	queue    Pinger
}

func NewHandler(videos VideoAPI, verifier *auth.CallbackVerifier, config *sc.Config,
	logger logging.Logger, db *sql.DB, queue Pinger) *Handler {
	return &Handler{
		videos:   videos,
		verifier: verifier,
		config:   config,
		logger:   logger.With("module", "http_server"),
		db:       db,
		queue:    queue,
	}
}

// Router builds the gin engine with all routes and middleware registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/api/video/upload-url", h.jwtRequired(), h.createUploadURL)
	r.POST("/api/video/upload-events", h.uploadEvents)
	r.DELETE("/api/video", h.jwtRequired(), h.deleteObject)
	r.GET("/api/video/:id/download", h.download)

	r.GET("/api/videos/:id", h.getVideo)
	r.GET("/api/videos/status/:status", h.listByStatus)

	callbacks := r.Group("/api/videos", h.signatureRequired())
	callbacks.POST("/:id/processing", h.callbackProcessing)
	callbacks.POST("/:id/completed", h.callbackCompleted)
	callbacks.POST("/:id/failed", h.callbackFailed)

	return r
}

// --- DTOs ---

type uploadURLRequest struct {
	FileName    string `json:"fileName" binding:"required"`
	ContentType string `json:"contentType" binding:"required"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type uploadURLResponse struct {
	VideoID      string `json:"videoId"`
	StorageKey   string `json:"storageKey"`
	PresignedURL string `json:"presignedUrl"`
}

// uploadEventRequest mirrors the S3-style notification payload: a list of
// records carrying the bucket name and the URL-encoded object key.
type uploadEventRequest struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

type processingCallbackRequest struct {
	VideoID string `json:"videoId" binding:"required"`
}

type variantPayload struct {
	Quality     string `json:"quality" binding:"required"`
	StorageKey  string `json:"storageKey" binding:"required"`
	ContentType string `json:"contentType"`
}

type completedCallbackRequest struct {
	VideoID  string           `json:"videoId" binding:"required"`
	Variants []variantPayload `json:"variants"`
}

type failedCallbackRequest struct {
	VideoID string `json:"videoId" binding:"required"`
	Reason  string `json:"reason"`
}

type variantResponse struct {
	Quality     string `json:"quality"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
}

type videoResponse struct {
	ID          string            `json:"id"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	FileName    string            `json:"fileName"`
	Status      string            `json:"status"`
	UploadedAt  time.Time         `json:"uploadedAt"`
	ProcessedAt *time.Time        `json:"processedAt,omitempty"`
	Variants    []variantResponse `json:"variants,omitempty"`
}

func toVideoResponse(v *models.Video) videoResponse {
	resp := videoResponse{
		ID:          v.ID,
		Title:       v.Title,
		Description: v.Description,
		FileName:    v.FileName,
		Status:      string(v.Status),
		UploadedAt:  v.UploadedAt,
		ProcessedAt: v.ProcessedAt,
	}
	for _, variant := range v.Variants {
		resp.Variants = append(resp.Variants, variantResponse{
			Quality:     variant.Quality,
			URL:         variant.URL,
			ContentType: variant.ContentType,
		})
	}
	return resp
}

// --- client-facing routes ---

func (h *Handler) createUploadURL(c *gin.Context) {
	var req uploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	video, uploadURL, err := h.videos.RegisterUpload(c.Request.Context(),
		req.FileName, req.ContentType, req.Title, req.Description)
	if err != nil {
		h.logger.Error(c.Request.Context(), "failed to register upload", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register upload"})
		return
	}

	c.JSON(http.StatusCreated, uploadURLResponse{
		VideoID:      video.ID,
		StorageKey:   video.StorageKey,
		PresignedURL: uploadURL,
	})
}

func (h *Handler) deleteObject(c *gin.Context) {
	var req struct {
		StorageKey string `json:"storageKey" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.videos.DeleteObject(c.Request.Context(), req.StorageKey); err != nil {
		h.logger.Error(c.Request.Context(), "failed to delete object", "key", req.StorageKey, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete object"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "object deleted"})
}

func (h *Handler) getVideo(c *gin.Context) {
	video, err := h.videos.GetByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, common.ErrorNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
		return
	}
	if err != nil {
		h.logger.Error(c.Request.Context(), "failed to load video", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load video"})
		return
	}

	c.JSON(http.StatusOK, toVideoResponse(video))
}

func (h *Handler) listByStatus(c *gin.Context) {
	status, ok := models.ParseVideoStatus(c.Param("status"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	videos, err := h.videos.ListByStatus(c.Request.Context(), status)
	if err != nil {
		h.logger.Error(c.Request.Context(), "failed to list videos", "status", status, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list videos"})
		return
	}

	out := make([]videoResponse, 0, len(videos))
	for _, v := range videos {
		out = append(out, toVideoResponse(v))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) download(c *gin.Context) {
	video, links, err := h.videos.DownloadLinks(c.Request.Context(), c.Param("id"))
	if errors.Is(err, common.ErrorNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
		return
	}
	if err != nil {
		h.logger.Error(c.Request.Context(), "failed to build download links", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build download links"})
		return
	}

	if video.Status != models.StatusProcessed {
		// not ready yet: tell the client to come back later
		c.JSON(http.StatusAccepted, gin.H{
			"status":  string(video.Status),
			"message": fmt.Sprintf("Video %s is not processed yet.", video.ID),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"videoId": video.ID, "links": links})
}

// --- storage upload events ---

// uploadEvents handles the bucket notification webhook. Permanent failures
// (malformed key, unknown object, dead lifecycle state, duplicate delivery)
// get a 2xx so the sender stops retrying; only transient failures surface as
// 5xx. A permanent failure skips its record, never the rest of the batch.
func (h *Handler) uploadEvents(c *gin.Context) {
	var req uploadEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var skipped []string
	for _, record := range req.Records {
		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil {
			key = record.S3.Object.Key
		}

		id, err := h.videos.HandleUploadCompleted(ctx, key)
		switch {
		case err == nil:
			uploadEventsProcessed.WithLabelValues(outcomeApplied).Inc()
			lifecycleTransitions.WithLabelValues(string(models.StatusQueued)).Inc()
			h.logger.Info(ctx, "upload event queued for processing", "video_id", id, "key", key)

		case errors.Is(err, common.ErrDuplicateEvent):
			uploadEventsProcessed.WithLabelValues(outcomeDuplicate).Inc()
			h.logger.Info(ctx, "duplicate upload event ignored", "video_id", id, "key", key)

		case errors.Is(err, common.ErrMalformedKey),
			errors.Is(err, common.ErrMissingTokenSeparator),
			errors.Is(err, common.ErrorNotFound),
			errors.Is(err, common.ErrInvalidTransition):
			// permanent: redelivering this record can never succeed
			uploadEventsProcessed.WithLabelValues(outcomeSkipped).Inc()
			h.logger.Warn(ctx, "upload event skipped", "key", key, "reason", err)
			skipped = append(skipped, fmt.Sprintf("%s: %v", key, err))

		default:
			// transient: a 5xx makes the notifier redeliver the whole batch;
			// records already applied resurface as duplicates
			uploadEventsProcessed.WithLabelValues(outcomeError).Inc()
			h.logger.Error(ctx, "upload event failed", "key", key, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process upload event"})
			return
		}
	}

	resp := gin.H{"message": "events processed"}
	if len(skipped) > 0 {
		resp["skipped"] = skipped
	}
	c.JSON(http.StatusOK, resp)
}

// --- transcoder callbacks ---

// callbackIDMismatch guards against a payload signed for one video being
// replayed against another id's endpoint.
func callbackIDMismatch(c *gin.Context, payloadID string) bool {
	if c.Param("id") != payloadID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path and payload video ids differ"})
		return true
	}
	return false
}

func (h *Handler) callbackProcessing(c *gin.Context) {
	var req processingCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if callbackIDMismatch(c, req.VideoID) {
		callbackEvents.WithLabelValues("processing", outcomeRejected).Inc()
		return
	}

	err := h.videos.MarkProcessing(c.Request.Context(), req.VideoID)
	h.finishCallback(c, "processing", req.VideoID, models.StatusProcessing, err,
		fmt.Sprintf("Video %s is now processing.", req.VideoID))
}

func (h *Handler) callbackCompleted(c *gin.Context) {
	var req completedCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if callbackIDMismatch(c, req.VideoID) {
		callbackEvents.WithLabelValues("completed", outcomeRejected).Inc()
		return
	}

	variants := make([]models.VideoVariant, 0, len(req.Variants))
	for _, v := range req.Variants {
		variants = append(variants, models.VideoVariant{
			Quality:     v.Quality,
			StorageKey:  v.StorageKey,
			ContentType: v.ContentType,
		})
	}

	err := h.videos.CompleteProcessing(c.Request.Context(), req.VideoID, variants)
	if errors.Is(err, common.ErrEmptyVariants) {
		callbackEvents.WithLabelValues("completed", outcomeRejected).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one variant is required"})
		return
	}
	h.finishCallback(c, "completed", req.VideoID, models.StatusProcessed, err,
		fmt.Sprintf("Video %s processed successfully.", req.VideoID))
}

func (h *Handler) callbackFailed(c *gin.Context) {
	var req failedCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if callbackIDMismatch(c, req.VideoID) {
		callbackEvents.WithLabelValues("failed", outcomeRejected).Inc()
		return
	}
	if req.Reason != "" {
		h.logger.Warn(c.Request.Context(), "processing failed", "video_id", req.VideoID, "reason", req.Reason)
	}

	err := h.videos.MarkFailed(c.Request.Context(), req.VideoID)
	h.finishCallback(c, "failed", req.VideoID, models.StatusFailed, err,
		fmt.Sprintf("Video %s marked as failed.", req.VideoID))
}

// finishCallback maps lifecycle errors to HTTP statuses shared by all three
// callback endpoints.
func (h *Handler) finishCallback(c *gin.Context, event, videoID string, to models.VideoStatus, err error, okMsg string) {
	ctx := c.Request.Context()
	switch {
	case err == nil:
		callbackEvents.WithLabelValues(event, outcomeApplied).Inc()
		lifecycleTransitions.WithLabelValues(string(to)).Inc()
		c.JSON(http.StatusOK, gin.H{"message": okMsg})

	case errors.Is(err, common.ErrDuplicateEvent):
		callbackEvents.WithLabelValues(event, outcomeDuplicate).Inc()
		c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Video %s already in target state.", videoID)})

	case errors.Is(err, common.ErrorNotFound):
		callbackEvents.WithLabelValues(event, outcomeRejected).Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})

	case errors.Is(err, common.ErrInvalidTransition):
		callbackEvents.WithLabelValues(event, outcomeRejected).Inc()
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})

	default:
		callbackEvents.WithLabelValues(event, outcomeError).Inc()
		h.logger.Error(ctx, "callback handling failed", "event", event, "video_id", videoID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply callback"})
	}
}

// --- health ---

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{"db": "ok", "queue": "ok"}
	healthy := true

	if err := h.db.PingContext(ctx); err != nil {
		checks["db"] = err.Error()
		healthy = false
	}
	if err := h.queue.Ping(ctx); err != nil {
		checks["queue"] = err.Error()
		healthy = false
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, checks)
		return
	}
	c.JSON(http.StatusOK, checks)
}
