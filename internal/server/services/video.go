// Package services contains the server-side business logic: the video
// lifecycle state machine, storage-key resolution and the upload-event
// orchestration between the database, object storage and the task queue.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/vidstream/internal/common"
	"github.com/dmitrijs2005/vidstream/internal/dbx"
	"github.com/dmitrijs2005/vidstream/internal/logging"
	sc "github.com/dmitrijs2005/vidstream/internal/server/config"
	"github.com/dmitrijs2005/vidstream/internal/server/models"
	"github.com/dmitrijs2005/vidstream/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/vidstream/internal/server/storage"
)

// StorageGateway is the object-storage contract used by the service.
type StorageGateway interface {
	IssueUploadURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	IssueDownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	DeleteObject(ctx context.Context, key string) error
}

// QueuePublisher delivers a processing task to the transcoder workers.
type QueuePublisher interface {
	Publish(ctx context.Context, videoID, storageKey string) error
}

// DownloadLink is one presigned rendition URL returned by DownloadLinks.
type DownloadLink struct {
	Quality string `json:"quality"`
	URL     string `json:"url"`
}

// VideoService drives the video lifecycle:
//
//	UPLOADED -> QUEUED -> PROCESSING -> PROCESSED
//	any non-PROCESSED state -> FAILED
//
// All transitions go through compare-and-set updates in the repository, so
// concurrent events for the same video collapse to one net transition and
// the losers surface as duplicates or conflicts instead of double-applying.
type VideoService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	config      *sc.Config
	storage     StorageGateway
	publisher   QueuePublisher
	resolver    *KeyResolver
	logger      logging.Logger

	now func() time.Time
}

func NewVideoService(db *sql.DB, repomanager repomanager.RepositoryManager, config *sc.Config,
	storage StorageGateway, publisher QueuePublisher, logger logging.Logger) *VideoService {
	return &VideoService{
		db:          db,
		repomanager: repomanager,
		config:      config,
		storage:     storage,
		publisher:   publisher,
		resolver:    NewKeyResolver(db, repomanager),
		logger:      logger.With("module", "video_service"),
		now:         time.Now,
	}
}

// processedStorageKey is the authoritative key base after a successful
// transcode; variant objects live underneath it.
func processedStorageKey(id string) string {
	return fmt.Sprintf("%s%s", common.ProcessedKeyPrefix, id)
}

// RegisterUpload creates an UPLOADED record and issues a presigned PUT URL
// the client uploads the raw file to.
func (s *VideoService) RegisterUpload(ctx context.Context, fileName, contentType, title, description string) (*models.Video, string, error) {

	video := &models.Video{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		FileName:    fileName,
		ContentType: contentType,
		StorageKey:  storage.NewRawStorageKey(fileName),
		Status:      models.StatusUploaded,
		UploadedAt:  s.now(),
	}

	repo := s.repomanager.Videos(s.db)
	if err := repo.Create(ctx, video); err != nil {
		return nil, "", fmt.Errorf("error creating video: %w", err)
	}

	url, err := s.storage.IssueUploadURL(ctx, video.StorageKey, contentType, s.config.UploadURLTTL)
	if err != nil {
		return nil, "", fmt.Errorf("error issuing upload url: %w", err)
	}

	return video, url, nil
}

// GetByID returns the video with its variants, or common.ErrorNotFound.
func (s *VideoService) GetByID(ctx context.Context, id string) (*models.Video, error) {
	return s.repomanager.Videos(s.db).GetByID(ctx, id)
}

// ListByStatus returns all videos currently in the given lifecycle state.
func (s *VideoService) ListByStatus(ctx context.Context, status models.VideoStatus) ([]*models.Video, error) {
	return s.repomanager.Videos(s.db).ListByStatus(ctx, status)
}

// MarkQueued moves UPLOADED -> QUEUED. A video already past UPLOADED yields
// common.ErrDuplicateEvent (redelivered notification, effect already
// applied); a FAILED video cannot be re-queued by an upload event.
func (s *VideoService) MarkQueued(ctx context.Context, id string) error {
	repo := s.repomanager.Videos(s.db)

	video, err := repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	switch video.Status {
	case models.StatusUploaded:
		// proceed
	case models.StatusQueued, models.StatusProcessing, models.StatusProcessed:
		return common.ErrDuplicateEvent
	default:
		return fmt.Errorf("%w: %s -> %s", common.ErrInvalidTransition, video.Status, models.StatusQueued)
	}

	err = repo.UpdateStatus(ctx, id, models.StatusUploaded, models.StatusQueued)
	if errors.Is(err, common.ErrVersionConflict) {
		// a concurrent handler applied the transition first
		return common.ErrDuplicateEvent
	}
	return err
}

// MarkProcessing moves QUEUED -> PROCESSING when a worker picks the task up.
func (s *VideoService) MarkProcessing(ctx context.Context, id string) error {
	repo := s.repomanager.Videos(s.db)

	video, err := repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	switch video.Status {
	case models.StatusQueued:
		// proceed
	case models.StatusProcessing:
		return common.ErrDuplicateEvent
	default:
		return fmt.Errorf("%w: %s -> %s", common.ErrInvalidTransition, video.Status, models.StatusProcessing)
	}

	err = repo.UpdateStatus(ctx, id, models.StatusQueued, models.StatusProcessing)
	if errors.Is(err, common.ErrVersionConflict) {
		return common.ErrDuplicateEvent
	}
	return err
}

// CompleteProcessing finalizes a successful transcode: PROCESSING ->
// PROCESSED, the storage key is rewritten to the processed base path and the
// variant list is replaced wholesale, all in one transaction. The raw upload
// object is deleted best-effort after commit.
func (s *VideoService) CompleteProcessing(ctx context.Context, id string, variants []models.VideoVariant) error {
	if len(variants) == 0 {
		return common.ErrEmptyVariants
	}

	repo := s.repomanager.Videos(s.db)

	video, err := repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	switch video.Status {
	case models.StatusProcessing:
		// proceed
	case models.StatusProcessed:
		return common.ErrDuplicateEvent
	default:
		return fmt.Errorf("%w: %s -> %s", common.ErrInvalidTransition, video.Status, models.StatusProcessed)
	}

	for i := range variants {
		if variants[i].URL == "" {
			variants[i].URL = s.config.PublicBaseURL + variants[i].StorageKey
		}
	}

	previousKey := video.StorageKey
	processedAt := s.now()

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		txRepo := s.repomanager.Videos(tx)

		if err := txRepo.MarkProcessed(ctx, id, processedStorageKey(id), processedAt); err != nil {
			return err
		}
		return txRepo.ReplaceVariants(ctx, id, variants)
	})
	if errors.Is(err, common.ErrVersionConflict) {
		return common.ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("error completing processing: %w", err)
	}

	s.cleanupRawObject(id, previousKey)

	return nil
}

// cleanupRawObject removes the raw upload after a successful transcode. The
// record already points at the processed content, so a failure here only
// leaks an orphan object; it is logged and dropped.
func (s *VideoService) cleanupRawObject(id, key string) {
	if !strings.HasPrefix(key, common.RawKeyPrefix) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.storage.DeleteObject(ctx, key); err != nil {
			s.logger.Warn(ctx, "failed to delete raw object", "video_id", id, "key", key, "error", err)
		}
	}()
}

// MarkFailed moves a video to FAILED from any state except PROCESSED: a
// recorded success is never overwritten by a stale failure callback.
func (s *VideoService) MarkFailed(ctx context.Context, id string) error {
	repo := s.repomanager.Videos(s.db)

	video, err := repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	switch video.Status {
	case models.StatusFailed:
		return common.ErrDuplicateEvent
	case models.StatusProcessed:
		return fmt.Errorf("%w: %s -> %s", common.ErrInvalidTransition, video.Status, models.StatusFailed)
	}

	err = repo.MarkFailed(ctx, id)
	if errors.Is(err, common.ErrVersionConflict) {
		return fmt.Errorf("%w: %s -> %s", common.ErrInvalidTransition, models.StatusProcessed, models.StatusFailed)
	}
	return err
}

// DownloadLinks returns the video together with a presigned GET URL per
// variant. Links are nil unless the video is PROCESSED.
func (s *VideoService) DownloadLinks(ctx context.Context, id string) (*models.Video, []DownloadLink, error) {
	video, err := s.repomanager.Videos(s.db).GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if video.Status != models.StatusProcessed {
		return video, nil, nil
	}

	links := make([]DownloadLink, 0, len(video.Variants))
	for _, v := range video.Variants {
		url, err := s.storage.IssueDownloadURL(ctx, v.StorageKey, s.config.DownloadURLTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("error issuing download url: %w", err)
		}
		links = append(links, DownloadLink{Quality: v.Quality, URL: url})
	}
	return video, links, nil
}

// DeleteObject removes an object from storage by key.
func (s *VideoService) DeleteObject(ctx context.Context, key string) error {
	return s.storage.DeleteObject(ctx, key)
}

// HandleUploadCompleted reacts to a storage upload-completion event: resolve
// the object key to a video, move it to QUEUED and publish a processing task.
//
// Resolution failures (malformed key, unknown object) are permanent and must
// be treated by the caller as benign skips. If publishing fails after the
// QUEUED transition, the transition is compensated back to UPLOADED so a
// redelivered event can retry the whole step.
func (s *VideoService) HandleUploadCompleted(ctx context.Context, storageKey string) (string, error) {
	id, err := s.resolver.Resolve(ctx, storageKey)
	if err != nil {
		return "", err
	}

	if err := s.MarkQueued(ctx, id); err != nil {
		return id, err
	}

	if err := s.publisher.Publish(ctx, id, storageKey); err != nil {
		repo := s.repomanager.Videos(s.db)
		if cerr := repo.UpdateStatus(ctx, id, models.StatusQueued, models.StatusUploaded); cerr != nil {
			s.logger.Error(ctx, "failed to compensate queued transition", "video_id", id, "error", cerr)
		}
		return id, fmt.Errorf("error publishing processing task: %w", err)
	}

	return id, nil
}
