package videos

import (
	"context"
	"time"

	"github.com/dmitrijs2005/vidstream/internal/server/models"
)

// Repository is the persistence contract for video records. Implementations
// must make UpdateStatus a compare-and-set so that concurrent handlers for
// the same video cannot both apply the same transition.
type Repository interface {
	Create(ctx context.Context, video *models.Video) error
	GetByID(ctx context.Context, id string) (*models.Video, error)
	GetByStorageKey(ctx context.Context, key string) (*models.Video, error)
	GetByFileName(ctx context.Context, fileName string) (*models.Video, error)
	ListByStatus(ctx context.Context, status models.VideoStatus) ([]*models.Video, error)

	// UpdateStatus moves a video from one status to another atomically.
	// Returns common.ErrVersionConflict when the row is not currently in
	// the "from" status (including when the id does not exist).
	UpdateStatus(ctx context.Context, id string, from, to models.VideoStatus) error

	// MarkProcessed finalizes a successful transcode: PROCESSING -> PROCESSED,
	// rewrites the storage key and records processed_at. Same CAS semantics
	// as UpdateStatus.
	MarkProcessed(ctx context.Context, id, storageKey string, processedAt time.Time) error

	// MarkFailed moves a video to FAILED from any status except PROCESSED.
	MarkFailed(ctx context.Context, id string) error

	// ReplaceVariants deletes all existing variants of the video and inserts
	// the given list. Variants are replaced wholesale, never merged.
	ReplaceVariants(ctx context.Context, id string, variants []models.VideoVariant) error
}
