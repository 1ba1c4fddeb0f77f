package videos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/vidstream/internal/common"
	"github.com/dmitrijs2005/vidstream/internal/dbx"
	"github.com/dmitrijs2005/vidstream/internal/server/models"
)

// PostgresRepository implements video storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new video record.
func (r *PostgresRepository) Create(ctx context.Context, video *models.Video) error {
	query := `
		INSERT INTO videos (id, title, description, file_name, content_type, storage_key, status, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		video.ID, video.Title, video.Description, video.FileName, video.ContentType,
		video.StorageKey, video.Status, video.UploadedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const videoColumns = `id, title, description, file_name, content_type, storage_key, status, uploaded_at, processed_at`

func (r *PostgresRepository) scanVideo(row *sql.Row) (*models.Video, error) {
	v := &models.Video{}
	var processedAt sql.NullTime
	err := row.Scan(&v.ID, &v.Title, &v.Description, &v.FileName, &v.ContentType,
		&v.StorageKey, &v.Status, &v.UploadedAt, &processedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("failed to select video: %w", err)
	}
	if processedAt.Valid {
		v.ProcessedAt = &processedAt.Time
	}
	return v, nil
}

func (r *PostgresRepository) loadVariants(ctx context.Context, v *models.Video) error {
	query := `SELECT quality, storage_key, url, content_type FROM video_variants WHERE video_id=$1 ORDER BY position`
	rows, err := r.db.QueryContext(ctx, query, v.ID)
	if err != nil {
		return fmt.Errorf("failed to select variants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.VideoVariant
		if err := rows.Scan(&item.Quality, &item.StorageKey, &item.URL, &item.ContentType); err != nil {
			return err
		}
		v.Variants = append(v.Variants, item)
	}
	return rows.Err()
}

// GetByID returns a video with its variants.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE id=$1`
	v, err := r.scanVideo(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadVariants(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// GetByStorageKey returns the video whose current storage key matches exactly.
func (r *PostgresRepository) GetByStorageKey(ctx context.Context, key string) (*models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE storage_key=$1`
	return r.scanVideo(r.db.QueryRowContext(ctx, query, key))
}

// GetByFileName returns the most recently uploaded video with the given
// original file name. File names are not unique across uploads, so this is
// only used as a resolution fallback.
func (r *PostgresRepository) GetByFileName(ctx context.Context, fileName string) (*models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE file_name=$1 ORDER BY uploaded_at DESC LIMIT 1`
	return r.scanVideo(r.db.QueryRowContext(ctx, query, fileName))
}

// ListByStatus returns all videos in the given status, most recent first,
// without variants.
func (r *PostgresRepository) ListByStatus(ctx context.Context, status models.VideoStatus) ([]*models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE status=$1 ORDER BY uploaded_at DESC`
	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to select videos: %w", err)
	}
	defer rows.Close()

	var result []*models.Video
	for rows.Next() {
		v := &models.Video{}
		var processedAt sql.NullTime
		if err := rows.Scan(&v.ID, &v.Title, &v.Description, &v.FileName, &v.ContentType,
			&v.StorageKey, &v.Status, &v.UploadedAt, &processedAt); err != nil {
			return nil, err
		}
		if processedAt.Valid {
			v.ProcessedAt = &processedAt.Time
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateStatus applies a compare-and-set status transition. A zero row count
// means the video is not currently in the expected status (or does not
// exist) and yields ErrVersionConflict.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, from, to models.VideoStatus) error {
	query := `UPDATE videos SET status=$1 WHERE id=$2 AND status=$3`
	res, err := r.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return checkOneRow(res)
}

// MarkProcessed finalizes a transcode: CAS PROCESSING -> PROCESSED plus the
// storage key rewrite and processed_at stamp, in a single statement.
func (r *PostgresRepository) MarkProcessed(ctx context.Context, id, storageKey string, processedAt time.Time) error {
	query := `UPDATE videos SET status=$1, storage_key=$2, processed_at=$3 WHERE id=$4 AND status=$5`
	res, err := r.db.ExecContext(ctx, query, models.StatusProcessed, storageKey, processedAt, id, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return checkOneRow(res)
}

// MarkFailed moves the video to FAILED unless it has already been PROCESSED.
// A recorded success is never clobbered by a stale failure callback.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id string) error {
	query := `UPDATE videos SET status=$1 WHERE id=$2 AND status<>$3`
	res, err := r.db.ExecContext(ctx, query, models.StatusFailed, id, models.StatusProcessed)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return checkOneRow(res)
}

// ReplaceVariants wipes and re-inserts the variant list for the video.
func (r *PostgresRepository) ReplaceVariants(ctx context.Context, id string, variants []models.VideoVariant) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM video_variants WHERE video_id=$1`, id); err != nil {
		return fmt.Errorf("failed to delete variants: %w", err)
	}
	query := `
		INSERT INTO video_variants (video_id, position, quality, storage_key, url, content_type)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for i, variant := range variants {
		if _, err := r.db.ExecContext(ctx, query,
			id, i, variant.Quality, variant.StorageKey, variant.URL, variant.ContentType); err != nil {
			return fmt.Errorf("failed to insert variant: %w", err)
		}
	}
	return nil
}

func checkOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrVersionConflict
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}
