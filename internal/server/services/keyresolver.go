package services

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/dmitrijs2005/vidstream/internal/common"
	"github.com/dmitrijs2005/vidstream/internal/server/repositories/repomanager"
)

// KeyResolver maps a raw object-storage key back to the video record it
// belongs to. Keys look like "raw-videos/<uuid>-<fileName>".
type KeyResolver struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
}

func NewKeyResolver(db *sql.DB, repomanager repomanager.RepositoryManager) *KeyResolver {
	return &KeyResolver{db: db, repomanager: repomanager}
}

// Resolve returns the id of the video the key refers to. Matching order:
//  1. exact storage key,
//  2. the original file name recovered from the key's last segment.
//
// Malformed keys yield common.ErrMalformedKey or
// common.ErrMissingTokenSeparator; an unmatched well-formed key yields
// common.ErrorNotFound. All three are permanent: redelivering the same event
// can never change the outcome.
func (r *KeyResolver) Resolve(ctx context.Context, storageKey string) (string, error) {
	slash := strings.LastIndex(storageKey, "/")
	if slash < 0 {
		return "", common.ErrMalformedKey
	}
	last := storageKey[slash+1:]

	dash := strings.Index(last, "-")
	if dash < 0 {
		return "", common.ErrMissingTokenSeparator
	}
	fileName := last[dash+1:]

	repo := r.repomanager.Videos(r.db)

	video, err := repo.GetByStorageKey(ctx, storageKey)
	if err == nil {
		return video.ID, nil
	}
	if !errors.Is(err, common.ErrorNotFound) {
		return "", err
	}

	video, err = repo.GetByFileName(ctx, fileName)
	if err != nil {
		return "", err
	}
	return video.ID, nil
}
