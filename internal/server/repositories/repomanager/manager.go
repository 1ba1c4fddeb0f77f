// Package repomanager vends repository implementations bound to a DBTX and
// exposes a schema migration hook, so services can use the same repositories
// over either a plain connection or an open transaction.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/vidstream/internal/dbx"
	"github.com/dmitrijs2005/vidstream/internal/server/repositories/videos"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Videos(db dbx.DBTX) videos.Repository
}
