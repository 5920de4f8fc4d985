package repositories

import (
	"context"
	"time"

	"github.com/upb/rainymodel/models"
)

// RequestLogRepository persists request records
type RequestLogRepository interface {
	// Insert inserts a new request record
	Insert(ctx context.Context, rec *models.RequestRecord) error

	// InsertBatch inserts several records in one transaction
	InsertBatch(ctx context.Context, recs []*models.RequestRecord) error

	// ListRecent retrieves the newest records first
	ListRecent(ctx context.Context, limit int) ([]*models.RequestRecord, error)

	// ListByAlias retrieves the newest records of one alias
	ListByAlias(ctx context.Context, alias string, limit int) ([]*models.RequestRecord, error)

	// CountSince counts records created at or after since
	CountSince(ctx context.Context, since time.Time) (int, error)

	// DeleteBefore removes records older than before and returns how many
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Repositories holds all repository instances
type Repositories struct {
	RequestLogs RequestLogRepository
}
