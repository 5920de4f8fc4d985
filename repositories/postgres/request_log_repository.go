package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/rainymodel/models"
	"github.com/upb/rainymodel/repositories"
)

const requestLogColumns = `id, request_id, created_at, alias, upstream, route, model, policy,
		       latency_ms, success, status_code, stream, input_tokens, output_tokens,
		       error_type, error_message, fallback_from, tried`

// RequestLogRepository implements the repositories.RequestLogRepository interface
type RequestLogRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRequestLogRepository creates a new request log repository
func NewRequestLogRepository(db *DB, logger *zap.Logger) repositories.RequestLogRepository {
	return &RequestLogRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new request record
func (r *RequestLogRepository) Insert(ctx context.Context, rec *models.RequestRecord) error {
	query := `
		INSERT INTO request_logs (
			id, request_id, created_at, alias, upstream, route, model, policy,
			latency_ms, success, status_code, stream, input_tokens, output_tokens,
			error_type, error_message, fallback_from, tried
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
		)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		rec.ID,
		rec.RequestID,
		rec.Timestamp,
		rec.Alias,
		rec.Upstream,
		rec.Route,
		rec.Model,
		rec.Policy,
		rec.LatencyMs,
		rec.Success,
		rec.StatusCode,
		rec.Stream,
		rec.InputTokens,
		rec.OutputTokens,
		nullString(rec.ErrorType),
		nullString(rec.ErrorMessage),
		nullString(rec.FallbackFrom),
		nullString(rec.Tried),
	)
	if err != nil {
		return fmt.Errorf("failed to insert request log: %w", err)
	}

	r.logger.Debug("request log inserted", zap.String("id", rec.ID.String()), zap.String("alias", rec.Alias))
	return nil
}

// InsertBatch inserts several records in one transaction
func (r *RequestLogRepository) InsertBatch(ctx context.Context, recs []*models.RequestRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return r.db.InTransaction(ctx, func(ctx context.Context) error {
		for _, rec := range recs {
			if err := r.Insert(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListRecent retrieves the newest records first
func (r *RequestLogRepository) ListRecent(ctx context.Context, limit int) ([]*models.RequestRecord, error) {
	query := `
		SELECT ` + requestLogColumns + `
		FROM request_logs
		ORDER BY created_at DESC
		LIMIT $1
	`
	return r.queryRecords(ctx, query, limit)
}

// ListByAlias retrieves the newest records of one alias
func (r *RequestLogRepository) ListByAlias(ctx context.Context, alias string, limit int) ([]*models.RequestRecord, error) {
	query := `
		SELECT ` + requestLogColumns + `
		FROM request_logs
		WHERE alias = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	return r.queryRecords(ctx, query, alias, limit)
}

// CountSince counts records created at or after since
func (r *RequestLogRepository) CountSince(ctx context.Context, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM request_logs WHERE created_at >= $1`

	var count int
	if err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count request logs: %w", err)
	}
	return count, nil
}

// DeleteBefore removes records older than before
func (r *RequestLogRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM request_logs WHERE created_at < $1`

	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete request logs: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	r.logger.Info("request logs pruned", zap.Int64("deleted", n), zap.Time("before", before))
	return n, nil
}

// queryRecords is a helper function to query multiple request records
func (r *RequestLogRepository) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*models.RequestRecord, error) {
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query request logs: %w", err)
	}
	defer rows.Close()

	var recs []*models.RequestRecord
	for rows.Next() {
		rec := &models.RequestRecord{}
		var errType, errMsg, fallback, tried sql.NullString
		var upstream, route, model, policy sql.NullString
		var status sql.NullInt64

		if err := rows.Scan(
			&rec.ID,
			&rec.RequestID,
			&rec.Timestamp,
			&rec.Alias,
			&upstream,
			&route,
			&model,
			&policy,
			&rec.LatencyMs,
			&rec.Success,
			&status,
			&rec.Stream,
			&rec.InputTokens,
			&rec.OutputTokens,
			&errType,
			&errMsg,
			&fallback,
			&tried,
		); err != nil {
			return nil, fmt.Errorf("failed to scan request log: %w", err)
		}

		rec.Upstream = upstream.String
		rec.Route = route.String
		rec.Model = model.String
		rec.Policy = policy.String
		rec.StatusCode = int(status.Int64)
		rec.ErrorType = errType.String
		rec.ErrorMessage = errMsg.String
		rec.FallbackFrom = fallback.String
		rec.Tried = tried.String
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating request logs: %w", err)
	}

	return recs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
