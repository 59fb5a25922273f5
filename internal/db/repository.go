package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no delivery record exists for a request id.
var ErrNotFound = errors.New("delivery record not found")

// Repository handles database operations for delivery records
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new delivery record repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// UpsertPending creates a pending delivery record for a request id.
// A duplicate request id is a queue redelivery, not new work, so the
// existing record is reset to pending instead of failing on uniqueness.
func (r *Repository) UpsertPending(ctx context.Context, rec *DeliveryRecord) error {
	query := `
		INSERT INTO delivery_records (
			id, request_id, user_id, template_code, status
		) VALUES (
			$1, $2, $3, $4, $5
		)
		ON CONFLICT (request_id) DO UPDATE SET
			status = EXCLUDED.status,
			error_message = NULL,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	if rec.Status == "" {
		rec.Status = StatusPending
	}

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		uuid.New(),
		rec.RequestID,
		rec.UserID,
		rec.TemplateCode,
		rec.Status,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to upsert delivery record",
			zap.Error(err),
			zap.String("request_id", rec.RequestID),
		)
		return fmt.Errorf("upsert delivery record: %w", err)
	}

	return nil
}

// MarkDelivered finalizes a record with the resolved recipient and
// rendered content, stamping the send time.
func (r *Repository) MarkDelivered(ctx context.Context, requestID, recipient, subject, body string) error {
	query := `
		UPDATE delivery_records
		SET status = $1, recipient_email = $2, subject = $3, body = $4,
		    error_message = NULL, sent_at = NOW(), updated_at = NOW()
		WHERE request_id = $5
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusDelivered, recipient, subject, body, requestID)
	if err != nil {
		r.logger.Error("failed to mark delivery record delivered",
			zap.Error(err),
			zap.String("request_id", requestID),
		)
		return fmt.Errorf("mark delivered: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}

	return nil
}

// MarkFailed finalizes a record with the failure description. Failures
// before record creation have nothing to update; that is not an error.
func (r *Repository) MarkFailed(ctx context.Context, requestID, errorMsg string) error {
	query := `
		UPDATE delivery_records
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE request_id = $3
	`

	_, err := r.db.Pool().Exec(ctx, query, StatusFailed, errorMsg, requestID)
	if err != nil {
		r.logger.Error("failed to mark delivery record failed",
			zap.Error(err),
			zap.String("request_id", requestID),
		)
		return fmt.Errorf("mark failed: %w", err)
	}

	return nil
}

// GetByRequestID retrieves a delivery record by request id
func (r *Repository) GetByRequestID(ctx context.Context, requestID string) (*DeliveryRecord, error) {
	query := `
		SELECT
			id, request_id, user_id, template_code, status,
			COALESCE(recipient_email, ''), COALESCE(subject, ''), COALESCE(body, ''),
			error_message, sent_at, created_at, updated_at
		FROM delivery_records
		WHERE request_id = $1
	`

	var rec DeliveryRecord
	err := r.db.Pool().QueryRow(ctx, query, requestID).Scan(
		&rec.ID,
		&rec.RequestID,
		&rec.UserID,
		&rec.TemplateCode,
		&rec.Status,
		&rec.Recipient,
		&rec.Subject,
		&rec.Body,
		&rec.ErrorMessage,
		&rec.SentAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}

	if err != nil {
		r.logger.Error("failed to get delivery record",
			zap.Error(err),
			zap.String("request_id", requestID),
		)
		return nil, fmt.Errorf("query delivery record: %w", err)
	}

	return &rec, nil
}

// List returns recent delivery records, newest first, optionally
// filtered by user id and status. Empty filters match everything.
func (r *Repository) List(ctx context.Context, userID, status string, limit int) ([]*DeliveryRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `
		SELECT
			id, request_id, user_id, template_code, status,
			COALESCE(recipient_email, ''), COALESCE(subject, ''), COALESCE(body, ''),
			error_message, sent_at, created_at, updated_at
		FROM delivery_records
		WHERE ($1 = '' OR user_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, status, limit)
	if err != nil {
		r.logger.Error("failed to list delivery records",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("status", status),
		)
		return nil, fmt.Errorf("list delivery records: %w", err)
	}
	defer rows.Close()

	var records []*DeliveryRecord
	for rows.Next() {
		var rec DeliveryRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.RequestID,
			&rec.UserID,
			&rec.TemplateCode,
			&rec.Status,
			&rec.Recipient,
			&rec.Subject,
			&rec.Body,
			&rec.ErrorMessage,
			&rec.SentAt,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery record: %w", err)
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// Stats aggregates delivery counts and the success rate
func (r *Repository) Stats(ctx context.Context) (*DeliveryStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'delivered'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'pending')
		FROM delivery_records
	`

	var stats DeliveryStats
	err := r.db.Pool().QueryRow(ctx, query).Scan(
		&stats.Total,
		&stats.Delivered,
		&stats.Failed,
		&stats.Pending,
	)
	if err != nil {
		return nil, fmt.Errorf("query delivery stats: %w", err)
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Delivered) / float64(stats.Total) * 100
	}

	return &stats, nil
}
