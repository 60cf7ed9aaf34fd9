package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for email records
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new email repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const emailColumns = `
	id, user_id, batch_id, recipient, subject, body,
	status, scheduled_at, sent_at, error_message, retry_count, job_id,
	created_at, updated_at`

func scanEmail(row pgx.Row) (*Email, error) {
	var e Email
	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.BatchID,
		&e.Recipient,
		&e.Subject,
		&e.Body,
		&e.Status,
		&e.ScheduledAt,
		&e.SentAt,
		&e.ErrorMessage,
		&e.RetryCount,
		&e.JobID,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateEmail inserts a new email record
func (r *Repository) CreateEmail(ctx context.Context, email *Email) error {
	query := `
		INSERT INTO emails (
			id, user_id, batch_id, recipient, subject, body,
			status, scheduled_at, retry_count
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		email.ID,
		email.UserID,
		email.BatchID,
		email.Recipient,
		email.Subject,
		email.Body,
		email.Status,
		email.ScheduledAt,
		email.RetryCount,
	).Scan(&email.CreatedAt, &email.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create email record",
			zap.Error(err),
			zap.String("email_id", email.ID.String()),
		)
		return fmt.Errorf("insert email: %w", err)
	}

	r.logger.Debug("email record created",
		zap.String("email_id", email.ID.String()),
		zap.String("batch_id", email.BatchID.String()),
		zap.Time("scheduled_at", email.ScheduledAt),
	)

	return nil
}

// GetEmail retrieves an email record by ID
func (r *Repository) GetEmail(ctx context.Context, id uuid.UUID) (*Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails WHERE id = $1`

	email, err := scanEmail(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("email not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query email: %w", err)
	}

	return email, nil
}

// SetJobID records the queue job identifier on a freshly scheduled email.
func (r *Repository) SetJobID(ctx context.Context, id uuid.UUID, jobID string) error {
	query := `UPDATE emails SET job_id = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.Pool().Exec(ctx, query, jobID, id)
	if err != nil {
		return fmt.Errorf("set job id: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("email not found: %s", id)
	}

	return nil
}

func buildFilter(userID string, f EmailFilter) (string, []any) {
	where := "WHERE user_id = $1"
	args := []any{userID}

	if f.Status != "" {
		args = append(args, f.Status)
		where += " AND status = $" + strconv.Itoa(len(args))
	}
	if f.BatchID != uuid.Nil {
		args = append(args, f.BatchID)
		where += " AND batch_id = $" + strconv.Itoa(len(args))
	}

	return where, args
}

// ListEmailsByUser retrieves a user's emails with optional status/batch
// filters, newest scheduled first.
func (r *Repository) ListEmailsByUser(ctx context.Context, userID string, f EmailFilter) ([]*Email, error) {
	where, args := buildFilter(userID, f)

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	limitClause := " LIMIT $" + strconv.Itoa(len(args))
	args = append(args, f.Offset)
	offsetClause := " OFFSET $" + strconv.Itoa(len(args))

	query := `SELECT ` + emailColumns + ` FROM emails ` + where +
		` ORDER BY scheduled_at DESC` + limitClause + offsetClause

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query emails: %w", err)
	}
	defer rows.Close()

	var emails []*Email
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		emails = append(emails, email)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return emails, nil
}

// ListCancelable retrieves a batch's records that still have a live job:
// SCHEDULED and RESCHEDULED, nothing terminal.
func (r *Repository) ListCancelable(ctx context.Context, userID string, batchID uuid.UUID) ([]*Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails
		WHERE user_id = $1 AND batch_id = $2 AND status = ANY($3)
		ORDER BY scheduled_at ASC`

	rows, err := r.db.Pool().Query(ctx, query, userID, batchID,
		[]string{StatusScheduled, StatusRescheduled})
	if err != nil {
		return nil, fmt.Errorf("query cancelable emails: %w", err)
	}
	defer rows.Close()

	var emails []*Email
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		emails = append(emails, email)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return emails, nil
}

// CountEmailsByUser counts a user's emails matching the filter.
func (r *Repository) CountEmailsByUser(ctx context.Context, userID string, f EmailFilter) (int, error) {
	where, args := buildFilter(userID, f)

	var count int
	err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM emails `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count emails: %w", err)
	}

	return count, nil
}

// Stats returns per-status email counts for a user in a single query.
func (r *Repository) Stats(ctx context.Context, userID string) (*EmailStats, error) {
	query := `SELECT status, COUNT(*) FROM emails WHERE user_id = $1 GROUP BY status`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query email stats: %w", err)
	}
	defer rows.Close()

	var stats EmailStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan email stats: %w", err)
		}

		stats.Total += count
		switch status {
		case StatusScheduled, StatusRescheduled:
			stats.Scheduled += count
		case StatusSent:
			stats.Sent += count
		case StatusFailed:
			stats.Failed += count
		case StatusPending:
			stats.Pending += count
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return &stats, nil
}

// guardClause excludes user-canceled records from worker updates. A job
// claimed before its batch was canceled must not resurrect the record.
const guardClause = ` AND NOT (status = 'FAILED' AND error_message = '` + CancelErrorMessage + `')`

// MarkSent records a successful delivery. Returns false if the record was
// canceled in the meantime and therefore left untouched.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (bool, error) {
	query := `
		UPDATE emails
		SET status = $1, sent_at = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $3` + guardClause

	result, err := r.db.Pool().Exec(ctx, query, StatusSent, sentAt, id)
	if err != nil {
		r.logger.Error("failed to mark email sent",
			zap.Error(err),
			zap.String("email_id", id.String()),
		)
		return false, fmt.Errorf("mark sent: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// MarkFailed records a failed delivery attempt with its error and attempt
// count. Returns false if the record was canceled in the meantime.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string, retryCount int) (bool, error) {
	query := `
		UPDATE emails
		SET status = $1, error_message = $2, retry_count = $3, updated_at = NOW()
		WHERE id = $4` + guardClause

	result, err := r.db.Pool().Exec(ctx, query, StatusFailed, errorMsg, retryCount, id)
	if err != nil {
		r.logger.Error("failed to mark email failed",
			zap.Error(err),
			zap.String("email_id", id.String()),
		)
		return false, fmt.Errorf("mark failed: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// MarkRescheduled defers a quota-limited email to a later scheduled time.
// Returns false if the record was canceled in the meantime.
func (r *Repository) MarkRescheduled(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (bool, error) {
	query := `
		UPDATE emails
		SET status = $1, scheduled_at = $2, updated_at = NOW()
		WHERE id = $3` + guardClause

	result, err := r.db.Pool().Exec(ctx, query, StatusRescheduled, scheduledAt, id)
	if err != nil {
		r.logger.Error("failed to mark email rescheduled",
			zap.Error(err),
			zap.String("email_id", id.String()),
		)
		return false, fmt.Errorf("mark rescheduled: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// MarkCanceled terminates a record on user cancellation.
func (r *Repository) MarkCanceled(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE emails
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusFailed, CancelErrorMessage, id)
	if err != nil {
		return fmt.Errorf("mark canceled: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("email not found: %s", id)
	}

	return nil
}
