// Package scheduler turns one bulk-send request into individually
// time-scheduled delivery jobs, and handles batch-level cancellation.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sendloop/sendloop/internal/db"
	"github.com/sendloop/sendloop/internal/metrics"
	"github.com/sendloop/sendloop/internal/redis"
)

// ErrNoRecipients is returned for a scheduling request without recipients.
var ErrNoRecipients = errors.New("at least one recipient is required")

// Repository is the slice of the email store the scheduler uses.
type Repository interface {
	CreateEmail(ctx context.Context, email *db.Email) error
	SetJobID(ctx context.Context, id uuid.UUID, jobID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string, retryCount int) (bool, error)
	MarkCanceled(ctx context.Context, id uuid.UUID) error
	ListCancelable(ctx context.Context, userID string, batchID uuid.UUID) ([]*db.Email, error)
	ListEmailsByUser(ctx context.Context, userID string, f db.EmailFilter) ([]*db.Email, error)
	CountEmailsByUser(ctx context.Context, userID string, f db.EmailFilter) (int, error)
	Stats(ctx context.Context, userID string) (*db.EmailStats, error)
}

// Queue is the slice of the delayed job queue the scheduler uses.
type Queue interface {
	Enqueue(ctx context.Context, job *redis.Job, delay time.Duration) (bool, error)
	Remove(ctx context.Context, id string) (bool, error)
}

// ScheduleRequest describes one bulk-send request.
type ScheduleRequest struct {
	Subject            string
	Body               string
	Recipients         []string // order is significant
	StartTime          time.Time
	DelayBetweenEmails time.Duration
}

// RecipientFailure reports one recipient that could not be scheduled.
type RecipientFailure struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

// ScheduleResult reports the outcome of a scheduling request. A request
// can partially succeed: ScheduledCount records were scheduled and Failed
// lists the recipients that were not.
type ScheduleResult struct {
	BatchID        uuid.UUID          `json:"batch_id"`
	ScheduledCount int                `json:"scheduled_count"`
	Failed         []RecipientFailure `json:"failed,omitempty"`
}

// Service plans batches of scheduled emails and cancels them.
type Service struct {
	repo     Repository
	queue    Queue
	minDelay time.Duration
	logger   *zap.Logger
}

// New creates a scheduler service. minDelay is the floor applied to the
// requested delay between emails.
func New(repo Repository, queue Queue, minDelay time.Duration, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		queue:    queue,
		minDelay: minDelay,
		logger:   logger,
	}
}

// Schedule creates one email record and one delivery job per recipient.
// Recipient i (0-based, input order) is scheduled at
// startTime + i*max(requestedDelay, minDelay). Recipients are attempted
// independently: one failure never aborts the rest of the batch.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest, userID string) (*ScheduleResult, error) {
	if len(req.Recipients) == 0 {
		return nil, ErrNoRecipients
	}

	effectiveDelay := req.DelayBetweenEmails
	if effectiveDelay < s.minDelay {
		effectiveDelay = s.minDelay
	}

	result := &ScheduleResult{BatchID: uuid.New()}

	s.logger.Info("scheduling batch",
		zap.String("batch_id", result.BatchID.String()),
		zap.String("user_id", userID),
		zap.Int("recipients", len(req.Recipients)),
		zap.Time("start_time", req.StartTime),
		zap.Duration("delay", effectiveDelay),
	)

	for i, raw := range req.Recipients {
		recipient := strings.TrimSpace(raw)
		if recipient == "" {
			result.Failed = append(result.Failed, RecipientFailure{
				Recipient: raw,
				Error:     "empty recipient address",
			})
			continue
		}

		email := &db.Email{
			ID:          uuid.New(),
			UserID:      userID,
			BatchID:     result.BatchID,
			Recipient:   recipient,
			Subject:     req.Subject,
			Body:        req.Body,
			Status:      db.StatusScheduled,
			ScheduledAt: req.StartTime.Add(time.Duration(i) * effectiveDelay),
		}

		if err := s.repo.CreateEmail(ctx, email); err != nil {
			result.Failed = append(result.Failed, RecipientFailure{
				Recipient: recipient,
				Error:     err.Error(),
			})
			continue
		}

		job := &redis.Job{
			EmailID:   email.ID,
			Recipient: recipient,
			Subject:   req.Subject,
			Body:      req.Body,
			UserID:    userID,
			BatchID:   result.BatchID,
		}

		delay := time.Until(email.ScheduledAt)
		if delay < 0 {
			delay = 0
		}

		if _, err := s.queue.Enqueue(ctx, job, delay); err != nil {
			// the record exists but will never be dispatched; surface it
			// as a FAILED record rather than a half-alive SCHEDULED one
			if _, merr := s.repo.MarkFailed(ctx, email.ID, err.Error(), 0); merr != nil {
				s.logger.Error("failed to mark unqueued email failed",
					zap.Error(merr),
					zap.String("email_id", email.ID.String()),
				)
			}
			result.Failed = append(result.Failed, RecipientFailure{
				Recipient: recipient,
				Error:     err.Error(),
			})
			continue
		}

		if err := s.repo.SetJobID(ctx, email.ID, job.ID()); err != nil {
			s.logger.Warn("failed to record job id",
				zap.Error(err),
				zap.String("email_id", email.ID.String()),
			)
		}

		result.ScheduledCount++
	}

	metrics.RecordEmailsScheduled(result.ScheduledCount)
	s.logger.Info("batch scheduled",
		zap.String("batch_id", result.BatchID.String()),
		zap.Int("scheduled", result.ScheduledCount),
		zap.Int("failed", len(result.Failed)),
	)

	return result, nil
}

// CancelBatch removes a batch's not-yet-delivered jobs and terminates
// their records. SCHEDULED and RESCHEDULED records are both targeted; a
// RESCHEDULED record's job is live in the queue and just as removable.
// Returns the number of jobs actually removed: a record whose job was
// already claimed by a worker is marked canceled but not counted, and its
// in-flight attempt may still complete first.
func (s *Service) CancelBatch(ctx context.Context, batchID uuid.UUID, userID string) (int, error) {
	emails, err := s.repo.ListCancelable(ctx, userID, batchID)
	if err != nil {
		return 0, err
	}

	canceled := 0
	for _, email := range emails {
		if email.JobID != nil {
			removed, err := s.queue.Remove(ctx, *email.JobID)
			if err != nil {
				s.logger.Error("failed to remove job",
					zap.Error(err),
					zap.String("job_id", *email.JobID),
				)
			} else if removed {
				canceled++
			}
		}

		if err := s.repo.MarkCanceled(ctx, email.ID); err != nil {
			s.logger.Error("failed to mark email canceled",
				zap.Error(err),
				zap.String("email_id", email.ID.String()),
			)
		}
	}

	metrics.RecordEmailsCanceled(canceled)
	s.logger.Info("batch canceled",
		zap.String("batch_id", batchID.String()),
		zap.String("user_id", userID),
		zap.Int("canceled", canceled),
	)

	return canceled, nil
}

// GetEmailsByUser returns a page of the user's emails plus the total
// matching the filter.
func (s *Service) GetEmailsByUser(ctx context.Context, userID string, f db.EmailFilter) ([]*db.Email, int, error) {
	total, err := s.repo.CountEmailsByUser(ctx, userID, f)
	if err != nil {
		return nil, 0, err
	}

	emails, err := s.repo.ListEmailsByUser(ctx, userID, f)
	if err != nil {
		return nil, 0, err
	}

	return emails, total, nil
}

// Stats returns per-status counts for the user's emails.
func (s *Service) Stats(ctx context.Context, userID string) (*db.EmailStats, error) {
	return s.repo.Stats(ctx, userID)
}
