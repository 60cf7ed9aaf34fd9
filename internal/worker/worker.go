package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sendloop/sendloop/internal/metrics"
	"github.com/sendloop/sendloop/internal/redis"
)

// Queue is the delayed job queue the worker pool drains.
type Queue interface {
	ClaimDue(ctx context.Context) (*redis.Job, error)
	MoveToDelayed(ctx context.Context, job *redis.Job, dueAt time.Time) error
	Ack(ctx context.Context, id string) error
	RequeueExpired(ctx context.Context) (int, error)
	PendingCount(ctx context.Context) (int64, error)
}

// Repository is the slice of the email store the worker mutates. All three
// updates are guarded: they report false when the record was canceled by
// the user after the job was claimed.
type Repository interface {
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string, retryCount int) (bool, error)
	MarkRescheduled(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (bool, error)
}

// Quota is the per-user hourly send quota.
type Quota interface {
	CheckAndIncrement(ctx context.Context, userID string) bool
	NextWindowDelay() time.Duration
}

type Worker struct {
	queue   Queue
	repo    Repository
	quota   Quota
	sender  Sender
	limiter *rate.Limiter
	config  Config
	logger  *zap.Logger
}

type Config struct {
	Concurrency  int
	MaxAttempts  int
	RatePerSec   int           // attempts-per-second cap across the whole pool
	PollInterval time.Duration // idle wait when no job is due
	RetryBackoff time.Duration // base for exponential retry backoff
}

func New(queue Queue, repo Repository, quota Quota, sender Sender, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}

	return &Worker{
		queue:   queue,
		repo:    repo,
		quota:   quota,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		config:  cfg,
		logger:  logger,
	}
}

// Start runs the worker pool until ctx is canceled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("starting dispatch workers",
		zap.Int("concurrency", w.config.Concurrency),
		zap.Int("rate_per_sec", w.config.RatePerSec),
	)

	var wg sync.WaitGroup
	for i := 0; i < w.config.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.run(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.maintainQueue(ctx)
	}()

	wg.Wait()
	w.logger.Info("dispatch workers stopped")
}

func (w *Worker) run(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.ClaimDue(ctx)
		if err != nil {
			w.logger.Error("failed to claim job",
				zap.Error(err),
				zap.Int("worker", id),
			)
			w.idle(ctx)
			continue
		}
		if job == nil {
			w.idle(ctx)
			continue
		}

		w.process(ctx, job)
	}
}

func (w *Worker) idle(ctx context.Context) {
	timer := time.NewTimer(w.config.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// process handles one claimed job: consult quota, send, record outcome.
// The record is mutated only by the worker holding the job, so no locking
// beyond the queue's exclusive claim is needed.
func (w *Worker) process(ctx context.Context, job *redis.Job) {
	if !w.quota.CheckAndIncrement(ctx, job.UserID) {
		w.deferToNextWindow(ctx, job)
		return
	}

	if err := w.limiter.Wait(ctx); err != nil {
		// shutting down: hand the claim back so another run picks it up
		if err := w.queue.MoveToDelayed(context.Background(), job, time.Now()); err != nil {
			w.logger.Error("failed to requeue job on shutdown",
				zap.Error(err),
				zap.String("job_id", job.ID()),
			)
		}
		return
	}

	start := time.Now()
	messageID, err := w.sender.Send(ctx, job.Recipient, job.Subject, job.Body)
	metrics.RecordSendLatency(time.Since(start))

	if err != nil {
		w.handleSendFailure(ctx, job, err)
		return
	}

	updated, uerr := w.repo.MarkSent(ctx, job.EmailID, time.Now())
	if uerr != nil {
		// the email left the building; a record write failure must never
		// trigger a duplicate send
		w.logger.Error("email sent but status update failed",
			zap.Error(uerr),
			zap.String("email_id", job.EmailID.String()),
		)
	} else if !updated {
		w.logger.Warn("email canceled mid-flight, delivery already completed",
			zap.String("email_id", job.EmailID.String()),
		)
	}

	if err := w.queue.Ack(ctx, job.ID()); err != nil {
		w.logger.Error("failed to ack job",
			zap.Error(err),
			zap.String("job_id", job.ID()),
		)
	}

	metrics.RecordDispatch("sent")
	w.logger.Info("email sent",
		zap.String("email_id", job.EmailID.String()),
		zap.String("recipient", job.Recipient),
		zap.String("message_id", messageID),
	)
}

// deferToNextWindow parks a quota-denied job until the hour rolls over.
// Not a failure: the attempt count is untouched and quota is re-consulted
// on the next attempt.
func (w *Worker) deferToNextWindow(ctx context.Context, job *redis.Job) {
	dueAt := time.Now().Add(w.quota.NextWindowDelay())

	updated, uerr := w.repo.MarkRescheduled(ctx, job.EmailID, dueAt)
	if uerr != nil {
		w.logger.Error("failed to mark email rescheduled",
			zap.Error(uerr),
			zap.String("email_id", job.EmailID.String()),
		)
	}

	// a record canceled after the claim must not come back next window
	if uerr == nil && !updated {
		if err := w.queue.Ack(ctx, job.ID()); err != nil {
			w.logger.Error("failed to ack canceled job", zap.Error(err))
		}
		w.logger.Info("email canceled while deferred, job dropped",
			zap.String("email_id", job.EmailID.String()),
		)
		return
	}

	if err := w.queue.MoveToDelayed(ctx, job, dueAt); err != nil {
		w.logger.Error("failed to defer job",
			zap.Error(err),
			zap.String("job_id", job.ID()),
		)
		return
	}

	metrics.RecordQuotaDeferral()
	metrics.RecordDispatch("rescheduled")
	w.logger.Info("hourly quota reached, email rescheduled",
		zap.String("email_id", job.EmailID.String()),
		zap.String("user_id", job.UserID),
		zap.Time("due_at", dueAt),
	)
}

func (w *Worker) handleSendFailure(ctx context.Context, job *redis.Job, sendErr error) {
	attempt := job.Attempt + 1

	updated, uerr := w.repo.MarkFailed(ctx, job.EmailID, sendErr.Error(), attempt)
	if uerr != nil {
		w.logger.Error("failed to mark email failed",
			zap.Error(uerr),
			zap.String("email_id", job.EmailID.String()),
		)
	}

	metrics.RecordDispatch("failed")
	w.logger.Error("email delivery failed",
		zap.Error(sendErr),
		zap.String("email_id", job.EmailID.String()),
		zap.String("recipient", job.Recipient),
		zap.Int("attempt", attempt),
	)

	// a canceled record is not worth retrying
	if uerr == nil && !updated {
		if err := w.queue.Ack(ctx, job.ID()); err != nil {
			w.logger.Error("failed to ack canceled job", zap.Error(err))
		}
		return
	}

	if attempt >= w.config.MaxAttempts {
		if err := w.queue.Ack(ctx, job.ID()); err != nil {
			w.logger.Error("failed to ack exhausted job", zap.Error(err))
		}
		w.logger.Warn("email permanently failed",
			zap.String("email_id", job.EmailID.String()),
			zap.Int("attempts", attempt),
		)
		return
	}

	job.Attempt = attempt
	backoff := w.config.RetryBackoff * time.Duration(1<<(attempt-1))
	if err := w.queue.MoveToDelayed(ctx, job, time.Now().Add(backoff)); err != nil {
		w.logger.Error("failed to requeue job for retry",
			zap.Error(err),
			zap.String("job_id", job.ID()),
		)
	}
}

// maintainQueue periodically re-delivers claims abandoned by dead workers
// and refreshes the queue depth gauge.
func (w *Worker) maintainQueue(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.RequeueExpired(ctx); err != nil {
				w.logger.Error("failed to requeue expired claims", zap.Error(err))
			}

			count, err := w.queue.PendingCount(ctx)
			if err != nil {
				continue
			}
			metrics.SetJobsPending(count)
		}
	}
}
