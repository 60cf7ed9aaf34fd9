package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sendloop/sendloop/internal/redis"
)

type fakeQueue struct {
	moved   []*redis.Job
	movedAt []time.Time
	acked   []string
}

func (q *fakeQueue) ClaimDue(ctx context.Context) (*redis.Job, error) { return nil, nil }

func (q *fakeQueue) MoveToDelayed(ctx context.Context, job *redis.Job, dueAt time.Time) error {
	copied := *job
	q.moved = append(q.moved, &copied)
	q.movedAt = append(q.movedAt, dueAt)
	return nil
}

func (q *fakeQueue) Ack(ctx context.Context, id string) error {
	q.acked = append(q.acked, id)
	return nil
}

func (q *fakeQueue) RequeueExpired(ctx context.Context) (int, error) { return 0, nil }

func (q *fakeQueue) PendingCount(ctx context.Context) (int64, error) { return 0, nil }

type fakeRepo struct {
	sentIDs       []uuid.UUID
	failed        map[uuid.UUID]int
	rescheduledAt map[uuid.UUID]time.Time
	canceled      bool // simulate a cancel racing the worker
	sentErr       error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		failed:        make(map[uuid.UUID]int),
		rescheduledAt: make(map[uuid.UUID]time.Time),
	}
}

func (r *fakeRepo) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (bool, error) {
	if r.sentErr != nil {
		return false, r.sentErr
	}
	if r.canceled {
		return false, nil
	}
	r.sentIDs = append(r.sentIDs, id)
	return true, nil
}

func (r *fakeRepo) MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string, retryCount int) (bool, error) {
	if r.canceled {
		return false, nil
	}
	r.failed[id] = retryCount
	return true, nil
}

func (r *fakeRepo) MarkRescheduled(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (bool, error) {
	if r.canceled {
		return false, nil
	}
	r.rescheduledAt[id] = scheduledAt
	return true, nil
}

type fakeQuota struct {
	allow bool
	delay time.Duration
}

func (q *fakeQuota) CheckAndIncrement(ctx context.Context, userID string) bool { return q.allow }
func (q *fakeQuota) NextWindowDelay() time.Duration                            { return q.delay }

type fakeSender struct {
	err   error
	calls int
}

func (s *fakeSender) Send(ctx context.Context, to, subject, body string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "msg-123", nil
}

func newTestWorker(q *fakeQueue, r *fakeRepo, quota *fakeQuota, s *fakeSender, maxAttempts int) *Worker {
	return New(q, r, quota, s, Config{
		Concurrency:  1,
		MaxAttempts:  maxAttempts,
		RatePerSec:   1000,
		PollInterval: time.Millisecond,
		RetryBackoff: time.Second,
	}, zap.NewNop())
}

func makeJob(attempt int) *redis.Job {
	return &redis.Job{
		EmailID:   uuid.New(),
		Recipient: "alice@example.com",
		Subject:   "hello",
		Body:      "world",
		UserID:    "user-1",
		BatchID:   uuid.New(),
		Attempt:   attempt,
	}
}

func TestWorker_SendsWhenQuotaAllows(t *testing.T) {
	q, r, s := &fakeQueue{}, newFakeRepo(), &fakeSender{}
	w := newTestWorker(q, r, &fakeQuota{allow: true}, s, 3)

	job := makeJob(0)
	w.process(context.Background(), job)

	if s.calls != 1 {
		t.Fatalf("expected 1 send, got %d", s.calls)
	}
	if len(r.sentIDs) != 1 || r.sentIDs[0] != job.EmailID {
		t.Errorf("expected email %s marked sent", job.EmailID)
	}
	if len(q.acked) != 1 || q.acked[0] != job.ID() {
		t.Errorf("expected job %s acked", job.ID())
	}
	if len(q.moved) != 0 {
		t.Errorf("expected no requeue, got %d", len(q.moved))
	}
}

func TestWorker_DefersWhenQuotaDenied(t *testing.T) {
	q, r, s := &fakeQueue{}, newFakeRepo(), &fakeSender{}
	w := newTestWorker(q, r, &fakeQuota{allow: false, delay: 30 * time.Minute}, s, 3)

	job := makeJob(0)
	before := time.Now()
	w.process(context.Background(), job)

	if s.calls != 0 {
		t.Fatal("sender must not be invoked when quota is denied")
	}
	if len(q.moved) != 1 {
		t.Fatalf("expected 1 deferred job, got %d", len(q.moved))
	}
	if q.moved[0].Attempt != 0 {
		t.Errorf("quota deferral must not increment the attempt count, got %d", q.moved[0].Attempt)
	}

	wantDue := before.Add(30 * time.Minute)
	if q.movedAt[0].Before(wantDue) || q.movedAt[0].After(wantDue.Add(time.Second)) {
		t.Errorf("expected due around %s, got %s", wantDue, q.movedAt[0])
	}

	rescheduledAt, ok := r.rescheduledAt[job.EmailID]
	if !ok {
		t.Fatal("expected record marked rescheduled")
	}
	if !rescheduledAt.Equal(q.movedAt[0]) {
		t.Errorf("record scheduled_at %s should match job due time %s", rescheduledAt, q.movedAt[0])
	}
	if len(q.acked) != 0 {
		t.Error("deferred job must stay live")
	}
}

func TestWorker_RetriesFailureWithBackoff(t *testing.T) {
	q, r := &fakeQueue{}, newFakeRepo()
	s := &fakeSender{err: errors.New("smtp 451 temporary failure")}
	w := newTestWorker(q, r, &fakeQuota{allow: true}, s, 3)

	job := makeJob(0)
	before := time.Now()
	w.process(context.Background(), job)

	if got := r.failed[job.EmailID]; got != 1 {
		t.Errorf("expected retry count 1, got %d", got)
	}
	if len(q.moved) != 1 {
		t.Fatalf("expected job requeued for retry, got %d moves", len(q.moved))
	}
	if q.moved[0].Attempt != 1 {
		t.Errorf("expected attempt 1 on requeued job, got %d", q.moved[0].Attempt)
	}
	if q.movedAt[0].Before(before.Add(time.Second)) {
		t.Error("retry should be delayed by the backoff")
	}
	if len(q.acked) != 0 {
		t.Error("retryable job must not be acked")
	}
}

func TestWorker_DropsJobAfterMaxAttempts(t *testing.T) {
	q, r := &fakeQueue{}, newFakeRepo()
	s := &fakeSender{err: errors.New("smtp 550 mailbox unavailable")}
	w := newTestWorker(q, r, &fakeQuota{allow: true}, s, 3)

	job := makeJob(2) // third and final attempt
	w.process(context.Background(), job)

	if got := r.failed[job.EmailID]; got != 3 {
		t.Errorf("expected retry count 3, got %d", got)
	}
	if len(q.moved) != 0 {
		t.Error("exhausted job must not be requeued")
	}
	if len(q.acked) != 1 {
		t.Error("exhausted job must be acked")
	}
}

func TestWorker_CanceledRecordIsNotRetried(t *testing.T) {
	q := &fakeQueue{}
	r := newFakeRepo()
	r.canceled = true
	s := &fakeSender{err: errors.New("connection refused")}
	w := newTestWorker(q, r, &fakeQuota{allow: true}, s, 3)

	job := makeJob(0)
	w.process(context.Background(), job)

	if len(q.moved) != 0 {
		t.Error("canceled record must not be requeued")
	}
	if len(q.acked) != 1 {
		t.Error("job for a canceled record must be dropped")
	}
}

func TestWorker_CanceledRecordIsNotDeferred(t *testing.T) {
	q := &fakeQueue{}
	r := newFakeRepo()
	r.canceled = true
	s := &fakeSender{}
	w := newTestWorker(q, r, &fakeQuota{allow: false, delay: 30 * time.Minute}, s, 3)

	job := makeJob(0)
	w.process(context.Background(), job)

	if s.calls != 0 {
		t.Fatal("sender must not be invoked when quota is denied")
	}
	if len(q.moved) != 0 {
		t.Error("canceled record must not be deferred to the next window")
	}
	if len(q.acked) != 1 || q.acked[0] != job.ID() {
		t.Error("job for a canceled record must be dropped")
	}
}

func TestWorker_RecordWriteFailureAfterSendDoesNotResend(t *testing.T) {
	q := &fakeQueue{}
	r := newFakeRepo()
	r.sentErr = errors.New("db connection lost")
	s := &fakeSender{}
	w := newTestWorker(q, r, &fakeQuota{allow: true}, s, 3)

	job := makeJob(0)
	w.process(context.Background(), job)

	if s.calls != 1 {
		t.Fatalf("expected exactly 1 send, got %d", s.calls)
	}
	if len(q.moved) != 0 {
		t.Error("a record-store failure after a successful send must not requeue the job")
	}
	if len(q.acked) != 1 {
		t.Error("job must still be acked after a successful send")
	}
}
