package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// checkAndIncrScript applies the limit check, the increment and the expiry
// as one atomic unit. Two concurrent callers can never both pass the check
// and push the counter past the limit. Returns 0 when the limit is reached,
// otherwise the counter value after the increment.
var checkAndIncrScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
	return 0
end
count = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return count
`)

// QuotaTracker maintains a per-user send counter keyed by clock hour.
type QuotaTracker struct {
	client *Client
	logger *zap.Logger
	limit  int
}

// NewQuotaTracker creates a tracker enforcing the given hourly limit.
func NewQuotaTracker(client *Client, logger *zap.Logger, hourlyLimit int) *QuotaTracker {
	return &QuotaTracker{
		client: client,
		logger: logger,
		limit:  hourlyLimit,
	}
}

func (q *QuotaTracker) hourlyKey(userID string) string {
	return fmt.Sprintf("quota:%s:%s", userID, time.Now().UTC().Format("2006-01-02T15"))
}

// CheckAndIncrement consumes one unit of the user's hourly quota.
// Returns false when the limit for the current hour bucket is reached.
// Fails open: a Redis outage must not block all sending, a temporary
// quota overrun is the lesser harm.
func (q *QuotaTracker) CheckAndIncrement(ctx context.Context, userID string) bool {
	key := q.hourlyKey(userID)

	count, err := checkAndIncrScript.Run(ctx, q.client.rdb, []string{key}, q.limit, 3600).Int()
	if err != nil {
		q.logger.Warn("quota check failed, allowing send",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		return true
	}

	if count == 0 {
		q.logger.Debug("hourly quota exhausted",
			zap.String("user_id", userID),
			zap.Int("limit", q.limit),
		)
		return false
	}

	return true
}

// CurrentCount returns the number of sends recorded for the user in the
// current hour bucket.
func (q *QuotaTracker) CurrentCount(ctx context.Context, userID string) (int, error) {
	count, err := q.client.rdb.Get(ctx, q.hourlyKey(userID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	return count, nil
}

// Remaining returns how many sends the user has left this hour, floored at zero.
func (q *QuotaTracker) Remaining(ctx context.Context, userID string) (int, error) {
	count, err := q.CurrentCount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return max(0, q.limit-count), nil
}

// HourlyLimit returns the configured per-user hourly limit.
func (q *QuotaTracker) HourlyLimit() int {
	return q.limit
}

// NextWindowDelay returns the time until the start of the next clock hour,
// when the quota bucket rolls over.
func (q *QuotaTracker) NextWindowDelay() time.Duration {
	now := time.Now()
	return now.Truncate(time.Hour).Add(time.Hour).Sub(now)
}

// Reset clears the user's counter for the current hour bucket.
// Administrative override, not part of the normal flow.
func (q *QuotaTracker) Reset(ctx context.Context, userID string) error {
	if err := q.client.rdb.Del(ctx, q.hourlyKey(userID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
