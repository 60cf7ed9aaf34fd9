package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestQuotaTracker_AllowsUpToLimit(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	tracker := NewQuotaTracker(client, zap.NewNop(), 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if !tracker.CheckAndIncrement(ctx, "user-1") {
			t.Fatalf("call %d should be allowed", i)
		}
	}

	if tracker.CheckAndIncrement(ctx, "user-1") {
		t.Fatal("call over the limit should be denied")
	}
}

func TestQuotaTracker_HundredAndFirstDenied(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	tracker := NewQuotaTracker(client, zap.NewNop(), 100)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if !tracker.CheckAndIncrement(ctx, "user-1") {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	if tracker.CheckAndIncrement(ctx, "user-1") {
		t.Fatal("101st call should be denied")
	}

	remaining, err := tracker.Remaining(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining != 0 {
		t.Errorf("expected remaining 0, got %d", remaining)
	}
}

func TestQuotaTracker_ConcurrentCallsNeverExceedLimit(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	const limit = 50
	tracker := NewQuotaTracker(client, zap.NewNop(), limit)
	ctx := context.Background()

	var accepted int64
	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if tracker.CheckAndIncrement(ctx, "user-1") {
					atomic.AddInt64(&accepted, 1)
				}
			}
		}()
	}
	wg.Wait()

	if accepted != limit {
		t.Errorf("expected exactly %d accepted calls, got %d", limit, accepted)
	}
}

func TestQuotaTracker_SeparateUsers(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	tracker := NewQuotaTracker(client, zap.NewNop(), 2)
	ctx := context.Background()

	tracker.CheckAndIncrement(ctx, "user-a")
	tracker.CheckAndIncrement(ctx, "user-a")

	if tracker.CheckAndIncrement(ctx, "user-a") {
		t.Fatal("user-a should be over the limit")
	}
	if !tracker.CheckAndIncrement(ctx, "user-b") {
		t.Fatal("user-b should have a fresh quota")
	}
}

func TestQuotaTracker_Remaining(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	tracker := NewQuotaTracker(client, zap.NewNop(), 10)
	ctx := context.Background()

	remaining, err := tracker.Remaining(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining != 10 {
		t.Errorf("expected remaining 10, got %d", remaining)
	}

	for i := 0; i < 3; i++ {
		tracker.CheckAndIncrement(ctx, "user-1")
	}

	remaining, err = tracker.Remaining(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining != 7 {
		t.Errorf("expected remaining 7, got %d", remaining)
	}
}

func TestQuotaTracker_CounterExpires(t *testing.T) {
	client, mr, cleanup := setupTestClient(t)
	defer cleanup()

	tracker := NewQuotaTracker(client, zap.NewNop(), 1)
	ctx := context.Background()

	if !tracker.CheckAndIncrement(ctx, "user-1") {
		t.Fatal("first call should be allowed")
	}
	if tracker.CheckAndIncrement(ctx, "user-1") {
		t.Fatal("second call should be denied")
	}

	mr.FastForward(time.Hour + time.Second)

	if !tracker.CheckAndIncrement(ctx, "user-1") {
		t.Fatal("call after expiry should be allowed")
	}
}

func TestQuotaTracker_Reset(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	tracker := NewQuotaTracker(client, zap.NewNop(), 1)
	ctx := context.Background()

	tracker.CheckAndIncrement(ctx, "user-1")
	if tracker.CheckAndIncrement(ctx, "user-1") {
		t.Fatal("should be over the limit")
	}

	if err := tracker.Reset(ctx, "user-1"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if !tracker.CheckAndIncrement(ctx, "user-1") {
		t.Fatal("call after reset should be allowed")
	}
}

func TestQuotaTracker_FailsOpenWhenRedisDown(t *testing.T) {
	client, mr, _ := setupTestClient(t)
	mr.Close()
	defer client.Close()

	tracker := NewQuotaTracker(client, zap.NewNop(), 1)

	if !tracker.CheckAndIncrement(context.Background(), "user-1") {
		t.Fatal("tracker should fail open when the counter store is unreachable")
	}
}

func TestQuotaTracker_NextWindowDelay(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	tracker := NewQuotaTracker(client, zap.NewNop(), 1)

	delay := tracker.NextWindowDelay()
	if delay <= 0 || delay > time.Hour {
		t.Errorf("expected delay in (0, 1h], got %s", delay)
	}

	target := time.Now().Add(delay).UTC()
	if target.Minute() != 0 || target.Second() != 0 {
		t.Errorf("expected delay to land on the top of the hour, lands at %s", target)
	}
}
