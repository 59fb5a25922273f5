package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestTracker(t *testing.T) (*RedeliveryTracker, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}
	tracker := NewRedeliveryTracker(client, zap.NewNop())

	return tracker, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestRedeliveryTracker_BumpIncrements(t *testing.T) {
	tracker, _, cleanup := setupTestTracker(t)
	defer cleanup()

	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		got, err := tracker.Bump(ctx, "r1")
		if err != nil {
			t.Fatalf("bump failed: %v", err)
		}
		if got != want {
			t.Fatalf("expected attempt %d, got %d", want, got)
		}
	}
}

func TestRedeliveryTracker_KeyedByRequestID(t *testing.T) {
	tracker, _, cleanup := setupTestTracker(t)
	defer cleanup()

	ctx := context.Background()

	tracker.Bump(ctx, "r1")
	tracker.Bump(ctx, "r1")

	got, err := tracker.Bump(ctx, "r2")
	if err != nil {
		t.Fatalf("bump failed: %v", err)
	}
	if got != 1 {
		t.Fatalf("r2 must have its own counter, got %d", got)
	}
}

func TestRedeliveryTracker_AttemptsDoesNotMutate(t *testing.T) {
	tracker, _, cleanup := setupTestTracker(t)
	defer cleanup()

	ctx := context.Background()

	if n, err := tracker.Attempts(ctx, "r1"); err != nil || n != 0 {
		t.Fatalf("fresh request: expected 0, got %d (err %v)", n, err)
	}

	tracker.Bump(ctx, "r1")

	if n, _ := tracker.Attempts(ctx, "r1"); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	if n, _ := tracker.Attempts(ctx, "r1"); n != 1 {
		t.Fatalf("reads must not increment, got %d", n)
	}
}

func TestRedeliveryTracker_Clear(t *testing.T) {
	tracker, _, cleanup := setupTestTracker(t)
	defer cleanup()

	ctx := context.Background()

	tracker.Bump(ctx, "r1")
	tracker.Bump(ctx, "r1")

	if err := tracker.Clear(ctx, "r1"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if n, _ := tracker.Attempts(ctx, "r1"); n != 0 {
		t.Fatalf("expected counter reset, got %d", n)
	}
}

func TestRedeliveryTracker_CountersExpire(t *testing.T) {
	tracker, mr, cleanup := setupTestTracker(t)
	defer cleanup()

	ctx := context.Background()

	tracker.Bump(ctx, "r1")

	mr.FastForward(redeliveryTTL + time.Minute)

	if n, _ := tracker.Attempts(ctx, "r1"); n != 0 {
		t.Fatalf("counter should have expired, got %d", n)
	}
}
