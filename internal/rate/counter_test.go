package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newCounterTest(t *testing.T) (*Counter, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewCounter(rdb), mr, rdb
}

func TestHitCountsWithinWindow(t *testing.T) {
	c, _, _ := newCounterTest(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		count, ttl, err := c.Hit(ctx, "k", time.Minute)
		if err != nil {
			t.Fatalf("hit %d: %v", i, err)
		}
		if count != i {
			t.Fatalf("expected count %d, got %d", i, count)
		}
		if ttl <= 0 || ttl > time.Minute {
			t.Fatalf("unexpected ttl %v", ttl)
		}
	}
}

func TestHitWindowResetsAfterExpiry(t *testing.T) {
	c, mr, _ := newCounterTest(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, _, err := c.Hit(ctx, "k", time.Minute); err != nil {
			t.Fatalf("hit: %v", err)
		}
	}
	mr.FastForward(time.Minute + time.Second)

	count, _, err := c.Hit(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("hit after window: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected fresh window, got count %d", count)
	}
}

func TestHitRearmsCounterWithoutTTL(t *testing.T) {
	c, mr, rdb := newCounterTest(t)
	ctx := context.Background()

	if err := rdb.Set(ctx, "k", 7, 0).Err(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, err := c.Hit(ctx, "k", time.Minute); err != nil {
		t.Fatalf("hit: %v", err)
	}
	if ttl := mr.TTL("k"); ttl <= 0 {
		t.Fatalf("expected ttl to be re-armed, got %v", ttl)
	}
}

func TestCountAndReset(t *testing.T) {
	c, _, _ := newCounterTest(t)
	ctx := context.Background()

	if n, err := c.Count(ctx, "missing"); err != nil || n != 0 {
		t.Fatalf("expected 0,nil for missing key, got %d,%v", n, err)
	}
	_, _, _ = c.Hit(ctx, "k", time.Minute)
	_, _, _ = c.Hit(ctx, "k", time.Minute)
	if n, _ := c.Count(ctx, "k"); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	if err := c.Reset(ctx, "k"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n, _ := c.Count(ctx, "k"); n != 0 {
		t.Fatalf("expected 0 after reset, got %d", n)
	}
}

func TestHitRedisUnavailable(t *testing.T) {
	c, mr, _ := newCounterTest(t)
	mr.SetError("LOADING redis is loading")

	_, _, err := c.Hit(context.Background(), "k", time.Minute)
	if !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}
