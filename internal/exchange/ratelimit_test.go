package exchange

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketBurstThenRefill(t *testing.T) {
	t.Parallel()

	// 3 burst, 10 tokens/sec → the fourth Wait blocks ~100ms.
	tb := NewTokenBucket(3, 10)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatalf("Wait(%d): %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("burst consumed in %v, expected immediate", elapsed)
	}

	start = time.Now()
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	if elapsed < 50*time.Millisecond {
		t.Errorf("fourth token arrived in %v, expected ~100ms wait", elapsed)
	}
	if elapsed > 400*time.Millisecond {
		t.Errorf("fourth token took too long: %v", elapsed)
	}
}

func TestTokenBucketWaitHonorsContext(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 0.1) // ~10s per token once drained
	_ = tb.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := tb.Wait(ctx); err == nil {
		t.Error("expected context error on exhausted bucket")
	}
}

func TestTokenBucketCapsAtCapacity(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(2, 1000)
	time.Sleep(20 * time.Millisecond) // plenty of refill time

	// Only capacity tokens may be consumed without blocking.
	for i := 0; i < 2; i++ {
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	tb.mu.Lock()
	if tb.tokens > tb.capacity {
		t.Errorf("tokens %v exceeded capacity %v", tb.tokens, tb.capacity)
	}
	tb.mu.Unlock()
}

func TestNewRateLimiterCategories(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter()
	if rl.Auth == nil || rl.Data == nil || rl.Order == nil {
		t.Fatal("all rate-limit categories must be initialized")
	}
	if err := rl.Order.Wait(context.Background()); err != nil {
		t.Errorf("order bucket: %v", err)
	}
}
