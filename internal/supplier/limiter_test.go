package supplier

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterSpacesCalls(t *testing.T) {
	limiter := NewRateLimiter(30 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.WaitTurn(ctx); err != nil {
			t.Fatalf("WaitTurn: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("three turns took %v, want at least 60ms", elapsed)
	}
}

func TestRateLimiterZeroIntervalNeverBlocks(t *testing.T) {
	limiter := NewRateLimiter(0)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := limiter.WaitTurn(ctx); err != nil {
			t.Fatalf("WaitTurn: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("unlimited limiter took %v", elapsed)
	}
}

func TestRateLimiterHonorsContext(t *testing.T) {
	limiter := NewRateLimiter(500 * time.Millisecond)
	if err := limiter.WaitTurn(context.Background()); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := limiter.WaitTurn(ctx); err == nil {
		t.Fatal("expected a context error for the second turn")
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("cancelled wait still blocked for %v", elapsed)
	}
}
