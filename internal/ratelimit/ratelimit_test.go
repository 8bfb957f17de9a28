package ratelimit

import (
	"testing"
	"time"

	"horse.fit/scout/internal/globaltime"
)

func TestLimiterTripsOnEleventhCall(t *testing.T) {
	t.Parallel()

	clock := globaltime.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	limiter := New(Config{MaxRequests: 10, Window: time.Minute, Now: clock.Now})

	for i := 1; i <= 10; i++ {
		if !limiter.Allow("user-1") {
			t.Fatalf("call %d unexpectedly rejected", i)
		}
	}
	if limiter.Allow("user-1") {
		t.Fatalf("expected call 11 to be rejected")
	}
	if !limiter.Allow("user-2") {
		t.Fatalf("expected other keys to be unaffected")
	}
}

func TestLimiterWindowResets(t *testing.T) {
	t.Parallel()

	clock := globaltime.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	limiter := New(Config{MaxRequests: 2, Window: time.Minute, Now: clock.Now})

	limiter.Allow("k")
	limiter.Allow("k")
	if limiter.Allow("k") {
		t.Fatalf("expected third call to be rejected")
	}
	if got := limiter.Remaining("k"); got != 0 {
		t.Fatalf("unexpected remaining: got %d want 0", got)
	}

	clock.Advance(time.Minute)
	if !limiter.Allow("k") {
		t.Fatalf("expected call after window reset to be allowed")
	}
	if got := limiter.Remaining("k"); got != 1 {
		t.Fatalf("unexpected remaining: got %d want 1", got)
	}
}

func TestLimiterGC(t *testing.T) {
	t.Parallel()

	clock := globaltime.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	limiter := New(Config{MaxRequests: 1, Window: time.Second, Now: clock.Now})
	limiter.Allow("a")
	limiter.Allow("b")

	clock.Advance(2 * time.Second)
	if removed := limiter.GC(); removed != 2 {
		t.Fatalf("unexpected removed count: got %d want 2", removed)
	}
}
