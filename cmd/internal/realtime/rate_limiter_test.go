package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(3, time.Second)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(t0.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(t0.Add(500 * time.Millisecond)) {
		t.Fatalf("4th event inside the window should be rejected")
	}
	// The first event (t0) leaves the window at t0+1s.
	if !rl.Allow(t0.Add(1000 * time.Millisecond)) {
		t.Fatalf("event after the oldest expired should be allowed")
	}
	if rl.Allow(t0.Add(1050 * time.Millisecond)) {
		t.Fatalf("window is full again")
	}
	if !rl.Allow(t0.Add(5 * time.Second)) {
		t.Fatalf("idle limiter should allow")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	now := time.Now()
	for i := 0; i < rateLimitEvents; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d rejected below the default limit", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("default limit not enforced")
	}
}
