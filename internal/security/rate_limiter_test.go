package security

import (
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		r := NewRateLimiter(false, 1, 1)
		for i := 0; i < 10; i++ {
			if !r.Allow("client") {
				t.Fatal("Disabled limiter must allow everything")
			}
		}
	})

	t.Run("BurstThenRefill", func(t *testing.T) {
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		r := NewRateLimiter(true, 60, 2)
		r.now = func() time.Time { return now }

		if !r.Allow("a") || !r.Allow("a") {
			t.Fatal("Burst of 2 should be allowed")
		}
		if r.Allow("a") {
			t.Fatal("Third request should be limited")
		}
		if !r.Allow("b") {
			t.Fatal("Clients must not share buckets")
		}

		now = now.Add(time.Second)
		if !r.Allow("a") {
			t.Fatal("One token should refill after a second at 60/min")
		}
	})

	t.Run("Cleanup", func(t *testing.T) {
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		r := NewRateLimiter(true, 60, 5)
		r.now = func() time.Time { return now }

		r.Allow("old")
		now = now.Add(2 * time.Hour)
		r.Allow("fresh")

		if removed := r.CleanupOldClients(time.Hour); removed != 1 {
			t.Errorf("Expected 1 removal, got %d", removed)
		}
		if r.Clients() != 1 {
			t.Errorf("Expected 1 tracked client, got %d", r.Clients())
		}
	})
}
