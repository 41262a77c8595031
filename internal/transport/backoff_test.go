package transport

import (
	"testing"
	"time"
)

func TestBackoffGrowsToCap(t *testing.T) {
	b := &Backoff{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0, // deterministic
	}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("attempt %d: got %v, want %v", i, got, w)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		b := &Backoff{
			InitialDelay: 4 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.25,
		}

		got := b.Next()
		lo, hi := 3*time.Second, 5*time.Second
		if got < lo || got > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", got, lo, hi)
		}
	}
}

func TestBackoffNeverExceedsJitteredCap(t *testing.T) {
	b := NewBackoff()
	limit := time.Duration(float64(b.MaxDelay) * (1 + b.Jitter))
	for i := 0; i < 50; i++ {
		if got := b.Next(); got > limit {
			t.Fatalf("attempt %d: delay %v above cap %v", i, got, limit)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := &Backoff{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}

	for i := 0; i < 5; i++ {
		b.Next()
	}
	b.Reset()
	if got := b.Next(); got != 1*time.Second {
		t.Errorf("after Reset: got %v, want 1s", got)
	}
}
