package browser

import (
	"testing"
	"time"
)

func TestBackoffDeterministicWithoutJitter(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: 1 * time.Second, JitterFrac: 0}

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1 * time.Second, // capped
		1 * time.Second,
	}
	for k, want := range expected {
		if got := b.Delay(k); got != want {
			t.Errorf("attempt %d: delay = %v, want %v", k, got, want)
		}
	}
}

func TestBackoffJitterRange(t *testing.T) {
	// A fixed source at the extremes bounds the jittered delay at +/-20%.
	base := 1 * time.Second

	low := Backoff{Initial: base, Max: 10 * time.Second, JitterFrac: 0.2, Rand: func() float64 { return 0 }}
	if got := low.Delay(0); got != 800*time.Millisecond {
		t.Errorf("low jitter delay = %v, want 800ms", got)
	}

	// Symmetric jitter may undershoot the unjittered minimum; that is
	// accepted behavior, not clamped.
	if low.Delay(0) >= base {
		t.Error("symmetric jitter should be able to produce delays below the unjittered value")
	}

	high := Backoff{Initial: base, Max: 10 * time.Second, JitterFrac: 0.2, Rand: func() float64 { return 0.999999 }}
	if got := high.Delay(0); got < base || got > 1200*time.Millisecond {
		t.Errorf("high jitter delay = %v, want within (1s, 1.2s]", got)
	}
}

func TestBackoffJitterVaries(t *testing.T) {
	b := DefaultBackoff()

	first := b.Delay(0)
	varied := false
	for i := 0; i < 20; i++ {
		if b.Delay(0) != first {
			varied = true
			break
		}
	}
	if !varied {
		t.Error("jitter should cause variation across delays")
	}
}
