package resilience

import (
	"testing"
	"time"
)

func TestReconnectBackoff(t *testing.T) {
	backoff := ReconnectBackoff()

	if backoff.BaseDelay != 1*time.Second {
		t.Errorf("Expected BaseDelay = 1s, got %v", backoff.BaseDelay)
	}

	if backoff.MaxDelay != 30*time.Second {
		t.Errorf("Expected MaxDelay = 30s, got %v", backoff.MaxDelay)
	}

	expected := []time.Duration{
		1 * time.Second,  // Attempt 0
		2 * time.Second,  // Attempt 1
		4 * time.Second,  // Attempt 2
		8 * time.Second,  // Attempt 3
		16 * time.Second, // Attempt 4
		30 * time.Second, // Attempt 5 (capped)
		30 * time.Second, // Attempt 6 (capped)
	}

	for attempt, expectedDelay := range expected {
		delay := backoff.NextDelay(attempt)
		if delay != expectedDelay {
			t.Errorf("Reconnect NextDelay(%d) = %v, want %v", attempt, delay, expectedDelay)
		}
	}
}

func TestExponentialBackoff_WithJitter(t *testing.T) {
	backoff := &ExponentialBackoff{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}

	attempt := 3
	delays := make([]time.Duration, 100)
	for i := 0; i < 100; i++ {
		delays[i] = backoff.NextDelay(attempt)
	}

	// Attempt 3: 800ms ±10%
	minExpected := 720 * time.Millisecond
	maxExpected := 880 * time.Millisecond

	for i, delay := range delays {
		if delay < minExpected || delay > maxExpected {
			t.Errorf("Delay[%d] = %v, expected range [%v, %v]", i, delay, minExpected, maxExpected)
		}
	}

	allSame := true
	for _, delay := range delays[1:] {
		if delay != delays[0] {
			allSame = false
			break
		}
	}
	if allSame {
		t.Error("All delays are identical - jitter is not working")
	}
}

func TestExponentialBackoff_NegativeAttempt(t *testing.T) {
	backoff := ReconnectBackoff()

	delay := backoff.NextDelay(-1)
	if delay != backoff.BaseDelay {
		t.Errorf("NextDelay(-1) = %v, want %v", delay, backoff.BaseDelay)
	}
}

func TestExponentialBackoff_MaxDelayCap(t *testing.T) {
	backoff := &ExponentialBackoff{
		BaseDelay:  1 * time.Second,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
	}

	if delay := backoff.NextDelay(3); delay != 5*time.Second {
		t.Errorf("NextDelay(3) = %v, want %v (capped at MaxDelay)", delay, 5*time.Second)
	}

	if delay := backoff.NextDelay(10); delay != 5*time.Second {
		t.Errorf("NextDelay(10) = %v, want %v (capped at MaxDelay)", delay, 5*time.Second)
	}
}
