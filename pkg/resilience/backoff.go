package resilience

import (
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy defines retry backoff behavior
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff with optional jitter
type ExponentialBackoff struct {
	BaseDelay  time.Duration // Initial delay (e.g., 1s)
	MaxDelay   time.Duration // Maximum delay (e.g., 30s)
	Multiplier float64       // Exponential multiplier (typically 2.0)
	Jitter     float64       // Jitter factor (0.0-1.0, 0 for a deterministic schedule)
}

// ReconnectBackoff returns the realtime reconnect schedule
//
// Reconnect sequence:
//   - Attempt 0: 1s
//   - Attempt 1: 2s
//   - Attempt 2: 4s
//   - Attempt 3: 8s
//   - Attempt 4: 16s
//   - Attempt 5+: 30s (capped)
func ReconnectBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.0,
	}
}

// NextDelay calculates the delay for the given attempt number (0-indexed)
//
// The delay is calculated as: BaseDelay * (Multiplier ^ attempt) ± jitter
// The result is capped at MaxDelay
func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		return eb.BaseDelay
	}

	delay := float64(eb.BaseDelay) * math.Pow(eb.Multiplier, float64(attempt))
	if delay > float64(eb.MaxDelay) {
		delay = float64(eb.MaxDelay)
	}

	if eb.Jitter > 0 {
		jitterAmount := delay * eb.Jitter
		delay += (rand.Float64()*2 - 1) * jitterAmount
	}

	finalDelay := time.Duration(delay)
	if finalDelay < 0 {
		finalDelay = eb.BaseDelay
	}

	return finalDelay
}
