package resilience

import (
	"context"
	"time"
)

// TimeoutConfig defines per-call budgets for the reconciliation engine
//
// Timeout Hierarchy (from outermost to innermost):
//
//	Prepay issuance (10s)
//	  ↓
//	Status query (5s - polling and manual check share it)
//	  ↓
//	Realtime dial (5s)
//	  ↓
//	Session store op (2s)
//
// A status query may outlast the 3s polling interval; overlapping queries collapse
// into one in the single-flight guard.
type TimeoutConfig struct {
	Prepay       time.Duration
	StatusQuery  time.Duration
	RealtimeDial time.Duration
	StoreOp      time.Duration
}

// DefaultTimeoutConfig returns production timeout values
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		Prepay:       10 * time.Second,
		StatusQuery:  5 * time.Second,
		RealtimeDial: 5 * time.Second,
		StoreOp:      2 * time.Second,
	}
}

// TestTimeoutConfig returns shorter timeouts for testing
func TestTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		Prepay:       2 * time.Second,
		StatusQuery:  1 * time.Second,
		RealtimeDial: 1 * time.Second,
		StoreOp:      500 * time.Millisecond,
	}
}

// PrepayContext creates a context for minting a QR code
func (tc *TimeoutConfig) PrepayContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.Prepay)
}

// StatusQueryContext creates a context for one payment-status query
func (tc *TimeoutConfig) StatusQueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.StatusQuery)
}

// DialContext creates a context for opening the realtime connection
func (tc *TimeoutConfig) DialContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.RealtimeDial)
}

// StoreContext creates a context for a session store read or write
func (tc *TimeoutConfig) StoreContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.StoreOp)
}
