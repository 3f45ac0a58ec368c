package shutdown

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// InFlightTracker counts work that must finish before a component closes, such as outcome
// messages still being written. Once Shutdown starts, new work is refused.
type InFlightTracker struct {
	name   string
	logger *zap.Logger

	mu       sync.Mutex
	closing  bool
	inFlight int
	idle     chan struct{}
}

// NewInFlightTracker creates a tracker for the named component
func NewInFlightTracker(name string, logger *zap.Logger) *InFlightTracker {
	return &InFlightTracker{name: name, logger: logger}
}

// Add registers one unit of work. It returns false once shutdown has begun.
func (t *InFlightTracker) Add() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closing {
		return false
	}
	t.inFlight++
	return true
}

// Done finishes one unit of work started with Add
func (t *InFlightTracker) Done() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.inFlight--
	if t.inFlight == 0 && t.idle != nil {
		close(t.idle)
		t.idle = nil
	}
}

// InFlight returns the number of unfinished units
func (t *InFlightTracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}

// IsShuttingDown reports whether Shutdown has been called
func (t *InFlightTracker) IsShuttingDown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

// Shutdown refuses new work and waits for the current work or ctx. Safe to call repeatedly.
func (t *InFlightTracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closing = true
	if t.inFlight == 0 {
		t.mu.Unlock()
		return nil
	}
	if t.idle == nil {
		t.idle = make(chan struct{})
	}
	idle := t.idle
	pending := t.inFlight
	t.mu.Unlock()

	t.logger.Info("Waiting for in-flight work",
		zap.String("tracker", t.name),
		zap.Int("in_flight", pending),
	)

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		t.logger.Warn("In-flight work did not finish before shutdown deadline",
			zap.String("tracker", t.name),
		)
		return ctx.Err()
	}
}
