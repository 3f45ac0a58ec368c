package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/kevin07696/uniform-pay/pkg/timeutil"
)

// CircuitState represents the current state of the circuit breaker
type CircuitState int

const (
	// StateClosed - calls flow normally
	StateClosed CircuitState = iota
	// StateOpen - calls fail immediately
	StateOpen
	// StateHalfOpen - a probe call is allowed through
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned when circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrProbeInFlight is returned when the half-open probe budget is used up
	ErrProbeInFlight = errors.New("circuit breaker probe already in flight")
)

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening
	MaxFailures uint32
	// Cooldown is how long the circuit stays open before allowing a probe
	Cooldown time.Duration
	// MaxProbes is how many concurrent calls are let through while half-open
	MaxProbes uint32
	// OnStateChange, when set, is called with the new state after every transition
	OnStateChange func(name string, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the status-query breaker settings.
// Five consecutive failed queries is roughly 15s of dead backend at the fastest poll rate.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures: 5,
		Cooldown:    20 * time.Second,
		MaxProbes:   1,
	}
}

// CircuitBreaker guards calls to a flaky dependency
type CircuitBreaker struct {
	mu            sync.Mutex
	name          string
	clock         timeutil.Clock
	config        CircuitBreakerConfig
	state         CircuitState
	failures      uint32
	probes        uint32
	lastChangedAt time.Time
}

// NewCircuitBreaker creates a named circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig, clock timeutil.Clock) *CircuitBreaker {
	if clock == nil {
		clock = timeutil.NewRealClock()
	}
	return &CircuitBreaker{
		name:          name,
		clock:         clock,
		config:        config,
		state:         StateClosed,
		lastChangedAt: clock.Now(),
	}
}

// Call executes fn if the breaker allows it and records the outcome
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.clock.Now().Sub(cb.lastChangedAt) < cb.config.Cooldown {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probes++
		return nil
	case StateHalfOpen:
		if cb.probes >= cb.config.MaxProbes {
			return ErrProbeInFlight
		}
		cb.probes++
		return nil
	default:
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
		}
		return
	}

	cb.failures++
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	cb.state = to
	cb.lastChangedAt = cb.clock.Now()
	cb.probes = 0
	if to != StateOpen {
		cb.failures = 0
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, to)
	}
}

// State returns the current circuit state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the circuit and clears counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed)
	cb.failures = 0
	cb.probes = 0
}
