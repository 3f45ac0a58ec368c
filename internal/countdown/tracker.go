// Package countdown tracks the payable window of a QR code independently of any status channel.
package countdown

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kevin07696/uniform-pay/internal/domain"
	"github.com/kevin07696/uniform-pay/pkg/listeners"
	"github.com/kevin07696/uniform-pay/pkg/timeutil"
)

// Resolution is how often the remaining time is reported
const Resolution = time.Second

// Tracker reports the seconds left until expiresAt once per Resolution and fires its expiry
// callback exactly once. Remaining time is always recomputed from the clock, so a process that
// was suspended reports the correct value on its next tick.
type Tracker struct {
	clock     timeutil.Clock
	logger    *zap.Logger
	expiresAt time.Time
	onTick    func(remaining int)
	onExpire  func()

	mu      sync.Mutex
	timer   timeutil.Timer
	stopped bool
	fired   bool
}

// Start begins tracking. onTick may be nil. Callbacks run on the clock's timer goroutine;
// a panicking callback is logged and does not stop the countdown.
func Start(clock timeutil.Clock, logger *zap.Logger, expiresAt time.Time, onTick func(remaining int), onExpire func()) *Tracker {
	if clock == nil {
		clock = timeutil.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		clock:     clock,
		logger:    logger,
		expiresAt: expiresAt,
		onTick:    onTick,
		onExpire:  onExpire,
	}

	t.mu.Lock()
	t.scheduleLocked(clock.Now())
	t.mu.Unlock()
	return t
}

// Remaining returns the whole seconds left, floored at zero
func (t *Tracker) Remaining() int {
	return domain.RemainingSeconds(t.expiresAt, t.clock.Now())
}

// Expired reports whether the expiry callback has fired
func (t *Tracker) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Stop cancels further callbacks. Safe to call repeatedly.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// scheduleLocked arms the next tick, landing exactly on expiresAt for the last one
func (t *Tracker) scheduleLocked(now time.Time) {
	delay := t.expiresAt.Sub(now)
	if delay > Resolution {
		delay = Resolution
	}
	if delay < 0 {
		delay = 0
	}
	t.timer = t.clock.AfterFunc(delay, t.tick)
}

func (t *Tracker) tick() {
	now := t.clock.Now()

	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	if !now.Before(t.expiresAt) {
		t.fired = true
		t.timer = nil
		t.mu.Unlock()

		t.emitTick(0)
		listeners.Guard(t.logger, "countdown expire", t.onExpire)
		return
	}
	t.scheduleLocked(now)
	t.mu.Unlock()

	t.emitTick(domain.RemainingSeconds(t.expiresAt, now))
}

func (t *Tracker) emitTick(remaining int) {
	if t.onTick == nil {
		return
	}
	listeners.Guard(t.logger, "countdown tick", func() { t.onTick(remaining) })
}

// Format renders seconds as mm:ss
func Format(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
