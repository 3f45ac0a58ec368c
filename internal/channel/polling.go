package channel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kevin07696/uniform-pay/internal/domain"
	"github.com/kevin07696/uniform-pay/pkg/listeners"
	"github.com/kevin07696/uniform-pay/pkg/observability"
	"github.com/kevin07696/uniform-pay/pkg/timeutil"
)

// PollingConfig is the adaptive polling schedule, measured from when the attempt started
type PollingConfig struct {
	FastInterval time.Duration // interval while elapsed < FastPhase
	SlowInterval time.Duration // interval while elapsed < Horizon
	FastPhase    time.Duration
	Horizon      time.Duration // after this, one last check and stop
}

// DefaultPollingConfig returns 3s for the first minute, 10s until minute 6, then a final check
func DefaultPollingConfig() PollingConfig {
	return PollingConfig{
		FastInterval: 3 * time.Second,
		SlowInterval: 10 * time.Second,
		FastPhase:    time.Minute,
		Horizon:      6 * time.Minute,
	}
}

// Polling queries the backend on a schedule that slows down as the attempt ages and ends
// after a bounded horizon even when no terminal status ever arrives.
type Polling struct {
	querier *StatusQuerier
	clock   timeutil.Clock
	config  PollingConfig
	logger  *zap.Logger
	events  listeners.Registry[domain.StatusEvent]

	mu        sync.Mutex
	id        string
	gen       uint64
	startedAt time.Time
	timer     timeutil.Timer
	checks    int
}

// NewPolling creates a poller over querier
func NewPolling(querier *StatusQuerier, config PollingConfig, clock timeutil.Clock, logger *zap.Logger) *Polling {
	if clock == nil {
		clock = timeutil.NewRealClock()
	}
	defaults := DefaultPollingConfig()
	if config.FastInterval <= 0 {
		config.FastInterval = defaults.FastInterval
	}
	if config.SlowInterval <= 0 {
		config.SlowInterval = defaults.SlowInterval
	}
	if config.FastPhase <= 0 {
		config.FastPhase = defaults.FastPhase
	}
	if config.Horizon <= 0 {
		config.Horizon = defaults.Horizon
	}
	return &Polling{querier: querier, clock: clock, config: config, logger: logger}
}

// Mode implements Channel
func (p *Polling) Mode() domain.ChannelMode {
	return domain.ChannelPolling
}

// OnEvent implements Channel
func (p *Polling) OnEvent(h EventHandler) func() {
	return p.events.Add(h)
}

// Connect starts polling id with the schedule measured from now
func (p *Polling) Connect(ctx context.Context, id string) error {
	return p.ConnectSince(ctx, id, p.clock.Now())
}

// ConnectSince starts polling id with the schedule measured from startedAt, so a resumed
// attempt picks up the slower phase it has already reached.
func (p *Polling) ConnectSince(_ context.Context, id string, startedAt time.Time) error {
	if id == "" {
		return domain.ErrMissingParams
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.id == id && p.timer != nil {
		return nil
	}
	p.stopLocked()

	p.gen++
	p.id = id
	p.startedAt = startedAt
	p.checks = 0
	p.scheduleLocked(p.gen, p.clock.Now().Sub(startedAt))

	p.logger.Info("Polling started",
		zap.String("client_sn", id),
		zap.Time("attempt_started_at", startedAt),
	)
	return nil
}

// Disconnect stops polling. Safe to call repeatedly.
func (p *Polling) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.id == "" {
		return
	}
	p.logger.Info("Polling stopped",
		zap.String("client_sn", p.id),
		zap.Int("checks", p.checks),
	)
	p.stopLocked()
	observability.RecordPollingStopped("disconnect")
}

// Active reports whether a check is scheduled
func (p *Polling) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timer != nil
}

// Checks returns how many scheduled checks ran for the current id
func (p *Polling) Checks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checks
}

// nextDelay picks the interval for the schedule phase elapsed falls in
func (p *Polling) nextDelay(elapsed time.Duration) time.Duration {
	if elapsed < p.config.FastPhase {
		return p.config.FastInterval
	}
	return p.config.SlowInterval
}

// scheduleLocked must be called with mu held
func (p *Polling) scheduleLocked(gen uint64, elapsed time.Duration) {
	p.timer = p.clock.AfterFunc(p.nextDelay(elapsed), func() {
		listeners.Guard(p.logger, "poll", func() { p.check(gen) })
	})
}

// stopLocked must be called with mu held
func (p *Polling) stopLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
	p.id = ""
}

func (p *Polling) check(gen uint64) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	id := p.id
	elapsed := p.clock.Now().Sub(p.startedAt)
	p.checks++
	p.mu.Unlock()

	ev, err := p.querier.Query(context.Background(), id, domain.SourcePolling)

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err == nil {
		p.events.Notify(p.logger, "polling event", ev)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return
	}

	switch {
	case err == nil && ev.OrderStatus.IsTerminal():
		p.logger.Info("Polling reached terminal status",
			zap.String("client_sn", id),
			zap.String("order_status", string(ev.OrderStatus)),
		)
		p.stopLocked()
		observability.RecordPollingStopped("terminal")
	case elapsed >= p.config.Horizon:
		p.logger.Warn("Polling horizon reached without a terminal status",
			zap.String("client_sn", id),
			zap.Duration("elapsed", elapsed),
			zap.Int("checks", p.checks),
		)
		p.stopLocked()
		observability.RecordPollingStopped("horizon")
	default:
		p.scheduleLocked(gen, elapsed)
	}
}
