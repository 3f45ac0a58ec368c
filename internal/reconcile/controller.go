// Package reconcile owns the payment-attempt state machine: it resumes or mints an attempt,
// listens for status over realtime and polling channels, and settles the attempt exactly once.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kevin07696/uniform-pay/internal/channel"
	"github.com/kevin07696/uniform-pay/internal/countdown"
	"github.com/kevin07696/uniform-pay/internal/domain"
	"github.com/kevin07696/uniform-pay/internal/domain/ports"
	"github.com/kevin07696/uniform-pay/internal/session"
	"github.com/kevin07696/uniform-pay/pkg/listeners"
	"github.com/kevin07696/uniform-pay/pkg/observability"
	"github.com/kevin07696/uniform-pay/pkg/resilience"
	"github.com/kevin07696/uniform-pay/pkg/timeutil"
)

// Hub is the process-wide realtime connection shared by every controller
type Hub interface {
	Connect(ctx context.Context, id string) error
	Release(id string)
	Status() (id string, status domain.ConnectionStatus)
	OnEvent(h channel.EventHandler) (unsubscribe func())
	OnStatus(fn func(channel.StatusChange)) (unsubscribe func())
}

// Observer receives a state snapshot after every change. Observers run on the controller's
// goroutine and must not call back into the controller synchronously.
type Observer func(domain.ReconciliationState)

// Deps are the controller's collaborators. Hub and Publisher are optional; without a hub the
// controller polls from the start.
type Deps struct {
	Backend   ports.PaymentBackend
	Sessions  *session.Store
	Hub       Hub
	Querier   *channel.StatusQuerier
	Publisher ports.OutcomePublisher
	Clock     timeutil.Clock
	Logger    *zap.Logger
}

// Config tunes the state machine
type Config struct {
	// Window is how long a minted QR code stays payable
	Window time.Duration
	// PaidGrace is how long a recorded payment short-circuits a new attempt for the same subject
	PaidGrace time.Duration
	// RealtimeGrace is how long realtime gets to connect or deliver before polling joins in
	RealtimeGrace time.Duration
	Polling       channel.PollingConfig
	Timeouts      *resilience.TimeoutConfig
}

// DefaultConfig returns production settings
func DefaultConfig() Config {
	return Config{
		Window:        domain.DefaultAttemptWindow,
		PaidGrace:     session.DefaultPaidGrace,
		RealtimeGrace: 15 * time.Second,
		Polling:       channel.DefaultPollingConfig(),
		Timeouts:      resilience.DefaultTimeoutConfig(),
	}
}

// Controller reconciles one payment screen's attempts. All state lives on a single goroutine;
// timers, channels and callers reach it by posting messages.
type Controller struct {
	id        uuid.UUID
	deps      Deps
	config    Config
	logger    *zap.Logger
	polling   *channel.Polling
	observers listeners.Registry[domain.ReconciliationState]

	mailbox   *mailbox
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	publishes sync.WaitGroup
	unsubs    []func()

	snapMu   sync.RWMutex
	snapshot domain.ReconciliationState

	// Owned by the actor goroutine
	state         domain.ReconciliationState
	gen           uint64
	method        domain.PaymentMethod
	tracker       *countdown.Tracker
	graceTimer    timeutil.Timer
	realtimeHeard bool
}

// NewController creates a controller and starts its goroutine. Call Close to release it.
func NewController(deps Deps, config Config) *Controller {
	defaults := DefaultConfig()
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.PaidGrace <= 0 {
		config.PaidGrace = defaults.PaidGrace
	}
	if config.RealtimeGrace <= 0 {
		config.RealtimeGrace = defaults.RealtimeGrace
	}
	if config.Timeouts == nil {
		config.Timeouts = defaults.Timeouts
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	id := uuid.New()
	logger := deps.Logger.With(zap.String("controller_id", id.String()))

	c := &Controller{
		id:      id,
		deps:    deps,
		config:  config,
		logger:  logger,
		polling: channel.NewPolling(deps.Querier, config.Polling, deps.Clock, logger),
		mailbox: newMailbox(),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		state:   idleState(),
	}
	c.snapshot = c.state

	c.unsubs = append(c.unsubs, c.polling.OnEvent(func(ev domain.StatusEvent) {
		c.post(func() { c.apply(ev) })
	}))
	if deps.Hub != nil {
		c.unsubs = append(c.unsubs,
			deps.Hub.OnEvent(func(ev domain.StatusEvent) {
				c.post(func() { c.apply(ev) })
			}),
			deps.Hub.OnStatus(func(change channel.StatusChange) {
				c.post(func() { c.connectionChanged(change) })
			}),
		)
	}

	go c.run()
	return c
}

func idleState() domain.ReconciliationState {
	return domain.ReconciliationState{
		Status:      domain.StatusInitializing,
		ChannelMode: domain.ChannelNone,
		Connection:  domain.ConnectionDisconnected,
	}
}

// State returns the latest snapshot
func (c *Controller) State() domain.ReconciliationState {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapshot
}

// Subscribe registers fn for state changes and returns a func that removes it
func (c *Controller) Subscribe(fn Observer) func() {
	return c.observers.Add(fn)
}

// Start resumes the subject's stored attempt or mints a new one, then opens a status channel.
// Setup failures move the controller to ERROR and are returned; channel trouble never is.
func (c *Controller) Start(ctx context.Context, subjectID string, method domain.PaymentMethod) error {
	var gen uint64
	err := c.do(func() {
		c.teardown()
		c.gen++
		gen = c.gen
		c.method = method
		c.state = idleState()
		c.state.SubjectID = subjectID
		if subjectID == "" || !method.Valid() {
			c.fail(domain.ErrMissingParams)
			return
		}
		c.publish()
	})
	if err != nil {
		return err
	}
	if subjectID == "" || !method.Valid() {
		return domain.ErrMissingParams
	}

	return c.initialize(ctx, gen, subjectID, method, false)
}

// Restart discards the current attempt and mints a brand-new one for the same subject and method
func (c *Controller) Restart(ctx context.Context) error {
	var (
		gen     uint64
		subject string
		method  domain.PaymentMethod
	)
	err := c.do(func() {
		subject, method = c.state.SubjectID, c.method
		if subject == "" || !method.Valid() {
			return
		}
		hadAttempt := c.state.Attempt != nil
		c.teardown()
		if hadAttempt {
			c.clearSession()
		}
		c.gen++
		gen = c.gen
		c.state = idleState()
		c.state.SubjectID = subject
		c.publish()
	})
	if err != nil {
		return err
	}
	if subject == "" || !method.Valid() {
		return domain.ErrNoActiveAttempt
	}

	c.logger.Info("Restarting payment attempt", zap.String("subject_id", subject))
	return c.initialize(ctx, gen, subject, method, true)
}

// CheckNow queries the backend for the active attempt through the same single-flight guard as
// polling and applies the answer like any other event. A failed query leaves state unchanged.
func (c *Controller) CheckNow(ctx context.Context) error {
	var id string
	if err := c.do(func() {
		if c.state.Status == domain.StatusAwaitingPayment {
			id = c.state.ClientTransactionID()
		}
	}); err != nil {
		return err
	}
	if id == "" {
		return domain.ErrNoActiveAttempt
	}

	ev, err := c.deps.Querier.Query(ctx, id, domain.SourceManual)
	if err != nil {
		return err
	}
	return c.do(func() { c.apply(ev) })
}

// Close stops timers and channels, releases handler registrations and stops the goroutine.
// The stored session is kept so a later Start can resume it. Safe to call repeatedly.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		_ = c.do(func() {
			c.teardown()
			for _, unsubscribe := range c.unsubs {
				unsubscribe()
			}
			c.unsubs = nil
		})
		close(c.quit)
		<-c.done
		c.publishes.Wait()
		c.logger.Debug("Controller closed")
	})
}

// initialize runs the blocking setup steps off the actor goroutine and hands the result back
// to it. gen guards against a Restart or Close that happened meanwhile.
func (c *Controller) initialize(ctx context.Context, gen uint64, subject string, method domain.PaymentMethod, forceNew bool) error {
	if c.deps.Sessions.RecentlyPaid(ctx, subject, c.config.PaidGrace) {
		c.logger.Info("Subject paid recently, skipping prepay", zap.String("subject_id", subject))
		return c.do(func() {
			if gen != c.gen {
				return
			}
			c.state.Status = domain.StatusPaid
			observability.RecordAttemptStarted(string(method), "already_paid")
			c.publish()
		})
	}

	var (
		attempt *domain.PaymentAttempt
		resumed bool
	)
	if !forceNew {
		if stored, ok := c.deps.Sessions.Load(ctx, subject); ok && stored.PaymentMethod == method {
			attempt, resumed = stored, true
		}
	}

	if attempt == nil {
		pctx, cancel := c.config.Timeouts.PrepayContext(ctx)
		res, err := c.deps.Backend.Prepay(pctx, subject, method)
		cancel()
		if err != nil {
			c.logger.Warn("Prepay failed",
				zap.String("subject_id", subject),
				zap.String("payment_method", string(method)),
				zap.Error(err),
			)
			if doErr := c.do(func() {
				if gen == c.gen {
					c.fail(err)
				}
			}); doErr != nil {
				return doErr
			}
			return err
		}

		attempt = domain.NewPaymentAttempt(res, subject, method, c.deps.Clock.Now(), c.config.Window)
		sctx, cancel := c.config.Timeouts.StoreContext(ctx)
		if err := c.deps.Sessions.Save(sctx, attempt); err != nil {
			c.logger.Warn("Failed to persist payment session",
				zap.String("client_sn", attempt.ClientTransactionID),
				zap.Error(err),
			)
		}
		cancel()
	}

	activated := false
	if err := c.do(func() {
		if gen != c.gen {
			return
		}
		c.activate(attempt, resumed)
		activated = true
	}); err != nil {
		return err
	}
	if !activated || c.deps.Hub == nil {
		return nil
	}

	id := attempt.ClientTransactionID
	if err := c.deps.Hub.Connect(ctx, id); err != nil {
		c.logger.Warn("Realtime unavailable, falling back to polling",
			zap.String("client_sn", id),
			zap.Error(err),
		)
		c.post(func() {
			if gen != c.gen || c.state.Status != domain.StatusAwaitingPayment {
				return
			}
			c.state.Connection = domain.ConnectionError
			c.degrade("connect_failed")
		})
		return nil
	}
	c.post(func() {
		if gen != c.gen || c.state.Status != domain.StatusAwaitingPayment {
			return
		}
		if hubID, status := c.deps.Hub.Status(); hubID == id && c.state.Connection != status {
			c.state.Connection = status
			c.publish()
		}
	})
	return nil
}

// --- actor side: everything below runs on the controller goroutine ---

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.mailbox.ready:
			for _, fn := range c.mailbox.drain() {
				listeners.Guard(c.logger, "controller message", fn)
			}
		case <-c.quit:
			return
		}
	}
}

// do runs fn on the actor and waits for it
func (c *Controller) do(fn func()) error {
	select {
	case <-c.quit:
		return domain.ErrClosed
	default:
	}

	finished := make(chan struct{})
	c.post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-c.done:
		return domain.ErrClosed
	}
}

// post queues fn for the actor without waiting. It never blocks, so channel callbacks may
// post from any goroutine including the actor itself.
func (c *Controller) post(fn func()) {
	select {
	case <-c.quit:
		return
	default:
	}
	c.mailbox.push(fn)
}

func (c *Controller) publish() {
	snap := c.state
	c.snapMu.Lock()
	c.snapshot = snap
	c.snapMu.Unlock()
	c.observers.Notify(c.logger, "state observer", snap)
}

func (c *Controller) activate(attempt *domain.PaymentAttempt, resumed bool) {
	gen := c.gen
	now := c.deps.Clock.Now()

	c.realtimeHeard = false
	c.state = domain.ReconciliationState{
		Status:           domain.StatusAwaitingPayment,
		Attempt:          attempt,
		SubjectID:        attempt.SubjectID,
		ChannelMode:      domain.ChannelPolling,
		Connection:       domain.ConnectionDisconnected,
		RemainingSeconds: attempt.RemainingSeconds(now),
		Resumed:          resumed,
	}

	origin := "minted"
	if resumed {
		origin = "resumed"
	}
	observability.RecordAttemptStarted(string(attempt.PaymentMethod), origin)
	observability.AttemptActivated()

	c.logger.Info("Awaiting payment",
		zap.String("client_sn", attempt.ClientTransactionID),
		zap.String("subject_id", attempt.SubjectID),
		zap.Bool("resumed", resumed),
		zap.Int("remaining_seconds", c.state.RemainingSeconds),
	)

	c.tracker = countdown.Start(c.deps.Clock, c.logger, attempt.ExpiresAt,
		func(remaining int) { c.post(func() { c.tick(gen, remaining) }) },
		func() { c.post(func() { c.expire(gen) }) },
	)

	if c.deps.Hub == nil {
		c.startPolling()
		c.publish()
		return
	}

	c.state.ChannelMode = domain.ChannelRealtime
	c.state.Connection = domain.ConnectionConnecting
	c.graceTimer = c.deps.Clock.AfterFunc(c.config.RealtimeGrace, func() {
		c.post(func() { c.graceElapsed(gen) })
	})
	c.publish()
}

func (c *Controller) startPolling() {
	attempt := c.state.Attempt
	if err := c.polling.ConnectSince(context.Background(), attempt.ClientTransactionID, attempt.CreatedAt); err != nil {
		c.logger.Error("Failed to start polling", zap.Error(err))
		return
	}
	c.state.ChannelMode = domain.ChannelPolling
}

// degrade brings polling in alongside a struggling realtime connection
func (c *Controller) degrade(reason string) {
	if c.state.Status != domain.StatusAwaitingPayment || c.state.Degraded {
		return
	}
	c.logger.Warn("Degrading to polling",
		zap.String("client_sn", c.state.ClientTransactionID()),
		zap.String("reason", reason),
	)
	observability.RecordDegradation(reason)
	c.state.Degraded = true
	c.startPolling()
	c.publish()
}

func (c *Controller) graceElapsed(gen uint64) {
	if gen != c.gen {
		return
	}
	c.graceTimer = nil
	if c.realtimeHeard || c.state.Connection == domain.ConnectionConnected {
		return
	}
	c.degrade("grace_elapsed")
}

func (c *Controller) connectionChanged(change channel.StatusChange) {
	if c.state.Status != domain.StatusAwaitingPayment || change.ClientTransactionID != c.state.ClientTransactionID() {
		return
	}
	c.state.Connection = change.Status
	switch {
	case change.Exhausted:
		c.degrade("exhausted")
		return
	case change.Replaced:
		c.degrade("replaced")
		return
	}
	c.publish()
}

// apply folds one status event into the state machine. Events for another attempt, events
// after the attempt settled, and PENDING are no-ops; an event at or past expiry expires the
// attempt instead.
func (c *Controller) apply(ev domain.StatusEvent) {
	if ev.ClientTransactionID == "" || ev.ClientTransactionID != c.state.ClientTransactionID() {
		c.logger.Debug("Ignoring event for another attempt", zap.String("client_sn", ev.ClientTransactionID))
		return
	}
	if c.state.Status != domain.StatusAwaitingPayment {
		c.logger.Debug("Ignoring event for settled attempt",
			zap.String("client_sn", ev.ClientTransactionID),
			zap.String("status", string(c.state.Status)),
			zap.String("order_status", string(ev.OrderStatus)),
		)
		return
	}
	if !c.deps.Clock.Now().Before(c.state.Attempt.ExpiresAt) {
		c.expire(c.gen)
		return
	}
	if ev.Source == domain.SourceRealtime {
		c.realtimeHeard = true
	}

	switch ev.OrderStatus {
	case domain.OrderStatusPaid:
		c.settle(domain.StatusPaid, ev.Source)
	case domain.OrderStatusCanceled:
		c.settle(domain.StatusCanceled, ev.Source)
	}
}

func (c *Controller) tick(gen uint64, remaining int) {
	if gen != c.gen || c.state.Status != domain.StatusAwaitingPayment {
		return
	}
	if !c.deps.Clock.Now().Before(c.state.Attempt.ExpiresAt) {
		c.expire(gen)
		return
	}
	if remaining < c.state.RemainingSeconds {
		c.state.RemainingSeconds = remaining
		c.publish()
	}
}

func (c *Controller) expire(gen uint64) {
	if gen != c.gen || c.state.Status != domain.StatusAwaitingPayment {
		return
	}
	attempt := c.state.Attempt
	c.logger.Info("Payment attempt expired", zap.String("client_sn", attempt.ClientTransactionID))

	c.teardown()
	c.clearSession()
	observability.RecordOutcome(string(attempt.PaymentMethod), string(domain.StatusExpired), "countdown", 0)

	c.state.Status = domain.StatusExpired
	c.state.RemainingSeconds = 0
	c.state.ChannelMode = domain.ChannelNone
	c.publish()
}

// settle records a terminal status once: store cleared, channels stopped, outcome published
func (c *Controller) settle(status domain.ReconciliationStatus, source domain.EventSource) {
	attempt := c.state.Attempt
	now := c.deps.Clock.Now()

	c.logger.Info("Payment attempt settled",
		zap.String("client_sn", attempt.ClientTransactionID),
		zap.String("status", string(status)),
		zap.String("source", string(source)),
	)

	c.teardown()
	c.clearSession()
	if status == domain.StatusPaid {
		ctx, cancel := c.config.Timeouts.StoreContext(context.Background())
		if err := c.deps.Sessions.MarkPaid(ctx, attempt.SubjectID); err != nil {
			c.logger.Warn("Failed to record paid marker", zap.Error(err))
		}
		cancel()
	}
	observability.RecordOutcome(string(attempt.PaymentMethod), string(status), string(source), now.Sub(attempt.CreatedAt))

	c.state.Status = status
	c.state.ChannelMode = domain.ChannelNone
	c.publish()

	c.publishOutcome(domain.Outcome{
		SettledAt:           now,
		ClientTransactionID: attempt.ClientTransactionID,
		SubjectID:           attempt.SubjectID,
		PaymentMethod:       attempt.PaymentMethod,
		TotalAmount:         attempt.TotalAmount.StringFixed(2),
		Status:              status,
		Source:              source,
	})
}

func (c *Controller) publishOutcome(outcome domain.Outcome) {
	if c.deps.Publisher == nil {
		return
	}
	c.publishes.Add(1)
	go func() {
		defer c.publishes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.deps.Publisher.PublishOutcome(ctx, outcome); err != nil {
			c.logger.Error("Failed to publish payment outcome",
				zap.String("client_sn", outcome.ClientTransactionID),
				zap.String("status", string(outcome.Status)),
				zap.Error(err),
			)
		}
	}()
}

func (c *Controller) fail(err error) {
	c.state.Status = domain.StatusError
	c.state.Err = err
	c.state.ChannelMode = domain.ChannelNone
	observability.RecordOutcome(string(c.method), string(domain.StatusError), "setup", 0)
	c.publish()
}

// teardown stops every timer and channel the current attempt holds. Safe to call repeatedly.
func (c *Controller) teardown() {
	if c.tracker != nil {
		c.tracker.Stop()
		c.tracker = nil
	}
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.polling.Disconnect()
	if id := c.state.ClientTransactionID(); id != "" && c.deps.Hub != nil {
		c.deps.Hub.Release(id)
	}
	if c.state.Status == domain.StatusAwaitingPayment {
		observability.AttemptDeactivated()
		c.state.Status = domain.StatusInitializing
	}
}

func (c *Controller) clearSession() {
	ctx, cancel := c.config.Timeouts.StoreContext(context.Background())
	defer cancel()
	if err := c.deps.Sessions.Clear(ctx); err != nil {
		c.logger.Warn("Failed to clear payment session", zap.Error(err))
	}
}
