package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/kevin07696/uniform-pay/internal/domain"
	"github.com/kevin07696/uniform-pay/pkg/listeners"
	"github.com/kevin07696/uniform-pay/pkg/observability"
	"github.com/kevin07696/uniform-pay/pkg/resilience"
	"github.com/kevin07696/uniform-pay/pkg/timeutil"
)

// DefaultMaxReconnectAttempts bounds reconnects after abnormal closure
const DefaultMaxReconnectAttempts = 3

// RealtimeConfig configures the push connection
type RealtimeConfig struct {
	// URL is the feed endpoint; client_sn=<id> is appended to its query
	URL                  string
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	Backoff              resilience.BackoffStrategy
}

// StatusChange reports a realtime connection status transition
type StatusChange struct {
	ClientTransactionID string
	Status              domain.ConnectionStatus
	// Exhausted is set when the reconnect bound was exceeded; no further attempts follow
	Exhausted bool
	// Replaced is set when Connect for another id took the connection away
	Replaced bool
}

// Realtime owns the process's single push connection. Consumers register handlers on
// the shared hub instead of opening connections of their own.
type Realtime struct {
	config   RealtimeConfig
	clock    timeutil.Clock
	logger   *zap.Logger
	events   listeners.Registry[domain.StatusEvent]
	statuses listeners.Registry[StatusChange]

	mu        sync.Mutex
	id        string
	gen       uint64
	conn      net.Conn
	writer    *lockedWriter
	dialing   bool
	status    domain.ConnectionStatus
	attempts  int
	exhausted bool
	timer     timeutil.Timer
}

// NewRealtime creates the hub. It holds no connection until Connect.
func NewRealtime(config RealtimeConfig, clock timeutil.Clock, logger *zap.Logger) *Realtime {
	if clock == nil {
		clock = timeutil.NewRealClock()
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = resilience.DefaultTimeoutConfig().RealtimeDial
	}
	if config.Backoff == nil {
		config.Backoff = resilience.ReconnectBackoff()
	}
	return &Realtime{
		config: config,
		clock:  clock,
		logger: logger,
		status: domain.ConnectionDisconnected,
	}
}

// Mode implements Channel
func (r *Realtime) Mode() domain.ChannelMode {
	return domain.ChannelRealtime
}

// OnEvent implements Channel
func (r *Realtime) OnEvent(h EventHandler) func() {
	return r.events.Add(h)
}

// OnStatus registers a connection status listener and returns a func that removes it
func (r *Realtime) OnStatus(fn func(StatusChange)) func() {
	return r.statuses.Add(fn)
}

// Status returns the current connection status and the id it applies to
func (r *Realtime) Status() (string, domain.ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id, r.status
}

// Handlers returns the number of registered event handlers
func (r *Realtime) Handlers() int {
	return r.events.Len()
}

// Connect opens the push connection for id. A call for the id already connected, connecting
// or waiting to reconnect is a no-op; a different id tears down the existing connection first.
// A failed dial is returned and also scheduled for reconnect like any abnormal closure.
func (r *Realtime) Connect(ctx context.Context, id string) error {
	if id == "" {
		return domain.ErrMissingParams
	}

	r.mu.Lock()
	if r.id == id && (r.conn != nil || r.dialing || r.timer != nil) {
		r.mu.Unlock()
		return nil
	}
	previous := r.id
	old := r.detachLocked()
	r.id = id
	r.attempts = 0
	r.exhausted = false
	r.dialing = true
	gen := r.gen
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("Replacing realtime connection",
			zap.String("client_sn", id),
			zap.String("replaced_client_sn", previous),
		)
		old.close("replaced")
	}
	if previous != "" && previous != id {
		r.statuses.Notify(r.logger, "realtime status", StatusChange{
			ClientTransactionID: previous,
			Status:              domain.ConnectionDisconnected,
			Replaced:            true,
		})
	}

	return r.dial(ctx, gen, id)
}

// Disconnect closes the connection with a normal closure and suppresses reconnects.
// Safe to call repeatedly.
func (r *Realtime) Disconnect() {
	r.mu.Lock()
	id, old, changed := r.resetLocked()
	r.mu.Unlock()
	r.finishClose(id, old, changed, "manual close")
}

// resetLocked drops the connection and the id it served. Must be called with mu held.
func (r *Realtime) resetLocked() (id string, old *openConn, changed bool) {
	id = r.id
	old = r.detachLocked()
	changed = r.setStatusLocked(domain.ConnectionDisconnected)
	r.id = ""
	r.attempts = 0
	r.exhausted = false
	return id, old, changed
}

func (r *Realtime) finishClose(id string, old *openConn, changed bool, reason string) {
	if old != nil {
		old.close(reason)
	}
	if changed {
		r.statuses.Notify(r.logger, "realtime status", StatusChange{ClientTransactionID: id, Status: domain.ConnectionDisconnected})
	}
}

// Release disconnects only if id is the connection currently held
func (r *Realtime) Release(id string) {
	r.mu.Lock()
	held := r.id == id
	r.mu.Unlock()

	if held {
		r.Disconnect()
	}
}

// openConn is one live websocket plus its guarded writer
type openConn struct {
	conn   net.Conn
	writer *lockedWriter
	logger *zap.Logger
}

func (c *openConn) close(reason string) {
	// Encode first so the frame reaches the socket in a single locked write
	var buf bytes.Buffer
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, reason)
	if err := wsutil.WriteClientMessage(&buf, ws.OpClose, body); err == nil {
		if _, err := c.writer.Write(buf.Bytes()); err != nil {
			c.logger.Debug("Failed to send close frame", zap.Error(err))
		}
	}
	c.conn.Close()
}

// detachLocked invalidates the current generation and hands back the open connection, if any.
// Must be called with mu held.
func (r *Realtime) detachLocked() *openConn {
	r.gen++
	r.dialing = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.conn == nil {
		return nil
	}
	old := &openConn{conn: r.conn, writer: r.writer, logger: r.logger}
	r.conn = nil
	r.writer = nil
	return old
}

// setStatusLocked must be called with mu held; it reports whether the status changed
func (r *Realtime) setStatusLocked(s domain.ConnectionStatus) bool {
	if r.status == s {
		return false
	}
	r.status = s
	return true
}

func (r *Realtime) feedURL(id string) (string, error) {
	u, err := url.Parse(r.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime URL: %w", err)
	}
	q := u.Query()
	q.Set("client_sn", id)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *Realtime) dial(ctx context.Context, gen uint64, id string) error {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return nil
	}
	r.dialing = true
	changed := r.setStatusLocked(domain.ConnectionConnecting)
	r.mu.Unlock()
	if changed {
		r.statuses.Notify(r.logger, "realtime status", StatusChange{ClientTransactionID: id, Status: domain.ConnectionConnecting})
	}

	target, err := r.feedURL(id)
	if err != nil {
		r.handleClosed(gen, id, err)
		return domain.WrapError(domain.ErrorCodeTransport, "realtime dial failed", err)
	}

	dctx, cancel := context.WithTimeout(ctx, r.config.DialTimeout)
	defer cancel()

	conn, br, _, err := ws.Dialer{Timeout: r.config.DialTimeout}.Dial(dctx, target)
	if err != nil {
		r.logger.Warn("Realtime dial failed",
			zap.String("client_sn", id),
			zap.Error(err),
		)
		r.handleClosed(gen, id, err)
		return domain.WrapError(domain.ErrorCodeTransport, "realtime dial failed", err)
	}

	var reader io.Reader = conn
	if br != nil {
		reader = br
	}
	writer := &lockedWriter{w: conn}

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		(&openConn{conn: conn, writer: writer, logger: r.logger}).close("superseded")
		return nil
	}
	r.conn = conn
	r.writer = writer
	r.dialing = false
	r.attempts = 0
	r.setStatusLocked(domain.ConnectionConnected)
	r.mu.Unlock()

	r.logger.Info("Realtime connection open", zap.String("client_sn", id))
	r.statuses.Notify(r.logger, "realtime status", StatusChange{ClientTransactionID: id, Status: domain.ConnectionConnected})

	go r.readLoop(gen, id, readWriter{Reader: reader, Writer: writer})
	return nil
}

func (r *Realtime) readLoop(gen uint64, id string, rw io.ReadWriter) {
	for {
		data, op, err := wsutil.ReadServerData(rw)
		if err != nil {
			r.handleClosed(gen, id, err)
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		ev, ok, err := ParseFrame(data, r.clock.Now())
		if err != nil {
			r.logger.Warn("Dropping realtime frame",
				zap.String("client_sn", id),
				zap.Error(err),
			)
			observability.RecordFrameDropped("decode")
			continue
		}
		if !ok {
			continue
		}
		if ev.ClientTransactionID == "" {
			ev.ClientTransactionID = id
		}
		if ev.ClientTransactionID != id {
			observability.RecordFrameDropped("stale")
			continue
		}

		r.mu.Lock()
		current := gen == r.gen
		r.mu.Unlock()
		if !current {
			return
		}

		r.events.Notify(r.logger, "realtime event", ev)

		if ev.OrderStatus.IsTerminal() {
			r.logger.Info("Realtime reached terminal status, closing",
				zap.String("client_sn", id),
				zap.String("order_status", string(ev.OrderStatus)),
			)
			r.closeGeneration(gen)
			return
		}
	}
}

// closeGeneration is Disconnect restricted to the connection generation gen. The generation
// check and the detach happen under one lock hold.
func (r *Realtime) closeGeneration(gen uint64) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	id, old, changed := r.resetLocked()
	r.mu.Unlock()
	r.finishClose(id, old, changed, "terminal status")
}

// handleClosed decides between reconnecting and giving up after the connection for gen ends
func (r *Realtime) handleClosed(gen uint64, id string, cause error) {
	var closed wsutil.ClosedError
	normal := errors.As(cause, &closed) && closed.Code == ws.StatusNormalClosure

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	r.writer = nil
	r.dialing = false

	if normal {
		changed := r.setStatusLocked(domain.ConnectionDisconnected)
		r.mu.Unlock()
		r.logger.Info("Realtime connection closed normally", zap.String("client_sn", id))
		if changed {
			r.statuses.Notify(r.logger, "realtime status", StatusChange{ClientTransactionID: id, Status: domain.ConnectionDisconnected})
		}
		return
	}

	r.attempts++
	if r.attempts > r.config.MaxReconnectAttempts {
		r.exhausted = true
		r.setStatusLocked(domain.ConnectionDisconnected)
		attempts := r.attempts - 1
		r.mu.Unlock()

		r.logger.Error("Realtime reconnect attempts exhausted",
			zap.String("client_sn", id),
			zap.Int("attempts", attempts),
			zap.Error(cause),
		)
		observability.RecordRealtimeExhausted()
		r.statuses.Notify(r.logger, "realtime status", StatusChange{
			ClientTransactionID: id,
			Status:              domain.ConnectionDisconnected,
			Exhausted:           true,
		})
		return
	}

	delay := r.config.Backoff.NextDelay(r.attempts - 1)
	attempt := r.attempts
	r.timer = r.clock.AfterFunc(delay, func() {
		listeners.Guard(r.logger, "reconnect", func() { r.reconnect(gen, id) })
	})
	r.setStatusLocked(domain.ConnectionError)
	r.mu.Unlock()

	r.logger.Warn("Realtime connection lost, reconnecting",
		zap.String("client_sn", id),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	observability.RecordRealtimeReconnect()
	r.statuses.Notify(r.logger, "realtime status", StatusChange{ClientTransactionID: id, Status: domain.ConnectionError})
}

func (r *Realtime) reconnect(gen uint64, id string) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.mu.Unlock()

	_ = r.dial(context.Background(), gen, id)
}

// Exhausted reports whether the connection for id gave up reconnecting
func (r *Realtime) Exhausted(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id == id && r.exhausted
}

// lockedWriter serializes frame writes from the read loop (control replies) and Disconnect
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

type readWriter struct {
	io.Reader
	io.Writer
}
