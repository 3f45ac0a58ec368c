package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kevin07696/uniform-pay/internal/adapters/kvstore"
	"github.com/kevin07696/uniform-pay/internal/channel"
	"github.com/kevin07696/uniform-pay/internal/domain"
	"github.com/kevin07696/uniform-pay/internal/session"
	"github.com/kevin07696/uniform-pay/pkg/resilience"
	"github.com/kevin07696/uniform-pay/pkg/timeutil"
)

const testSubject = "110101199003078515"

var epoch = time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)

// fakeBackend mints sequential ids and answers status queries from a script
type fakeBackend struct {
	mu        sync.Mutex
	prepays   int
	prepayErr error
	status    domain.OrderStatus
	statusErr error
}

func (f *fakeBackend) Prepay(_ context.Context, subjectID string, method domain.PaymentMethod) (*domain.PrepayResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prepayErr != nil {
		return nil, f.prepayErr
	}
	f.prepays++
	return &domain.PrepayResult{
		ClientTransactionID: fmt.Sprintf("sn-%d", f.prepays),
		TotalAmount:         decimal.RequireFromString("268.50"),
		Description:         "Autumn uniform x2",
		QRPayload:           "weixin://wxpay/bizpayurl?pr=abc",
	}, nil
}

func (f *fakeBackend) QueryStatus(_ context.Context, _ string) (domain.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return "", f.statusErr
	}
	if f.status == "" {
		return domain.OrderStatusPending, nil
	}
	return f.status, nil
}

func (f *fakeBackend) setStatus(status domain.OrderStatus, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.statusErr = status, err
}

func (f *fakeBackend) prepayCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepays
}

// fakeHub stands in for the shared realtime connection
type fakeHub struct {
	mu            sync.Mutex
	connectErr    error
	connectStatus domain.ConnectionStatus
	current       string
	status        domain.ConnectionStatus
	connected     []string
	released      []string
	nextID        int
	events        map[int]channel.EventHandler
	statuses      map[int]func(channel.StatusChange)
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		connectStatus: domain.ConnectionConnected,
		status:        domain.ConnectionDisconnected,
		events:        make(map[int]channel.EventHandler),
		statuses:      make(map[int]func(channel.StatusChange)),
	}
}

func (h *fakeHub) Connect(_ context.Context, id string) error {
	h.mu.Lock()
	h.connected = append(h.connected, id)
	if h.connectErr != nil {
		h.mu.Unlock()
		return h.connectErr
	}
	h.current, h.status = id, h.connectStatus
	h.mu.Unlock()

	h.emitStatus(channel.StatusChange{ClientTransactionID: id, Status: h.connectStatus})
	return nil
}

func (h *fakeHub) Release(id string) {
	h.mu.Lock()
	h.released = append(h.released, id)
	if h.current != id {
		h.mu.Unlock()
		return
	}
	h.current, h.status = "", domain.ConnectionDisconnected
	h.mu.Unlock()

	h.emitStatus(channel.StatusChange{ClientTransactionID: id, Status: domain.ConnectionDisconnected})
}

func (h *fakeHub) Status() (string, domain.ConnectionStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current, h.status
}

func (h *fakeHub) OnEvent(fn channel.EventHandler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.events[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.events, id)
	}
}

func (h *fakeHub) OnStatus(fn func(channel.StatusChange)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.statuses[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.statuses, id)
	}
}

func (h *fakeHub) emit(id string, status domain.OrderStatus) {
	h.mu.Lock()
	handlers := make([]channel.EventHandler, 0, len(h.events))
	for _, fn := range h.events {
		handlers = append(handlers, fn)
	}
	h.mu.Unlock()

	ev := domain.StatusEvent{ClientTransactionID: id, OrderStatus: status, Source: domain.SourceRealtime}
	for _, fn := range handlers {
		fn(ev)
	}
}

func (h *fakeHub) emitStatus(change channel.StatusChange) {
	h.mu.Lock()
	handlers := make([]func(channel.StatusChange), 0, len(h.statuses))
	for _, fn := range h.statuses {
		handlers = append(handlers, fn)
	}
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(change)
	}
}

func (h *fakeHub) handlerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events) + len(h.statuses)
}

func (h *fakeHub) connectedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.connected...)
}

func (h *fakeHub) releasedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.released...)
}

// countingKV records writes and deletes per key
type countingKV struct {
	*kvstore.MemoryStore
	mu      sync.Mutex
	sets    map[string]int
	deletes map[string]int
}

func newCountingKV() *countingKV {
	return &countingKV{
		MemoryStore: kvstore.NewMemoryStore(),
		sets:        make(map[string]int),
		deletes:     make(map[string]int),
	}
}

func (k *countingKV) Set(ctx context.Context, key string, value []byte) error {
	k.mu.Lock()
	k.sets[key]++
	k.mu.Unlock()
	return k.MemoryStore.Set(ctx, key, value)
}

func (k *countingKV) Delete(ctx context.Context, key string) error {
	k.mu.Lock()
	k.deletes[key]++
	k.mu.Unlock()
	return k.MemoryStore.Delete(ctx, key)
}

func (k *countingKV) setCount(key string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sets[key]
}

func (k *countingKV) deleteCount(key string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.deletes[key]
}

type fakePublisher struct {
	mu       sync.Mutex
	outcomes []domain.Outcome
}

func (p *fakePublisher) PublishOutcome(_ context.Context, outcome domain.Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, outcome)
	return nil
}

func (p *fakePublisher) all() []domain.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Outcome(nil), p.outcomes...)
}

// stateLog records every snapshot an observer receives
type stateLog struct {
	mu     sync.Mutex
	states []domain.ReconciliationState
}

func (l *stateLog) observe(s domain.ReconciliationState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) count(status domain.ReconciliationStatus) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.states {
		if s.Status == status {
			n++
		}
	}
	return n
}

type harness struct {
	t         *testing.T
	clock     *timeutil.ManualClock
	kv        *countingKV
	sessions  *session.Store
	backend   *fakeBackend
	hub       *fakeHub
	shared    Hub
	publisher *fakePublisher
	querier   *channel.StatusQuerier
	ctrl      *Controller
}

func newHarness(t *testing.T, withHub bool) *harness {
	t.Helper()

	clock := timeutil.NewManualClock(epoch)
	kv := newCountingKV()
	backend := &fakeBackend{}
	h := &harness{
		t:         t,
		clock:     clock,
		kv:        kv,
		sessions:  session.NewStore(kv, clock, zap.NewNop()),
		backend:   backend,
		publisher: &fakePublisher{},
		querier:   channel.NewStatusQuerier(backend, nil, resilience.TestTimeoutConfig(), clock, zap.NewNop()),
	}
	if withHub {
		h.hub = newFakeHub()
	}
	h.ctrl = h.newController()
	return h
}

// newController replaces the harness controller, as a page reload would
func (h *harness) newController() *Controller {
	deps := Deps{
		Backend:   h.backend,
		Sessions:  h.sessions,
		Querier:   h.querier,
		Publisher: h.publisher,
		Clock:     h.clock,
		Logger:    zap.NewNop(),
	}
	switch {
	case h.shared != nil:
		deps.Hub = h.shared
	case h.hub != nil:
		deps.Hub = h.hub
	}

	cfg := DefaultConfig()
	cfg.Timeouts = resilience.TestTimeoutConfig()

	ctrl := NewController(deps, cfg)
	h.t.Cleanup(ctrl.Close)
	h.ctrl = ctrl
	return ctrl
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.Start(context.Background(), testSubject, domain.PaymentMethodWeChat))
	h.flush()
}

// flush waits until the controller has handled everything posted so far
func (h *harness) flush() {
	_ = h.ctrl.do(func() {})
}

// advance moves the clock in one-second steps, letting the controller catch up after each
func (h *harness) advance(d time.Duration) {
	for d > 0 {
		step := time.Second
		if d < step {
			step = d
		}
		h.clock.Advance(step)
		h.flush()
		d -= step
	}
}

// newFeedRealtime returns a real hub dialing a feed that accepts connections and stays silent
func newFeedRealtime(t *testing.T, clock timeutil.Clock) *channel.Realtime {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	rt := channel.NewRealtime(channel.RealtimeConfig{
		URL:         "ws://" + strings.TrimPrefix(server.URL, "http://") + "/ws",
		DialTimeout: time.Second,
	}, clock, zap.NewNop())
	t.Cleanup(rt.Disconnect)
	return rt
}

// flushAll waits until each controller has handled everything posted so far
func flushAll(ctrls ...*Controller) {
	for _, c := range ctrls {
		_ = c.do(func() {})
	}
}
