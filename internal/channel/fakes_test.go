package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kevin07696/uniform-pay/internal/domain"
	"github.com/kevin07696/uniform-pay/pkg/timeutil"
)

var epoch = time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)

// fakeBackend answers status queries from a script
type fakeBackend struct {
	mu      sync.Mutex
	calls   atomic.Int32
	status  domain.OrderStatus
	err     error
	entered chan struct{}
	release chan struct{}
}

func newFakeBackend(status domain.OrderStatus) *fakeBackend {
	return &fakeBackend{status: status}
}

func (f *fakeBackend) set(status domain.OrderStatus, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.err = err
}

// block makes the next queries wait until unblock is called
func (f *fakeBackend) block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entered = make(chan struct{}, 16)
	f.release = make(chan struct{})
}

func (f *fakeBackend) unblock() {
	close(f.release)
}

func (f *fakeBackend) QueryStatus(ctx context.Context, id string) (domain.OrderStatus, error) {
	f.calls.Add(1)

	f.mu.Lock()
	entered, release := f.entered, f.release
	f.mu.Unlock()

	if release != nil {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.err
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.StatusEvent
}

func (l *eventLog) handle(ev domain.StatusEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []domain.StatusEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.StatusEvent(nil), l.events...)
}

func newManualClock() *timeutil.ManualClock {
	return timeutil.NewManualClock(epoch)
}
