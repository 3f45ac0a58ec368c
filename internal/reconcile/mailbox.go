package reconcile

import "sync"

// mailbox is an unbounded FIFO of actor messages
type mailbox struct {
	mu    sync.Mutex
	queue []func()
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	return out
}
