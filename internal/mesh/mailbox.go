package mesh

import "sync"

// mailbox is an unbounded FIFO. put never blocks; the consumer waits on ready.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	ready  chan struct{}
	closed bool
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{ready: make(chan struct{}, 1)}
}

// put enqueues v. It reports false once the mailbox is closed.
func (m *mailbox[T]) put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

// take removes and returns everything queued.
func (m *mailbox[T]) take() []T {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.items
	m.items = nil
	return items
}

// close stops further puts and drops anything queued.
func (m *mailbox[T]) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.items = nil
}
