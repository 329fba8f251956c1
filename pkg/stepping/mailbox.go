package stepping

import (
	"context"
	"sync"

	sterrors "github.com/wehubfusion/stepping/pkg/errors"
)

// mailbox is the FIFO queue of one StepDecorator. It is bounded when capacity > 0.
// Control messages bypass the bound so shutdown and ticks are never stuck behind data.
type mailbox struct {
	mu       sync.Mutex
	items    []Message
	capacity int
	closed   bool

	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
}

func newMailbox(capacity int) *mailbox {
	return &mailbox{
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// put appends msg, blocking while a bounded mailbox is full.
// It returns ErrClosed once the mailbox is closed.
func (m *mailbox) put(ctx context.Context, msg Message) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return sterrors.ErrClosed
		}
		if m.capacity <= 0 || len(m.items) < m.capacity || msg.isControl() {
			m.items = append(m.items, msg)
			if m.capacity > 0 && len(m.items) < m.capacity {
				signal(m.notFull)
			}
			m.mu.Unlock()
			signal(m.notEmpty)
			return nil
		}
		m.mu.Unlock()

		select {
		case <-m.notFull:
		case <-m.done:
			return sterrors.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// take removes the oldest message, blocking until one exists or ctx is done.
// A done ctx wins over queued messages.
func (m *mailbox) take(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		m.mu.Lock()
		if len(m.items) > 0 {
			msg := m.items[0]
			m.items[0] = Message{}
			m.items = m.items[1:]
			more := len(m.items) > 0
			m.mu.Unlock()

			if more {
				signal(m.notEmpty)
			}
			signal(m.notFull)
			return msg, nil
		}
		m.mu.Unlock()

		select {
		case <-m.notEmpty:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// close rejects further puts, drops pending messages and wakes blocked publishers.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.items = nil
	close(m.done)
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
