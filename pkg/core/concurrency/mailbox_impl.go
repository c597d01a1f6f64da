package concurrency

import (
	"context"
	"sync"
)

// boundedMailbox implements Mailbox using a buffered channel
type boundedMailbox[T any] struct {
	ch       chan T
	mu       sync.RWMutex // guards closed against concurrent Send/Close
	closed   bool
	capacity int
}

// NewBoundedMailbox creates a new bounded mailbox
func NewBoundedMailbox[T any](capacity int) Mailbox[T] {
	if capacity < 1 {
		capacity = 100 // Default capacity
	}

	return &boundedMailbox[T]{
		ch:       make(chan T, capacity),
		capacity: capacity,
	}
}

// Send implements Mailbox interface
func (mb *boundedMailbox[T]) Send(msg T) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return ErrMailboxClosed
	}

	// non-blocking for backpressure
	select {
	case mb.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Receive implements Mailbox interface
func (mb *boundedMailbox[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	select {
	case msg, ok := <-mb.ch:
		if !ok {
			return zero, ErrMailboxClosed
		}
		return msg, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryReceive implements Mailbox interface
func (mb *boundedMailbox[T]) TryReceive() (T, bool, error) {
	var zero T
	select {
	case msg, ok := <-mb.ch:
		if !ok {
			return zero, false, ErrMailboxClosed
		}
		return msg, true, nil
	default:
		return zero, false, nil
	}
}

// Close implements Mailbox interface
func (mb *boundedMailbox[T]) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if !mb.closed {
		mb.closed = true
		close(mb.ch)
	}
}

// Capacity implements Mailbox interface
func (mb *boundedMailbox[T]) Capacity() int {
	return mb.capacity
}

// Size implements Mailbox interface
func (mb *boundedMailbox[T]) Size() int {
	return len(mb.ch)
}

// IsClosed implements Mailbox interface
func (mb *boundedMailbox[T]) IsClosed() bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return mb.closed
}
