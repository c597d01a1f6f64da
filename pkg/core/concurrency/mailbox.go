// Package concurrency hides channel plumbing behind small message-passing types.
package concurrency

import (
	"context"
	"errors"
)

var (
	// ErrMailboxClosed is returned when trying to send/receive on a closed mailbox
	ErrMailboxClosed = errors.New("mailbox is closed")

	// ErrMailboxFull is returned when trying to send to a full mailbox (backpressure)
	ErrMailboxFull = errors.New("mailbox is full")
)

// Mailbox abstracts channel operations behind a message passing API
// Hides chan type and select statements from application code
type Mailbox[T any] interface {
	// Send sends a message to the mailbox
	// Returns ErrMailboxFull if mailbox is full (backpressure)
	// Returns ErrMailboxClosed if mailbox is closed
	Send(msg T) error

	// Receive receives a message from the mailbox
	// Blocks until a message is available or ctx is cancelled
	// Returns ErrMailboxClosed once the mailbox is closed and drained
	Receive(ctx context.Context) (T, error)

	// TryReceive attempts to receive a message without blocking
	// Returns (msg, true) if message available, (zero, false) if empty
	TryReceive() (T, bool, error)

	// Close closes the mailbox
	// After closing, Send returns ErrMailboxClosed; buffered messages can still be received
	Close()

	// Capacity returns the maximum capacity of the mailbox
	Capacity() int

	// Size returns the current number of messages in the mailbox
	Size() int

	// IsClosed returns true if the mailbox is closed
	IsClosed() bool
}
