package concurrency

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrMailboxClosed is returned when sending to or receiving from a closed mailbox
	ErrMailboxClosed = errors.New("mailbox is closed")

	// ErrMailboxFull is returned when a bounded mailbox has no room left (backpressure)
	ErrMailboxFull = errors.New("mailbox is full")
)

// Mailbox is a bounded FIFO queue with close semantics.
//
// Items still queued when the mailbox is closed are dropped: Receive reports
// ErrMailboxClosed as soon as Close has been called.
type Mailbox[T any] struct {
	mu       sync.RWMutex
	ch       chan T
	closed   bool
	capacity int
}

// NewMailbox creates a mailbox holding at most capacity items.
func NewMailbox[T any](capacity int) *Mailbox[T] {
	if capacity < 1 {
		capacity = 1024
	}
	return &Mailbox[T]{
		ch:       make(chan T, capacity),
		capacity: capacity,
	}
}

// Send enqueues item without blocking.
func (mb *Mailbox[T]) Send(item T) error {
	// Read lock keeps Close from closing the channel under a concurrent send.
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	if mb.closed {
		return ErrMailboxClosed
	}
	select {
	case mb.ch <- item:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Receive blocks until an item is available, the mailbox is closed or ctx is done.
func (mb *Mailbox[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	if mb.IsClosed() {
		return zero, ErrMailboxClosed
	}

	select {
	case item, ok := <-mb.ch:
		if !ok || mb.IsClosed() {
			return zero, ErrMailboxClosed
		}
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close closes the mailbox. Safe to call more than once.
func (mb *Mailbox[T]) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if !mb.closed {
		mb.closed = true
		close(mb.ch)
	}
}

// IsClosed reports whether Close has been called.
func (mb *Mailbox[T]) IsClosed() bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return mb.closed
}

// Capacity returns the maximum number of queued items.
func (mb *Mailbox[T]) Capacity() int {
	return mb.capacity
}

// Size returns the number of queued items.
func (mb *Mailbox[T]) Size() int {
	return len(mb.ch)
}
