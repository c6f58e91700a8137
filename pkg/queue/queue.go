// Package queue provides the single shared work queue carrying envelopes
// between pipeline stages. It is the only mutable structure shared between
// the dispatcher and the front-end listeners.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/williamsonf/fylgja/pkg/chat"
)

var (
	// ErrClosed is returned when operating on a closed queue.
	ErrClosed = errors.New("queue closed")

	// ErrFull is returned when pushing to a queue at capacity.
	ErrFull = errors.New("queue full")
)

const defaultCapacity = 1024

// Queue is a thread-safe FIFO of pipeline envelopes. Items are requeued
// after each stage, so dequeue order is FIFO per pull but end-to-end ordering
// across stages is deliberately not preserved.
type Queue struct {
	items chan *chat.Envelope

	// mu serializes Push against Close: the channel is only closed while no
	// push holds the read lock, so a push can never hit a closed channel.
	mu     sync.RWMutex
	closed bool
}

// New creates a queue. capacity <= 0 selects the default.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue{items: make(chan *chat.Envelope, capacity)}
}

// Push adds an envelope without blocking. Concurrent pushes are safe, as is
// a push racing Close.
func (q *Queue) Push(env *chat.Envelope) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.items <- env:
		return nil
	default:
		return ErrFull
	}
}

// Pull removes the next envelope, blocking until one is available, the
// context is cancelled, or the queue is closed and drained.
func (q *Queue) Pull(ctx context.Context) (*chat.Envelope, error) {
	select {
	case env, ok := <-q.items:
		if !ok {
			return nil, ErrClosed
		}
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryPull removes the next envelope without blocking.
func (q *Queue) TryPull() (*chat.Envelope, bool) {
	select {
	case env, ok := <-q.items:
		if !ok {
			return nil, false
		}
		return env, true
	default:
		return nil, false
	}
}

// Len returns the number of queued envelopes.
func (q *Queue) Len() int {
	return len(q.items)
}

// Close marks the queue closed. Pending items can still be pulled.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.closed = true
	close(q.items)
	return nil
}
