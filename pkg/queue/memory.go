package queue

import (
	"context"
	"sync"

	"github.com/cbodonnell/tally/pkg/errs"
)

const (
	// DefaultQueueSize is used when a non-positive size is requested.
	DefaultQueueSize = 1024
)

// InMemoryQueue implements Queue with a buffered channel.
type InMemoryQueue[T any] struct {
	ch chan T
	// drain serializes ReadAllMessages and ClearQueue
	drain sync.Mutex
}

// NewInMemoryQueue creates a new queue holding at most size items.
func NewInMemoryQueue[T any](size int) *InMemoryQueue[T] {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &InMemoryQueue[T]{
		ch: make(chan T, size),
	}
}

// Enqueue adds an item to the end of the queue.
func (q *InMemoryQueue[T]) Enqueue(item T) error {
	select {
	case q.ch <- item:
		return nil
	default:
		return errs.ErrQueueFull
	}
}

// Dequeue removes and returns the item from the front of the queue.
func (q *InMemoryQueue[T]) Dequeue(ctx context.Context) (T, error) {
	select {
	case item := <-q.ch:
		return item, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Size returns the current size of the queue.
func (q *InMemoryQueue[T]) Size() int {
	return len(q.ch)
}

// ReadAllMessages reads all pending messages in the queue
func (q *InMemoryQueue[T]) ReadAllMessages() ([]T, error) {
	q.drain.Lock()
	defer q.drain.Unlock()

	var messages []T
	for {
		select {
		case item := <-q.ch:
			messages = append(messages, item)
		default:
			return messages, nil
		}
	}
}

// ClearQueue clears all messages from the queue.
func (q *InMemoryQueue[T]) ClearQueue() error {
	q.drain.Lock()
	defer q.drain.Unlock()

	for {
		select {
		case <-q.ch:
		default:
			return nil
		}
	}
}
