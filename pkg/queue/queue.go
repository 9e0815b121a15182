// queue package

package queue

import "context"

// Queue represents a bounded FIFO queue.
type Queue[T any] interface {
	// Enqueue adds an item without blocking. It fails with errs.ErrQueueFull
	// when the queue is at capacity.
	Enqueue(item T) error
	// Dequeue blocks until an item is available or ctx is done.
	Dequeue(ctx context.Context) (T, error)
	Size() int
	// ReadAllMessages drains every item currently queued.
	ReadAllMessages() ([]T, error)
	ClearQueue() error
}
