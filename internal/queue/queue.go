package queue

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

// Queue is an unbounded FIFO whose Get blocks until an item is available.
type Queue[T any] struct {
	mu    sync.Mutex
	items *linkedlistqueue.Queue
	ready chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		items: linkedlistqueue.New(),
		ready: make(chan struct{}, 1),
	}
}

func (q *Queue[T]) Put(item T) {
	q.mu.Lock()
	q.items.Enqueue(item)
	q.mu.Unlock()
	q.signal()
}

// Get removes the head of the queue, waiting for one to arrive when empty.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		v, ok := q.items.Dequeue()
		remaining := !q.items.Empty()
		q.mu.Unlock()

		if ok {
			if remaining {
				q.signal()
			}
			return v.(T), nil
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.ready:
		}
	}
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Size()
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
