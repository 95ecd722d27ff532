package work

import (
	"context"
	"errors"
	"sync"
	"time"

	"identity-server-go/internal/util"
)

var ErrWorkQueueClosed = errors.New("work queue closed")

// Item carries one unit of work plus its retry bookkeeping.
type Item[T any] struct {
	Data       T
	Priority   int
	Retries    int
	MaxRetries int
	LastError  error
	CreatedAt  time.Time
}

// Handler processes one unit of work. A non-nil error triggers a retry until
// the item's budget is spent.
type Handler[T any] func(item T) error

// Queue is a priority work queue with per-item retry and backoff, drained by
// a fixed pool of workers.
type Queue[T any] struct {
	queue   *util.PriorityQueue[*Item[T]]
	handler Handler[T]
	backoff func(retries int) time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewQueue starts numWorkers goroutines draining the queue through handler.
func NewQueue[T any](numWorkers int, handler Handler[T]) *Queue[T] {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue[T]{
		queue:   util.NewPriorityQueue[*Item[T]](),
		handler: handler,
		backoff: defaultBackoff,
		cancel:  cancel,
	}
	for i := 0; i < numWorkers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return q
}

func defaultBackoff(retries int) time.Duration {
	backoff := time.Duration(retries) * time.Second
	if backoff > time.Minute {
		backoff = time.Minute
	}
	return backoff
}

// Submit enqueues data with no retries.
func (q *Queue[T]) Submit(data T, priority int) error {
	return q.SubmitWithRetries(data, priority, 0)
}

// SubmitWithRetries enqueues data with a retry budget.
func (q *Queue[T]) SubmitWithRetries(data T, priority, maxRetries int) error {
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return ErrWorkQueueClosed
	}

	item := &Item[T]{
		Data:       data,
		Priority:   priority,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
	}
	if err := q.queue.PushItem(item, priority); err != nil {
		return ErrWorkQueueClosed
	}
	return nil
}

// Stop drains nothing further: queued items are abandoned, in-flight handler
// calls finish, and workers exit.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	q.queue.Close()
	q.cancel()
	q.wg.Wait()
}

func (q *Queue[T]) IsStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// Pending reports how many items are queued but not yet picked up.
func (q *Queue[T]) Pending() int {
	return q.queue.Len()
}

func (q *Queue[T]) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		item, err := q.queue.PopItem(ctx)
		if err != nil {
			return
		}
		q.process(ctx, item)
	}
}

func (q *Queue[T]) process(ctx context.Context, item *Item[T]) {
	for {
		err := q.handler(item.Data)
		if err == nil {
			return
		}

		item.LastError = err
		item.Retries++
		if item.Retries > item.MaxRetries {
			// Budget spent; the item is dropped.
			return
		}

		select {
		case <-time.After(q.backoff(item.Retries)):
		case <-ctx.Done():
			return
		}
	}
}
