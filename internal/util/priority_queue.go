package util

import (
	"container/heap"
	"context"
	"errors"
	"sync"
)

var (
	ErrPriorityQueueClosed = errors.New("priority queue closed")
	ErrPriorityQueueEmpty  = errors.New("priority queue empty")
)

type priorityItem[T any] struct {
	value    T
	priority int
	seq      uint64
}

type itemHeap[T any] []*priorityItem[T]

func (h itemHeap[T]) Len() int { return len(h) }

// Higher priority pops first; equal priorities stay FIFO via the sequence.
func (h itemHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap[T]) Push(x any) { *h = append(*h, x.(*priorityItem[T])) }

func (h *itemHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// PriorityQueue is a concurrency-safe priority queue with blocking pop.
type PriorityQueue[T any] struct {
	mu     sync.Mutex
	ready  chan struct{}
	items  itemHeap[T]
	seq    uint64
	closed bool
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{ready: make(chan struct{}, 1)}
}

// PushItem adds a value; higher priority values pop first.
func (pq *PriorityQueue[T]) PushItem(value T, priority int) error {
	pq.mu.Lock()
	if pq.closed {
		pq.mu.Unlock()
		return ErrPriorityQueueClosed
	}
	pq.seq++
	heap.Push(&pq.items, &priorityItem[T]{value: value, priority: priority, seq: pq.seq})
	pq.mu.Unlock()

	select {
	case pq.ready <- struct{}{}:
	default:
	}
	return nil
}

// PopItem removes the highest-priority value, blocking until one is
// available, the queue closes, or the context ends.
func (pq *PriorityQueue[T]) PopItem(ctx context.Context) (T, error) {
	var zero T
	for {
		pq.mu.Lock()
		if len(pq.items) > 0 {
			item := heap.Pop(&pq.items).(*priorityItem[T])
			remaining := len(pq.items)
			pq.mu.Unlock()
			if remaining > 0 {
				select {
				case pq.ready <- struct{}{}:
				default:
				}
			}
			return item.value, nil
		}
		if pq.closed {
			pq.mu.Unlock()
			// Pass the wakeup on so every blocked popper observes the close.
			select {
			case pq.ready <- struct{}{}:
			default:
			}
			return zero, ErrPriorityQueueClosed
		}
		pq.mu.Unlock()

		select {
		case <-pq.ready:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// TryPopItem removes the highest-priority value without blocking.
func (pq *PriorityQueue[T]) TryPopItem() (T, error) {
	var zero T
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if len(pq.items) > 0 {
		item := heap.Pop(&pq.items).(*priorityItem[T])
		return item.value, nil
	}
	if pq.closed {
		return zero, ErrPriorityQueueClosed
	}
	return zero, ErrPriorityQueueEmpty
}

// Close marks the queue closed. Queued values can still be popped; further
// pushes fail.
func (pq *PriorityQueue[T]) Close() {
	pq.mu.Lock()
	pq.closed = true
	pq.mu.Unlock()

	select {
	case pq.ready <- struct{}{}:
	default:
	}
}

func (pq *PriorityQueue[T]) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.items)
}

func (pq *PriorityQueue[T]) IsEmpty() bool {
	return pq.Len() == 0
}
