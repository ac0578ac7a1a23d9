// Package queue provides the unbounded FIFO that carries chords from the key
// hook to the delivery worker.
package queue

import (
	"context"
	"sync"

	"github.com/offlinefirst/keyboard-monitor/pkg/chord"
)

// Item is either a chord or the stop sentinel.
type Item struct {
	Chord chord.Chord
	stop  bool
}

// Of wraps a chord in an Item.
func Of(c chord.Chord) Item {
	return Item{Chord: c}
}

// Stop returns the sentinel that tells the consumer no more items follow.
func Stop() Item {
	return Item{stop: true}
}

// IsStop reports whether the item is the stop sentinel.
func (i Item) IsStop() bool {
	return i.stop
}

// Queue is an unbounded, goroutine-safe FIFO. Push never blocks.
type Queue struct {
	mu     sync.Mutex
	items  []Item
	head   int
	signal chan struct{}
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Push appends item to the tail.
func (q *Queue) Push(item Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.notify()
}

// PushFront inserts item at the head so it is popped before anything already
// queued. Used to retry an item without reordering it behind newer ones.
func (q *Queue) PushFront(item Item) {
	q.mu.Lock()
	if q.head > 0 {
		q.head--
		q.items[q.head] = item
	} else {
		q.items = append([]Item{item}, q.items...)
	}
	q.mu.Unlock()
	q.notify()
}

// Pop removes and returns the head item, blocking until one is available or
// ctx is done.
func (q *Queue) Pop(ctx context.Context) (Item, error) {
	for {
		if item, ok := q.tryPop(); ok {
			return item, nil
		}
		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Pending returns the chords still queued, in order, without removing them.
// Stop sentinels are skipped.
func (q *Queue) Pending() []chord.Chord {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []chord.Chord
	for _, item := range q.items[q.head:] {
		if !item.stop {
			out = append(out, item.Chord)
		}
	}
	return out
}

func (q *Queue) tryPop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.items) {
		return Item{}, false
	}
	item := q.items[q.head]
	q.items[q.head] = Item{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return item, true
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
