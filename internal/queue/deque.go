// Package queue provides the double-ended queue backing the engine's transaction scheduler.
package queue

// Deque is a growable ring buffer supporting O(1) push and pop at both ends.
//
// Deque is not goroutine-safe; the scheduler guards it with its own mutex.
type Deque[T any] struct {
	items []T
	head  int
	size  int
}

// NewDeque creates a Deque with room for prealloc items before it grows.
func NewDeque[T any](prealloc int) *Deque[T] {
	if prealloc < 1 {
		prealloc = 1
	}

	return &Deque[T]{items: make([]T, prealloc)}
}

// PushBack adds an item to the tail of the queue.
func (q *Deque[T]) PushBack(item T) {
	q.grow()
	q.items[(q.head+q.size)%len(q.items)] = item
	q.size++
}

// PushFront adds an item to the head of the queue.
func (q *Deque[T]) PushFront(item T) {
	q.grow()
	q.head = (q.head - 1 + len(q.items)) % len(q.items)
	q.items[q.head] = item
	q.size++
}

// PopFront removes and returns the item at the head of the queue.
// The second result is false when the queue is empty.
func (q *Deque[T]) PopFront() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}

	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--

	return item, true
}

// Front returns the item at the head of the queue without removing it.
func (q *Deque[T]) Front() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}

	return q.items[q.head], true
}

// RemoveFunc removes the first item for which match returns true, preserving the order of
// the remaining items. It reports whether an item was removed.
func (q *Deque[T]) RemoveFunc(match func(T) bool) bool {
	for i := 0; i < q.size; i++ {
		if !match(q.items[(q.head+i)%len(q.items)]) {
			continue
		}

		for j := i; j < q.size-1; j++ {
			q.items[(q.head+j)%len(q.items)] = q.items[(q.head+j+1)%len(q.items)]
		}

		var zero T
		q.items[(q.head+q.size-1)%len(q.items)] = zero
		q.size--

		return true
	}

	return false
}

// Reset empties the queue, keeping its capacity.
func (q *Deque[T]) Reset() {
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.head = 0
	q.size = 0
}

// IsEmpty returns true if the queue is empty.
func (q *Deque[T]) IsEmpty() bool {
	return q.size == 0
}

// Length returns the number of items in the queue.
func (q *Deque[T]) Length() int {
	return q.size
}

func (q *Deque[T]) grow() {
	if q.size < len(q.items) {
		return
	}

	items := make([]T, len(q.items)*2)
	for i := 0; i < q.size; i++ {
		items[i] = q.items[(q.head+i)%len(q.items)]
	}
	q.items = items
	q.head = 0
}
