// Package outbox implements an unbounded FIFO decoupling producers, which
// never block, from a single consumer that drains batches of items.
package outbox

import "sync"

// Outbox is an unbounded FIFO. The zero value is not usable, use New.
type Outbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

// New returns an empty outbox.
func New[T any]() *Outbox[T] {
	return &Outbox[T]{notify: make(chan struct{}, 1)}
}

// Push appends item and wakes the consumer.
func (o *Outbox[T]) Push(item T) {
	o.mu.Lock()
	o.items = append(o.items, item)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Drain removes and returns the pending items, oldest first.
func (o *Outbox[T]) Drain() []T {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := o.items
	o.items = nil
	return items
}

// Len returns the number of pending items.
func (o *Outbox[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Notify returns a channel receiving a value after items were pushed.
// Notifications are coalesced, the consumer must drain everything on wake.
func (o *Outbox[T]) Notify() <-chan struct{} {
	return o.notify
}
