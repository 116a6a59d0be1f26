package fsm

import "sync"

// Notifier fans a value out to subscribers and wakes waiters.
// Subscriber callbacks run on the publisher's goroutine and must not block.
type Notifier[T any] struct {
	mu      sync.Mutex
	subs    map[int]func(T)
	next    int
	changed chan struct{}
}

// Subscribe registers fn and returns a function removing it.
func (n *Notifier[T]) Subscribe(fn func(T)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(T))
	}
	id := n.next
	n.next++
	n.subs[id] = fn

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Changed returns a channel closed at the next Publish. Take it before
// reading the state it guards to avoid missing a wake-up.
func (n *Notifier[T]) Changed() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.changed == nil {
		n.changed = make(chan struct{})
	}
	return n.changed
}

// Publish delivers v to every subscriber and wakes all waiters.
func (n *Notifier[T]) Publish(v T) {
	n.mu.Lock()
	subs := make([]func(T), 0, len(n.subs))
	for i := 0; i < n.next; i++ {
		if fn, ok := n.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	if n.changed != nil {
		close(n.changed)
		n.changed = nil
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
}
