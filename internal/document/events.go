package document

import (
	"context"
	"sync"
	"time"
)

const broadcastBufferSize = 16

// UpdateEvent notifies subscribers that a document mutated locally.
type UpdateEvent struct {
	DocumentID string
	Field      string
	Timestamp  time.Time
}

// broadcaster fans events out to per-subscriber buffered channels. Subscribers
// only observe events published after they subscribe; slow subscribers drop
// events rather than block the publisher.
type subscription[T any] struct {
	stream chan T
	done   chan struct{}
}

type broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscription[T]
	nextID      int64
	closed      bool
}

func newBroadcaster[T any]() *broadcaster[T] {
	return &broadcaster[T]{subscribers: make(map[int64]*subscription[T])}
}

// Subscribe registers a listener whose channel closes when ctx ends, cancel
// is called, or the broadcaster shuts down. Each path also releases the
// ctx-watcher goroutine. The returned cancel func is idempotent.
func (b *broadcaster[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		closedChannel := make(chan T)
		close(closedChannel)
		return closedChannel, func() {}
	}
	b.nextID++
	subscriberID := b.nextID
	sub := &subscription[T]{
		stream: make(chan T, broadcastBufferSize),
		done:   make(chan struct{}),
	}
	b.subscribers[subscriberID] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subscribers[subscriberID]; ok {
			delete(b.subscribers, subscriberID)
			close(existing.stream)
			close(existing.done)
		}
		b.mu.Unlock()
	}
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-sub.done:
			}
		}()
	}
	return sub.stream, cancel
}

// Publish delivers the event to every current subscriber without blocking.
func (b *broadcaster[T]) Publish(event T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// Close shuts the broadcaster down; safe to call multiple times.
func (b *broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for subscriberID, sub := range b.subscribers {
		delete(b.subscribers, subscriberID)
		close(sub.stream)
		close(sub.done)
	}
}
