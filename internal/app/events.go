package app

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jaakkos/mcpfleet/internal/domain"
)

const defaultEventBuffer = 128

// EventBus fans lifecycle events out to subscribers. Publish never blocks: a subscriber whose
// buffer is full misses the event.
type EventBus struct {
	mu         sync.RWMutex
	subs       map[chan domain.Event]struct{}
	done       chan struct{}
	bufferSize int
	dropped    atomic.Int64
}

// NewEventBus creates a bus whose subscriptions buffer size events (defaultEventBuffer when size <= 0).
func NewEventBus(size int) *EventBus {
	if size <= 0 {
		size = defaultEventBuffer
	}
	return &EventBus{
		subs:       make(map[chan domain.Event]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe returns a channel of events that is closed when ctx ends or the bus closes.
func (b *EventBus) Subscribe(ctx context.Context) <-chan domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan domain.Event)
		close(ch)
		return ch
	default:
	}

	sub := make(chan domain.Event, b.bufferSize)
	b.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub)
		}
	}()

	return sub
}

// Publish delivers ev to every subscriber that has room.
func (b *EventBus) Publish(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close closes every subscription. Later publishes are discarded.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}
	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = make(map[chan domain.Event]struct{})
}

// SubscriberCount returns the number of active subscriptions.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}
