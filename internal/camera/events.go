package camera

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// EventHandler consumes device state-change events.
type EventHandler interface {
	HandleCameraEvent(ctx context.Context, ev Event)
}

// EventCallback is the function form of EventHandler.
type EventCallback func(ctx context.Context, ev Event)

// Bus fans device events out to registered consumers. Publish never blocks
// the producer: each consumer drains its own buffered queue on its own
// goroutine, so a slow or panicking consumer cannot stall the monitor loop.
// Events are delivered to each consumer in publish order; no ordering is
// guaranteed across consumers.
type Bus struct {
	log zerolog.Logger

	mu        sync.Mutex
	consumers []*consumer
	closed    bool
	wg        sync.WaitGroup
}

type consumer struct {
	queue   chan Event
	handler EventCallback
}

const consumerQueueSize = 64

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{log: log.With().Str("component", "eventbus").Logger()}
}

// AddHandler registers an EventHandler consumer.
func (b *Bus) AddHandler(h EventHandler) {
	b.AddCallback(h.HandleCameraEvent)
}

// AddCallback registers a callback consumer.
func (b *Bus) AddCallback(cb EventCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	c := &consumer{queue: make(chan Event, consumerQueueSize), handler: cb}
	b.consumers = append(b.consumers, c)
	b.wg.Add(1)
	go b.drain(c)
}

func (b *Bus) drain(c *consumer) {
	defer b.wg.Done()
	for ev := range c.queue {
		b.deliver(c, ev)
	}
}

func (b *Bus) deliver(c *consumer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("device", ev.Path).Msg("event consumer panicked")
		}
	}()
	c.handler(context.Background(), ev)
}

// Publish delivers ev to every registered consumer. If a consumer's queue is
// full the event is dropped for that consumer rather than blocking the
// publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	consumers := b.consumers
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}

	for _, c := range consumers {
		select {
		case c.queue <- ev:
		default:
			b.log.Warn().Str("device", ev.Path).Str("kind", string(ev.Kind)).Msg("event consumer queue full, dropping event")
		}
	}
}

// Close stops delivery and waits for consumer goroutines to finish draining.
// Double-close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	consumers := b.consumers
	b.mu.Unlock()

	for _, c := range consumers {
		close(c.queue)
	}
	b.wg.Wait()
}
