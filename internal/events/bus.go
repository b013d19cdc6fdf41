// Package events fans identity lifecycle events out to in-process
// subscribers (the /ws/events stream) and optional external sinks such as
// an AMQP exchange. Delivery is best effort: a slow subscriber drops
// events rather than stalling an activation.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nodetrust.mini/ntm/internal/types"
)

const (
	TypeCreated   = "identity.created"
	TypeActivated = "identity.activated"

	subscriberBuffer = 16
)

// Event describes a change to an identity. Secrets and keys are never
// carried.
type Event struct {
	Type       string       `json:"type"`
	Flavor     types.Flavor `json:"flavor"`
	ID         string       `json:"id"`
	ExternalID string       `json:"external_id,omitempty"`
	Name       string       `json:"name"`
	At         time.Time    `json:"at"`
}

// Sink receives every published event.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Bus is an in-process publish/subscribe hub.
type Bus struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	sinks  []Sink
	logger *slog.Logger
}

// NewBus creates a bus forwarding to the given sinks.
func NewBus(logger *slog.Logger, sinks ...Sink) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		sinks:  sinks,
		logger: logger,
	}
}

// Subscribe returns a channel of future events and a function that
// releases it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking and then to
// each sink. Sink failures are logged, never returned.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if b == nil {
		return
	}

	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()

	for _, sink := range b.sinks {
		if err := sink.Publish(ctx, ev); err != nil {
			b.logger.Warn("event sink publish failed", "type", ev.Type, "id", ev.ID, "error", err)
		}
	}
}
