// Package bus is the in-process event fan-out feeding dashboard
// sessions. Delivery is lossy: a subscriber that stops draining loses
// events rather than stalling publishers.
package bus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/venantvr-pubsub/pubsub-relay/internal/monitoring"
	"github.com/venantvr-pubsub/pubsub-relay/internal/types"
)

// Bus fans events out to all current subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan types.Event
	nextID uint64
	cap    int
	logger zerolog.Logger
}

// Subscription is one subscriber's feed. Receive from C; Close when
// done.
type Subscription struct {
	C   <-chan types.Event
	id  uint64
	bus *Bus
}

func New(capacity int, logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]chan types.Event),
		cap:    capacity,
		logger: logger.With().Str("component", "bus").Logger(),
	}
}

// Subscribe registers a new feed with the bus's buffer capacity.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan types.Event, b.cap)
	b.subs[id] = ch
	return &Subscription{C: ch, id: id, bus: b}
}

// Close detaches the feed and closes its channel. Safe to call once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	ch, ok := s.bus.subs[s.id]
	if !ok {
		return
	}
	delete(s.bus.subs, s.id)
	close(ch)
}

// Publish delivers the event to every subscriber without blocking.
// Subscribers with full buffers are skipped.
func (b *Bus) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			monitoring.RecordFanoutDrop("bus")
			b.logger.Warn().Uint64("subscriber", id).Str("event", ev.Type).
				Msg("Subscriber buffer full, event dropped")
		}
	}
}

// Len is the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
