// Package registry tracks live sessions and their topic subscriptions
// in memory. The store keeps the durable copy; this one answers the
// dashboard's "who is connected right now" question without a query.
package registry

import (
	"slices"
	"sync"

	"github.com/venantvr-pubsub/pubsub-relay/internal/types"
)

// Entry is one live session.
type Entry struct {
	Consumer    string
	Topics      []string
	ConnectedAt float64
}

// Registry is a concurrency-safe map of session ID to entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Add records a subscription for the session, creating the entry on
// first sight. Re-subscribing to a topic already held is a no-op.
func (r *Registry) Add(sid, consumer, topic string, connectedAt float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sid]
	if !ok {
		e = &Entry{Consumer: consumer, ConnectedAt: connectedAt}
		r.entries[sid] = e
	}
	e.Consumer = consumer
	if !slices.Contains(e.Topics, topic) {
		e.Topics = append(e.Topics, topic)
	}
}

// Remove deletes the session and returns a copy of what it held, or
// false if the session was unknown.
func (r *Registry) Remove(sid string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sid]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, sid)
	return Entry{
		Consumer:    e.Consumer,
		Topics:      slices.Clone(e.Topics),
		ConnectedAt: e.ConnectedAt,
	}, true
}

// Get returns a copy of the session's entry.
func (r *Registry) Get(sid string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[sid]
	if !ok {
		return Entry{}, false
	}
	return Entry{
		Consumer:    e.Consumer,
		Topics:      slices.Clone(e.Topics),
		ConnectedAt: e.ConnectedAt,
	}, true
}

// Clients flattens the registry to one row per (consumer, topic) pair
// for the dashboard.
func (r *Registry) Clients() []types.ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []types.ClientInfo{}
	for _, e := range r.entries {
		for _, topic := range e.Topics {
			out = append(out, types.ClientInfo{
				Consumer:    e.Consumer,
				Topic:       topic,
				ConnectedAt: e.ConnectedAt,
			})
		}
	}
	return out
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
