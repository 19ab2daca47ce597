// Package cache is a handful of TTL slots shielding the store from
// dashboard polling. Reads race deliberately: concurrent misses each
// fetch, last write wins. The fetch is cheap enough that collapsing
// duplicate loads is not worth a flight group.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/venantvr-pubsub/pubsub-relay/internal/types"
)

// Slot holds one cached value with its fill time.
type Slot[T any] struct {
	mu       sync.RWMutex
	value    T
	filledAt time.Time
}

// Get returns the cached value when it is younger than ttl, otherwise
// calls fetch and caches the result. When enabled is false the slot is
// bypassed entirely and fetch errors pass straight through. The lock is
// never held across fetch.
func (s *Slot[T]) Get(ctx context.Context, ttl time.Duration, enabled bool, fetch func(ctx context.Context) (T, error)) (T, error) {
	if !enabled {
		return fetch(ctx)
	}

	s.mu.RLock()
	if !s.filledAt.IsZero() && time.Since(s.filledAt) < ttl {
		v := s.value
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	v, err := fetch(ctx)
	if err != nil {
		return v, err
	}

	s.mu.Lock()
	s.value = v
	s.filledAt = time.Now()
	s.mu.Unlock()
	return v, nil
}

// Invalidate empties the slot.
func (s *Slot[T]) Invalidate() {
	s.mu.Lock()
	s.filledAt = time.Time{}
	s.mu.Unlock()
}

// Cache groups the dashboard's read slots under one TTL.
type Cache struct {
	TTL time.Duration

	Messages     Slot[[]types.MessageInfo]
	Consumptions Slot[[]types.ConsumptionInfo]
	Graph        Slot[types.GraphState]
}

func New(ttl time.Duration) *Cache {
	return &Cache{TTL: ttl}
}
