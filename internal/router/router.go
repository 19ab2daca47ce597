// Package router delivers serialized frames to topic rooms. A session
// joins a room per subscribed topic; the wildcard topic "*" maps to a
// shared room that receives every publish.
package router

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/venantvr-pubsub/pubsub-relay/internal/monitoring"
)

// Wildcard subscribes a session to all topics.
const Wildcard = "*"

// wildcardRoom is the internal room name backing Wildcard
// subscriptions, kept distinct so a literal "*" topic cannot collide.
const wildcardRoom = "__all__"

// Member receives frames for a room. Implementations must not block.
type Member interface {
	Deliver(frame []byte) bool
}

type room struct {
	mu      sync.RWMutex
	members map[uint64]Member
}

// Router maps topics to rooms and fans frames out to their members.
type Router struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	nextID uint64
	logger zerolog.Logger
}

// Membership is a handle for leaving a room.
type Membership struct {
	router *Router
	topic  string
	id     uint64
}

func New(logger zerolog.Logger) *Router {
	return &Router{
		rooms:  make(map[string]*room),
		logger: logger.With().Str("component", "router").Logger(),
	}
}

func roomName(topic string) string {
	if topic == Wildcard {
		return wildcardRoom
	}
	return topic
}

// Join adds the member to the topic's room, creating the room on first
// use. Joining Wildcard joins the all-topics room.
func (r *Router) Join(topic string, m Member) *Membership {
	name := roomName(topic)

	r.mu.Lock()
	rm, ok := r.rooms[name]
	if !ok {
		rm = &room{members: make(map[uint64]Member)}
		r.rooms[name] = rm
	}
	id := r.nextID
	r.nextID++
	r.mu.Unlock()

	rm.mu.Lock()
	rm.members[id] = m
	rm.mu.Unlock()

	return &Membership{router: r, topic: name, id: id}
}

// Leave removes the member from its room. Idempotent.
func (m *Membership) Leave() {
	m.router.mu.RLock()
	rm, ok := m.router.rooms[m.topic]
	m.router.mu.RUnlock()
	if !ok {
		return
	}
	rm.mu.Lock()
	delete(rm.members, m.id)
	rm.mu.Unlock()
}

// Publish delivers the frame to the topic's room and to the wildcard
// room concurrently. Members that refuse delivery are counted as drops.
func (r *Router) Publish(topic string, frame []byte) {
	name := roomName(topic)
	if name == wildcardRoom {
		r.deliver(wildcardRoom, frame)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.deliver(name, frame)
	}()
	go func() {
		defer wg.Done()
		r.deliver(wildcardRoom, frame)
	}()
	wg.Wait()
}

func (r *Router) deliver(name string, frame []byte) {
	r.mu.RLock()
	rm, ok := r.rooms[name]
	r.mu.RUnlock()
	if !ok {
		return
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	for _, m := range rm.members {
		if !m.Deliver(frame) {
			monitoring.RecordFanoutDrop("room")
			r.logger.Warn().Str("room", name).Msg("Member refused frame, dropped")
		}
	}
}

// RoomSize reports the member count for a topic, for tests and debug
// endpoints.
func (r *Router) RoomSize(topic string) int {
	r.mu.RLock()
	rm, ok := r.rooms[roomName(topic)]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}
