// Package types holds the wire and data models shared by the relay's
// HTTP surface, the subscriber transport and the persistence layer.
package types

import (
	"encoding/json"
	"time"
)

// Event names broadcast on the observability bus.
const (
	EventNewClient          = "new_client"
	EventClientDisconnected = "client_disconnected"
	EventNewMessage         = "new_message"
	EventNewConsumption     = "new_consumption"
)

// PublishRequest is the body of POST /publish. Message is arbitrary JSON.
type PublishRequest struct {
	Topic     string          `json:"topic"`
	MessageID string          `json:"message_id"`
	Message   json.RawMessage `json:"message"`
	Producer  string          `json:"producer"`
}

// ClientInfo is one (session, topic) row of GET /clients.
type ClientInfo struct {
	Consumer    string  `json:"consumer"`
	Topic       string  `json:"topic"`
	ConnectedAt float64 `json:"connected_at"`
}

// MessageInfo is one row of GET /messages.
type MessageInfo struct {
	Topic     string          `json:"topic"`
	MessageID string          `json:"message_id"`
	Message   json.RawMessage `json:"message"`
	Producer  string          `json:"producer"`
	Timestamp float64         `json:"timestamp"`
}

// ConsumptionInfo is one row of GET /consumptions.
type ConsumptionInfo struct {
	Consumer  string          `json:"consumer"`
	Topic     string          `json:"topic"`
	MessageID string          `json:"message_id"`
	Message   json.RawMessage `json:"message"`
	Timestamp float64         `json:"timestamp"`
}

// GraphState is the producer/topic/consumer projection of GET /graph/state.
type GraphState struct {
	Producers []string `json:"producers"`
	Consumers []string `json:"consumers"`
	Topics    []string `json:"topics"`
	Links     []Link   `json:"links"`
}

// Link is a directed edge of the graph projection. Type is either
// "publish" (producer -> topic) or "consume" (topic -> consumer).
type Link struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status    string  `json:"status"`
	Timestamp float64 `json:"timestamp"`
}

// SubscribeMessage is the "subscribe" frame of the subscriber transport.
type SubscribeMessage struct {
	Consumer string   `json:"consumer"`
	Topics   []string `json:"topics"`
}

// ConsumedMessage is the "consumed" frame of the subscriber transport.
type ConsumedMessage struct {
	Consumer  string          `json:"consumer"`
	Topic     string          `json:"topic"`
	MessageID string          `json:"message_id"`
	Message   json.RawMessage `json:"message"`
}

// Event is a transient observability event. It is broadcast on the event
// bus and relayed to dashboard listeners; it is never persisted.
type Event struct {
	Type string `json:"event_type"`
	Data any    `json:"data"`
}

// EpochSeconds converts a time to seconds since the Unix epoch as a
// 64-bit float, the timestamp representation used across the store
// and the wire.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Now is EpochSeconds(time.Now()).
func Now() float64 {
	return EpochSeconds(time.Now())
}
