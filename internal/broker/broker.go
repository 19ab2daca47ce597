// Package broker ties the relay's parts together: it stamps and
// persists traffic through the write batcher, fans frames out to topic
// rooms, mirrors liveness into the registry and emits observability
// events on the bus.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/venantvr-pubsub/pubsub-relay/internal/bus"
	"github.com/venantvr-pubsub/pubsub-relay/internal/monitoring"
	"github.com/venantvr-pubsub/pubsub-relay/internal/registry"
	"github.com/venantvr-pubsub/pubsub-relay/internal/router"
	"github.com/venantvr-pubsub/pubsub-relay/internal/store"
	"github.com/venantvr-pubsub/pubsub-relay/internal/types"
)

// readLimit caps dashboard listing queries.
const readLimit = 100

// Broker is the relay core. One instance serves the whole process.
type Broker struct {
	store    *store.Store
	batcher  *store.Batcher
	registry *registry.Registry
	bus      *bus.Bus
	router   *router.Router
	logger   zerolog.Logger

	retention  store.RetentionPolicy
	sweepEvery time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options carries the broker's collaborators and tuning.
type Options struct {
	Store      *store.Store
	Batcher    *store.Batcher
	Registry   *registry.Registry
	Bus        *bus.Bus
	Router     *router.Router
	Retention  store.RetentionPolicy
	SweepEvery time.Duration
	Logger     zerolog.Logger
}

func New(opts Options) *Broker {
	return &Broker{
		store:      opts.Store,
		batcher:    opts.Batcher,
		registry:   opts.Registry,
		bus:        opts.Bus,
		router:     opts.Router,
		retention:  opts.Retention,
		sweepEvery: opts.SweepEvery,
		logger:     opts.Logger.With().Str("component", "broker").Logger(),
	}
}

// Start launches the batcher and the retention sweeper.
func (b *Broker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.batcher.Start()

	b.wg.Add(1)
	go b.retentionLoop(ctx)

	b.logger.Info().
		Int64("max_messages", b.retention.MaxMessages).
		Int64("max_consumptions", b.retention.MaxConsumptions).
		Dur("max_age", b.retention.MaxAge).
		Dur("sweep_every", b.sweepEvery).
		Msg("Broker started")
}

// Stop halts the sweeper and drains the batcher.
func (b *Broker) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.batcher.Stop()
	b.logger.Info().Msg("Broker stopped")
}

// Router exposes the room fan-out for the subscriber transport.
func (b *Broker) Router() *router.Router {
	return b.router
}

// Bus exposes the event bus for dashboard relays.
func (b *Broker) Bus() *bus.Bus {
	return b.bus
}

func (b *Broker) retentionLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
			deleted, err := b.store.Purge(sweepCtx, time.Now(), b.retention)
			cancel()
			if err != nil {
				b.logger.Error().Err(err).Msg("Retention sweep failed")
				continue
			}
			monitoring.AddPurgeDeleted(deleted)
			if deleted > 0 {
				b.logger.Info().Int64("deleted", deleted).Msg("Retention sweep complete")
			}
		}
	}
}

// RegisterSubscription records a session's subscription to one topic:
// durable row via the batcher, registry entry, new_client event.
func (b *Broker) RegisterSubscription(sid, consumer, topic string) error {
	if sid == "" || consumer == "" || topic == "" {
		b.logger.Warn().Str("sid", sid).Str("consumer", consumer).Str("topic", topic).
			Msg("Rejected subscription with empty sid, consumer or topic")
		return fmt.Errorf("sid, consumer and topic must be non-empty")
	}

	connectedAt := types.Now()
	b.batcher.Enqueue(store.RegisterSubscription{
		SID:         sid,
		Consumer:    consumer,
		Topic:       topic,
		ConnectedAt: connectedAt,
	})
	b.registry.Add(sid, consumer, topic, connectedAt)

	b.bus.Publish(types.Event{
		Type: types.EventNewClient,
		Data: types.ClientInfo{Consumer: consumer, Topic: topic, ConnectedAt: connectedAt},
	})

	b.logger.Info().Str("sid", sid).Str("consumer", consumer).Str("topic", topic).
		Msg("Subscription registered")
	return nil
}

// UnregisterClient removes every trace of the session: durable rows via
// the batcher, registry entry, one client_disconnected event per topic
// the session held.
func (b *Broker) UnregisterClient(sid string) {
	entry, ok := b.registry.Remove(sid)
	b.batcher.Enqueue(store.UnregisterClient{SID: sid})
	if !ok {
		return
	}

	for _, topic := range entry.Topics {
		b.bus.Publish(types.Event{
			Type: types.EventClientDisconnected,
			Data: map[string]string{"consumer": entry.Consumer, "topic": topic},
		})
	}

	b.logger.Info().Str("sid", sid).Str("consumer", entry.Consumer).
		Int("topics", len(entry.Topics)).Msg("Client unregistered")
}

// PublishMessage stamps the message, persists it through the batcher,
// fans it out to the topic's room and the wildcard room and emits a
// new_message event. The caller has already validated the request.
func (b *Broker) PublishMessage(req types.PublishRequest) float64 {
	ts := types.Now()

	body := string(req.Message)
	if body == "" {
		body = "null"
	}

	b.batcher.Enqueue(store.SaveMessage{
		Topic:     req.Topic,
		MessageID: req.MessageID,
		Body:      body,
		Producer:  req.Producer,
		Timestamp: ts,
	})

	frame, err := json.Marshal(map[string]any{
		"event": "message",
		"data": types.MessageInfo{
			Topic:     req.Topic,
			MessageID: req.MessageID,
			Message:   json.RawMessage(body),
			Producer:  req.Producer,
			Timestamp: ts,
		},
	})
	if err == nil {
		b.router.Publish(req.Topic, frame)
	} else {
		b.logger.Error().Err(err).Str("topic", req.Topic).Msg("Failed to encode message frame")
	}

	b.bus.Publish(types.Event{
		Type: types.EventNewMessage,
		Data: types.MessageInfo{
			Topic:     req.Topic,
			MessageID: req.MessageID,
			Message:   json.RawMessage(body),
			Producer:  req.Producer,
			Timestamp: ts,
		},
	})

	monitoring.IncMessagesPublished()
	b.logger.Debug().Str("topic", req.Topic).Str("message_id", req.MessageID).
		Str("producer", req.Producer).Msg("Message published")
	return ts
}

// SaveConsumption records a delivery acknowledgement from a subscriber.
func (b *Broker) SaveConsumption(msg types.ConsumedMessage) {
	ts := types.Now()

	body := string(msg.Message)
	if body == "" {
		body = "null"
	}

	b.batcher.Enqueue(store.SaveConsumption{
		Consumer:  msg.Consumer,
		Topic:     msg.Topic,
		MessageID: msg.MessageID,
		Body:      body,
		Timestamp: ts,
	})

	b.bus.Publish(types.Event{
		Type: types.EventNewConsumption,
		Data: types.ConsumptionInfo{
			Consumer:  msg.Consumer,
			Topic:     msg.Topic,
			MessageID: msg.MessageID,
			Message:   json.RawMessage(body),
			Timestamp: ts,
		},
	})

	monitoring.IncConsumptionsRecorded()
}

// decodeBody interprets a stored body as JSON. Rows whose body no
// longer parses are wrapped rather than dropped so the dashboard shows
// the corruption.
func decodeBody(body string) json.RawMessage {
	if json.Valid([]byte(body)) {
		return json.RawMessage(body)
	}
	wrapped, err := json.Marshal(map[string]string{"error": "Invalid JSON", "raw": body})
	if err != nil {
		return json.RawMessage(`{"error":"Invalid JSON"}`)
	}
	return wrapped
}

// Messages lists the most recent stored messages, newest first.
func (b *Broker) Messages(ctx context.Context) ([]types.MessageInfo, error) {
	rows, err := b.store.RecentMessages(ctx, readLimit)
	if err != nil {
		return nil, err
	}
	out := make([]types.MessageInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.MessageInfo{
			Topic:     r.Topic,
			MessageID: r.MessageID,
			Message:   decodeBody(r.Body),
			Producer:  r.Producer,
			Timestamp: r.Timestamp,
		})
	}
	return out, nil
}

// Consumptions lists the most recent stored consumptions, newest first.
func (b *Broker) Consumptions(ctx context.Context) ([]types.ConsumptionInfo, error) {
	rows, err := b.store.RecentConsumptions(ctx, readLimit)
	if err != nil {
		return nil, err
	}
	out := make([]types.ConsumptionInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.ConsumptionInfo{
			Consumer:  r.Consumer,
			Topic:     r.Topic,
			MessageID: r.MessageID,
			Message:   decodeBody(r.Body),
			Timestamp: r.Timestamp,
		})
	}
	return out, nil
}

// GraphState assembles the producer/topic/consumer projection. The five
// queries run concurrently; a failed query contributes an empty slot so
// the dashboard degrades instead of erroring.
func (b *Broker) GraphState(ctx context.Context) types.GraphState {
	state := types.GraphState{
		Producers: []string{},
		Consumers: []string{},
		Topics:    []string{},
		Links:     []types.Link{},
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		subLinks [][2]string
		pubLinks [][2]string
	)

	run := func(f func() error, what string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(); err != nil {
				b.logger.Warn().Err(err).Str("query", what).Msg("Graph query failed")
			}
		}()
	}

	run(func() error {
		v, err := b.store.DistinctProducers(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		state.Producers = v
		mu.Unlock()
		return nil
	}, "producers")

	run(func() error {
		v, err := b.store.DistinctConsumers(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		state.Consumers = v
		mu.Unlock()
		return nil
	}, "consumers")

	run(func() error {
		v, err := b.store.DistinctTopics(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		state.Topics = v
		mu.Unlock()
		return nil
	}, "topics")

	run(func() error {
		v, err := b.store.SubscriptionLinks(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		subLinks = v
		mu.Unlock()
		return nil
	}, "subscription_links")

	run(func() error {
		v, err := b.store.PublishLinks(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		pubLinks = v
		mu.Unlock()
		return nil
	}, "publish_links")

	wg.Wait()

	for _, p := range pubLinks {
		state.Links = append(state.Links, types.Link{Source: p[0], Target: p[1], Type: "publish"})
	}
	for _, s := range subLinks {
		state.Links = append(state.Links, types.Link{Source: s[0], Target: s[1], Type: "consume"})
	}
	return state
}

// Clients lists live (consumer, topic) pairs from the registry.
func (b *Broker) Clients() []types.ClientInfo {
	return b.registry.Clients()
}

// ClientBySID returns the registry entry for one session.
func (b *Broker) ClientBySID(sid string) (registry.Entry, bool) {
	return b.registry.Get(sid)
}

// Healthy probes the store.
func (b *Broker) Healthy(ctx context.Context) error {
	return b.store.Ping(ctx)
}
