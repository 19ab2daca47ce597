package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/venantvr-pubsub/pubsub-relay/internal/bus"
	"github.com/venantvr-pubsub/pubsub-relay/internal/monitoring"
	"github.com/venantvr-pubsub/pubsub-relay/internal/queue"
	"github.com/venantvr-pubsub/pubsub-relay/internal/router"
	"github.com/venantvr-pubsub/pubsub-relay/internal/types"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size.
	maxFrameSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// frame is the envelope of the subscriber protocol, both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// session is one WebSocket subscriber. All writes to the connection go
// through the egress queue and writePump; the connection has a single
// writer.
type session struct {
	sid    string
	conn   *websocket.Conn
	server *Server
	logger zerolog.Logger

	egress    *queue.Queue[[]byte]
	egressCap int

	busSub  *bus.Subscription
	limiter *rate.Limiter

	mu          sync.Mutex
	consumer    string
	memberships map[string]*router.Membership

	closeOnce sync.Once
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sid := uuid.NewString()
	sess := &session{
		sid:         sid,
		conn:        conn,
		server:      s,
		logger:      s.logger.With().Str("sid", sid).Logger(),
		egress:      queue.New[[]byte](),
		egressCap:   s.cfg.ChannelCapacity,
		busSub:      s.broker.Bus().Subscribe(),
		limiter:     rate.NewLimiter(rate.Limit(s.cfg.IngressRate), s.cfg.IngressBurst),
		memberships: make(map[string]*router.Membership),
	}

	monitoring.IncSessions()
	sess.logger.Info().Str("remote", r.RemoteAddr).Msg("Session opened")

	go sess.writePump()
	go sess.busRelay()
	sess.readLoop()
	sess.teardown()
}

// Deliver implements router.Member. It refuses frames once the egress
// backlog reaches the configured capacity so one slow reader cannot
// grow memory without bound.
func (s *session) Deliver(payload []byte) bool {
	if s.egress.Len() >= s.egressCap {
		return false
	}
	return s.egress.Push(payload)
}

// send queues a frame for the peer, dropping on backlog like any other
// room delivery.
func (s *session) send(event string, data any) {
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("Failed to encode frame")
		return
	}
	if !s.Deliver(raw) {
		monitoring.RecordFanoutDrop("room")
		s.logger.Warn().Str("event", event).Msg("Egress backlog full, frame dropped")
	}
}

// busRelay forwards observability events while a dashboard is attached.
// It exits when the bus subscription is closed during teardown.
func (s *session) busRelay() {
	for ev := range s.busSub.C {
		if !s.server.dashboard.Load() {
			continue
		}
		s.send(ev.Type, ev.Data)
	}
}

// writePump is the connection's single writer. On a write failure it
// tears the session down but keeps draining the egress queue so the
// queue's pump goroutine can finish.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	broken := false
	for {
		select {
		case payload, ok := <-s.egress.Out():
			if !ok {
				if !broken {
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					s.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}
			if broken {
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug().Err(err).Msg("Write failed, closing session")
				broken = true
				s.teardown()
			}
		case <-ticker.C:
			if broken {
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug().Err(err).Msg("Ping failed, closing session")
				broken = true
				s.teardown()
			}
		}
	}
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("Unexpected close")
			}
			return
		}

		if !s.limiter.Allow() {
			monitoring.IncIngressFramesDropped()
			s.logger.Warn().Msg("Ingress rate exceeded, frame dropped")
			continue
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.logger.Warn().Err(err).Msg("Malformed frame, ignored")
			continue
		}

		switch f.Event {
		case "subscribe":
			s.handleSubscribe(f.Data)
		case "consumed":
			s.handleConsumed(f.Data)
		default:
			s.logger.Warn().Str("event", f.Event).Msg("Unknown frame event, ignored")
		}
	}
}

func (s *session) handleSubscribe(data json.RawMessage) {
	var msg types.SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed subscribe frame, ignored")
		return
	}

	accepted := []string{}
	for _, topic := range msg.Topics {
		if err := s.server.broker.RegisterSubscription(s.sid, msg.Consumer, topic); err != nil {
			continue
		}
		s.join(topic)
		accepted = append(accepted, topic)
	}

	s.mu.Lock()
	s.consumer = msg.Consumer
	s.mu.Unlock()

	s.send("subscribed", map[string]any{"consumer": msg.Consumer, "topics": accepted})
}

// join adds the session to the topic's room. Subscribing to the
// wildcard replaces all topic rooms: the wildcard room already receives
// every publish, so keeping the others would double-deliver.
func (s *session) join(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.memberships[topic]; ok {
		return
	}

	if topic == router.Wildcard {
		for t, m := range s.memberships {
			m.Leave()
			delete(s.memberships, t)
		}
	} else if _, ok := s.memberships[router.Wildcard]; ok {
		return
	}

	s.memberships[topic] = s.server.broker.Router().Join(topic, s)
}

func (s *session) handleConsumed(data json.RawMessage) {
	var msg types.ConsumedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed consumed frame, ignored")
		return
	}
	if msg.Consumer == "" || msg.Topic == "" || msg.MessageID == "" {
		s.logger.Warn().Msg("Consumed frame missing fields, ignored")
		return
	}
	s.server.broker.SaveConsumption(msg)
}

// teardown unwinds the session exactly once: durable and in-memory
// deregistration, bus detach, room exits, egress close.
func (s *session) teardown() {
	s.closeOnce.Do(func() {
		s.server.broker.UnregisterClient(s.sid)
		s.busSub.Close()

		s.mu.Lock()
		for t, m := range s.memberships {
			m.Leave()
			delete(s.memberships, t)
		}
		s.mu.Unlock()

		s.egress.Close()
		monitoring.DecActiveSessions()
		s.logger.Info().Msg("Session closed")
	})
}
