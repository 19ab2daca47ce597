package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/venantvr-pubsub/pubsub-relay/internal/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req types.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Topic == "" || req.MessageID == "" || req.Producer == "" {
		writeError(w, http.StatusBadRequest, "topic, message_id and producer are required")
		return
	}

	s.broker.PublishMessage(req)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Clients())
}

// Listing queries degrade to an empty list on failure; the dashboard
// keeps polling rather than surfacing store errors.

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.cache.Messages.Get(r.Context(), s.cache.TTL, s.dashboard.Load(), s.broker.Messages)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list messages")
		msgs = []types.MessageInfo{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleConsumptions(w http.ResponseWriter, r *http.Request) {
	cons, err := s.cache.Consumptions.Get(r.Context(), s.cache.TTL, s.dashboard.Load(), s.broker.Consumptions)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list consumptions")
		cons = []types.ConsumptionInfo{}
	}
	writeJSON(w, http.StatusOK, cons)
}

func (s *Server) handleGraphState(w http.ResponseWriter, r *http.Request) {
	// GraphState never errors; failed queries yield empty slots.
	state, _ := s.cache.Graph.Get(r.Context(), s.cache.TTL, s.dashboard.Load(),
		func(ctx context.Context) (types.GraphState, error) {
			return s.broker.GraphState(ctx), nil
		})
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.broker.Healthy(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, types.HealthStatus{
			Status:    "unhealthy",
			Timestamp: types.Now(),
		})
		return
	}
	writeJSON(w, http.StatusOK, types.HealthStatus{
		Status:    "healthy",
		Timestamp: types.Now(),
	})
}

// Dashboard presence gates both the event relay to subscriber sessions
// and the read cache. With no dashboard attached the relay skips both.

func (s *Server) handleDashboardLogin(w http.ResponseWriter, r *http.Request) {
	s.dashboard.Store(true)
	s.logger.Info().Msg("Dashboard connected")
	writeJSON(w, http.StatusOK, map[string]bool{"active": true})
}

func (s *Server) handleDashboardLogout(w http.ResponseWriter, r *http.Request) {
	s.dashboard.Store(false)
	s.logger.Info().Msg("Dashboard disconnected")
	writeJSON(w, http.StatusOK, map[string]bool{"active": false})
}

func (s *Server) handleDashboardStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"active": s.dashboard.Load()})
}
