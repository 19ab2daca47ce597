// Package server is the HTTP surface: the publish API, the dashboard
// read endpoints, the Prometheus scrape and the WebSocket subscriber
// transport.
package server

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/venantvr-pubsub/pubsub-relay/internal/broker"
	"github.com/venantvr-pubsub/pubsub-relay/internal/cache"
	"github.com/venantvr-pubsub/pubsub-relay/internal/config"
	"github.com/venantvr-pubsub/pubsub-relay/internal/monitoring"
)

// Server wires the broker to HTTP.
type Server struct {
	cfg    *config.Config
	broker *broker.Broker
	cache  *cache.Cache
	logger zerolog.Logger

	// dashboard gates event relaying and the read cache. Toggled by
	// the dashboard login/logout endpoints.
	dashboard atomic.Bool

	httpServer *http.Server
}

func New(cfg *config.Config, b *broker.Broker, c *cache.Cache, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		broker: b,
		cache:  c,
		logger: logger.With().Str("component", "server").Logger(),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	return s
}

// Handler exposes the routed mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /publish", s.handlePublish)
	mux.HandleFunc("GET /clients", s.handleClients)
	mux.HandleFunc("GET /messages", s.handleMessages)
	mux.HandleFunc("GET /consumptions", s.handleConsumptions)
	mux.HandleFunc("GET /graph/state", s.handleGraphState)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /dashboard/login", s.handleDashboardLogin)
	mux.HandleFunc("POST /dashboard/logout", s.handleDashboardLogout)
	mux.HandleFunc("GET /dashboard/status", s.handleDashboardStatus)

	mux.Handle("GET /metrics", monitoring.Handler())
	mux.HandleFunc("GET /ws", s.handleWS)

	return s.corsMiddleware(mux)
}

// corsMiddleware allows browser dashboards served from another origin
// to call the read endpoints.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
