package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venantvr-pubsub/pubsub-relay/internal/broker"
	"github.com/venantvr-pubsub/pubsub-relay/internal/bus"
	"github.com/venantvr-pubsub/pubsub-relay/internal/cache"
	"github.com/venantvr-pubsub/pubsub-relay/internal/config"
	"github.com/venantvr-pubsub/pubsub-relay/internal/registry"
	"github.com/venantvr-pubsub/pubsub-relay/internal/router"
	"github.com/venantvr-pubsub/pubsub-relay/internal/store"
	"github.com/venantvr-pubsub/pubsub-relay/internal/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Addr:               "127.0.0.1:0",
		DatabaseFile:       ":memory:",
		ChannelCapacity:    100,
		BatchSize:          500,
		BatchFlushInterval: 5 * time.Millisecond,
		MaxMessages:        1000,
		MaxConsumptions:    1000,
		MaxAge:             24 * time.Hour,
		PurgeInterval:      time.Hour,
		CacheTTL:           2 * time.Second,
		IngressRate:        1000,
		IngressBurst:       1000,
		HTTPReadTimeout:    10 * time.Second,
		HTTPWriteTimeout:   10 * time.Second,
		HTTPIdleTimeout:    time.Minute,
		ShutdownGrace:      time.Second,
		MetricsInterval:    15 * time.Second,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, _ := newTestServerWithStore(t)
	return srv
}

func newTestServerWithStore(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	cfg := testConfig()

	st, err := store.Open(context.Background(), ":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := broker.New(broker.Options{
		Store:    st,
		Batcher:  store.NewBatcher(st, cfg.BatchSize, cfg.BatchFlushInterval, zerolog.Nop()),
		Registry: registry.New(),
		Bus:      bus.New(cfg.ChannelCapacity, zerolog.Nop()),
		Router:   router.New(zerolog.Nop()),
		Retention: store.RetentionPolicy{
			MaxMessages:     cfg.MaxMessages,
			MaxConsumptions: cfg.MaxConsumptions,
			MaxAge:          cfg.MaxAge,
		},
		SweepEvery: cfg.PurgeInterval,
		Logger:     zerolog.Nop(),
	})
	b.Start()
	t.Cleanup(b.Stop)

	return New(cfg, b, cache.New(cfg.CacheTTL), zerolog.Nop()), st
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPublishOK(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/publish",
		`{"topic":"orders","message_id":"m1","message":{"n":1},"producer":"producer-a"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestPublishValidation(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"malformed JSON", `{"topic":`},
		{"missing topic", `{"message_id":"m1","producer":"p"}`},
		{"missing message_id", `{"topic":"orders","producer":"p"}`},
		{"missing producer", `{"topic":"orders","message_id":"m1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/publish", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestMessagesAfterPublish(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/publish",
		`{"topic":"orders","message_id":"m1","message":{"n":1},"producer":"p"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		rec := doRequest(t, s, http.MethodGet, "/messages", "")
		var msgs []types.MessageInfo
		return rec.Code == http.StatusOK &&
			json.Unmarshal(rec.Body.Bytes(), &msgs) == nil && len(msgs) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestClientsEmpty(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/clients", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestConsumptionsEmpty(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/consumptions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestListingsDegradeToEmptyOnStoreFailure(t *testing.T) {
	s, st := newTestServerWithStore(t)

	// Break the store underneath the handlers.
	require.NoError(t, st.Close())

	for _, path := range []string{"/messages", "/consumptions"} {
		rec := doRequest(t, s, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()), path)
	}
}

func TestGraphStateEmpty(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/graph/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var state types.GraphState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.NotNil(t, state.Producers)
	assert.NotNil(t, state.Links)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var hs types.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hs))
	assert.Equal(t, "healthy", hs.Status)
	assert.NotZero(t, hs.Timestamp)
}

func TestDashboardToggle(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/dashboard/status", "")
	assert.JSONEq(t, `{"active":false}`, rec.Body.String())

	rec = doRequest(t, s, http.MethodPost, "/dashboard/login", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, s.dashboard.Load())

	rec = doRequest(t, s, http.MethodGet, "/dashboard/status", "")
	assert.JSONEq(t, `{"active":true}`, rec.Body.String())

	rec = doRequest(t, s, http.MethodPost, "/dashboard/logout", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, s.dashboard.Load())
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay_messages_published_total")
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodOptions, "/publish", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPublishMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/publish", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
