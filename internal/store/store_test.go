package store

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venantvr-pubsub/pubsub-relay/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertMessage(t *testing.T, s *Store, topic, id, body, producer string, ts float64) {
	t.Helper()
	_, err := s.db.Exec(
		"INSERT INTO messages (topic, message_id, message, producer, timestamp) VALUES (?, ?, ?, ?, ?)",
		topic, id, body, producer, ts)
	require.NoError(t, err)
}

func insertConsumption(t *testing.T, s *Store, consumer, topic, id, body string, ts float64) {
	t.Helper()
	_, err := s.db.Exec(
		"INSERT INTO consumptions (consumer, topic, message_id, message, timestamp) VALUES (?, ?, ?, ?, ?)",
		consumer, topic, id, body, ts)
	require.NoError(t, err)
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := openTestStore(t)

	for _, table := range []string{"messages", "consumptions", "subscriptions", "schema_migrations"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, len(migrations), count)
}

func TestMigrateIdempotent(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.migrate(context.Background()))

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, len(migrations), count)
}

func TestRecentMessagesNewestFirst(t *testing.T) {
	s := openTestStore(t)

	insertMessage(t, s, "orders", "m1", `{"n":1}`, "producer-a", 100)
	insertMessage(t, s, "orders", "m2", `{"n":2}`, "producer-a", 300)
	insertMessage(t, s, "payments", "m3", `{"n":3}`, "producer-b", 200)

	rows, err := s.RecentMessages(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "m2", rows[0].MessageID)
	assert.Equal(t, "m3", rows[1].MessageID)
}

func TestRecentConsumptionsNewestFirst(t *testing.T) {
	s := openTestStore(t)

	insertConsumption(t, s, "worker", "orders", "m1", `{}`, 100)
	insertConsumption(t, s, "worker", "orders", "m2", `{}`, 200)

	rows, err := s.RecentConsumptions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "m2", rows[0].MessageID)
	assert.Equal(t, "worker", rows[0].Consumer)
}

func TestGraphQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertMessage(t, s, "orders", "m1", `{}`, "producer-a", 100)
	insertMessage(t, s, "orders", "m2", `{}`, "producer-a", 101)
	insertMessage(t, s, "payments", "m3", `{}`, "producer-b", 102)
	insertConsumption(t, s, "worker-1", "orders", "m1", `{}`, 103)
	_, err := s.db.Exec(
		"INSERT INTO subscriptions (sid, consumer, topic, connected_at) VALUES (?, ?, ?, ?)",
		"sid-1", "worker-2", "payments", 104.0)
	require.NoError(t, err)

	producers, err := s.DistinctProducers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"producer-a", "producer-b"}, producers)

	consumers, err := s.DistinctConsumers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"worker-1", "worker-2"}, consumers)

	topics, err := s.DistinctTopics(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"orders", "payments"}, topics)

	subLinks, err := s.SubscriptionLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"payments", "worker-2"}}, subLinks)

	pubLinks, err := s.PublishLinks(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, [][2]string{
		{"producer-a", "orders"},
		{"producer-b", "payments"},
	}, pubLinks)
}

func TestPurgeByCount(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	for i := 0; i < 10; i++ {
		insertMessage(t, s, "orders", "m", `{}`, "p", types.EpochSeconds(now)+float64(i))
	}

	deleted, err := s.Purge(context.Background(), now, RetentionPolicy{
		MaxMessages:     4,
		MaxConsumptions: 4,
		MaxAge:          24 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), deleted)

	rows, err := s.RecentMessages(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestPurgeByAge(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	insertMessage(t, s, "orders", "old", `{}`, "p", types.EpochSeconds(now.Add(-48*time.Hour)))
	insertMessage(t, s, "orders", "new", `{}`, "p", types.EpochSeconds(now))
	insertConsumption(t, s, "w", "orders", "old", `{}`, types.EpochSeconds(now.Add(-48*time.Hour)))

	deleted, err := s.Purge(context.Background(), now, RetentionPolicy{
		MaxMessages:     100,
		MaxConsumptions: 100,
		MaxAge:          24 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	rows, err := s.RecentMessages(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0].MessageID)
}

func TestPurgeEmptyTables(t *testing.T) {
	s := openTestStore(t)

	deleted, err := s.Purge(context.Background(), time.Now(), RetentionPolicy{
		MaxMessages:     10,
		MaxConsumptions: 10,
		MaxAge:          time.Hour,
	})
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestPing(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestInMemoryStoresAreIsolated(t *testing.T) {
	a := openTestStore(t)
	b := openTestStore(t)

	insertMessage(t, a, "orders", "m1", `{}`, "p", 1)

	rows, err := b.RecentMessages(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
