package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingCommand poisons a batch to exercise rollback.
type failingCommand struct{}

func (failingCommand) exec(ctx context.Context, tx execer) error {
	return errors.New("poisoned")
}

func (failingCommand) kind() string { return "failing" }

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestBatcherFlushesOnTick(t *testing.T) {
	s := openTestStore(t)
	b := NewBatcher(s, 500, 5*time.Millisecond, zerolog.Nop())
	b.Start()
	defer b.Stop()

	b.Enqueue(SaveMessage{Topic: "orders", MessageID: "m1", Body: `{"n":1}`, Producer: "p", Timestamp: 1})
	b.Enqueue(SaveConsumption{Consumer: "w", Topic: "orders", MessageID: "m1", Body: `{"n":1}`, Timestamp: 2})

	require.Eventually(t, func() bool {
		return countRows(t, s, "messages") == 1 && countRows(t, s, "consumptions") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBatcherFlushesWhenBufferFills(t *testing.T) {
	s := openTestStore(t)
	// Huge tick so only the size threshold can trigger the flush.
	b := NewBatcher(s, 10, time.Hour, zerolog.Nop())
	b.Start()
	defer b.Stop()

	for i := 0; i < 25; i++ {
		b.Enqueue(SaveMessage{Topic: "orders", MessageID: "m", Body: `{}`, Producer: "p", Timestamp: float64(i)})
	}

	require.Eventually(t, func() bool {
		return countRows(t, s, "messages") >= 20
	}, time.Second, 5*time.Millisecond)
}

func TestBatcherStopFlushesRemainder(t *testing.T) {
	s := openTestStore(t)
	b := NewBatcher(s, 500, time.Hour, zerolog.Nop())
	b.Start()

	for i := 0; i < 7; i++ {
		b.Enqueue(SaveMessage{Topic: "orders", MessageID: "m", Body: `{}`, Producer: "p", Timestamp: float64(i)})
	}
	b.Stop()

	assert.Equal(t, 7, countRows(t, s, "messages"))
}

func TestBatcherDropsPoisonedBatch(t *testing.T) {
	s := openTestStore(t)
	b := NewBatcher(s, 500, time.Hour, zerolog.Nop())
	b.Start()

	b.Enqueue(SaveMessage{Topic: "orders", MessageID: "before", Body: `{}`, Producer: "p", Timestamp: 1})
	b.Enqueue(failingCommand{})
	b.Enqueue(SaveMessage{Topic: "orders", MessageID: "after", Body: `{}`, Producer: "p", Timestamp: 2})
	b.Stop()

	// The whole batch rolled back, including commands before and after
	// the failure.
	assert.Equal(t, 0, countRows(t, s, "messages"))
}

func TestBatcherSubscriptionLifecycle(t *testing.T) {
	s := openTestStore(t)
	b := NewBatcher(s, 500, 5*time.Millisecond, zerolog.Nop())
	b.Start()

	b.Enqueue(RegisterSubscription{SID: "sid-1", Consumer: "w", Topic: "orders", ConnectedAt: 1})
	// Re-registering the same (sid, ...) replaces the row.
	b.Enqueue(RegisterSubscription{SID: "sid-1", Consumer: "w", Topic: "orders", ConnectedAt: 2})

	require.Eventually(t, func() bool {
		return countRows(t, s, "subscriptions") == 1
	}, time.Second, 5*time.Millisecond)

	b.Enqueue(UnregisterClient{SID: "sid-1"})
	b.Stop()

	assert.Equal(t, 0, countRows(t, s, "subscriptions"))
}

func TestBatcherEnqueueAfterStop(t *testing.T) {
	s := openTestStore(t)
	b := NewBatcher(s, 500, time.Hour, zerolog.Nop())
	b.Start()
	b.Stop()

	// Dropped silently, must not panic or block.
	b.Enqueue(SaveMessage{Topic: "orders", MessageID: "m", Body: `{}`, Producer: "p", Timestamp: 1})
	assert.Equal(t, 0, countRows(t, s, "messages"))
}
