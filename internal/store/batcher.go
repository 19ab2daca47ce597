package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/venantvr-pubsub/pubsub-relay/internal/monitoring"
	"github.com/venantvr-pubsub/pubsub-relay/internal/queue"
)

// Command is one deferred write. Commands are executed in enqueue order
// inside a single transaction per flush.
type Command interface {
	exec(ctx context.Context, tx execer) error
	kind() string
}

// execer is satisfied by *sql.Tx; tests substitute a recorder.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RegisterSubscription upserts one (sid, topic) subscription row.
type RegisterSubscription struct {
	SID         string
	Consumer    string
	Topic       string
	ConnectedAt float64
}

func (c RegisterSubscription) exec(ctx context.Context, tx execer) error {
	_, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO subscriptions (sid, consumer, topic, connected_at) VALUES (?, ?, ?, ?)",
		c.SID, c.Consumer, c.Topic, c.ConnectedAt)
	return err
}

func (c RegisterSubscription) kind() string { return "register_subscription" }

// SaveMessage appends one published message.
type SaveMessage struct {
	Topic     string
	MessageID string
	Body      string
	Producer  string
	Timestamp float64
}

func (c SaveMessage) exec(ctx context.Context, tx execer) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO messages (topic, message_id, message, producer, timestamp) VALUES (?, ?, ?, ?, ?)",
		c.Topic, c.MessageID, c.Body, c.Producer, c.Timestamp)
	return err
}

func (c SaveMessage) kind() string { return "save_message" }

// SaveConsumption appends one delivery acknowledgement.
type SaveConsumption struct {
	Consumer  string
	Topic     string
	MessageID string
	Body      string
	Timestamp float64
}

func (c SaveConsumption) exec(ctx context.Context, tx execer) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO consumptions (consumer, topic, message_id, message, timestamp) VALUES (?, ?, ?, ?, ?)",
		c.Consumer, c.Topic, c.MessageID, c.Body, c.Timestamp)
	return err
}

func (c SaveConsumption) kind() string { return "save_consumption" }

// UnregisterClient removes every subscription row for a session.
type UnregisterClient struct {
	SID string
}

func (c UnregisterClient) exec(ctx context.Context, tx execer) error {
	_, err := tx.ExecContext(ctx,
		"DELETE FROM subscriptions WHERE sid = ?", c.SID)
	return err
}

func (c UnregisterClient) kind() string { return "unregister_client" }

// Batcher coalesces write commands into transactions. Writers never
// block: Enqueue pushes onto an unbounded queue drained by a single
// goroutine that flushes on a timer tick or when the buffer fills.
type Batcher struct {
	store  *Store
	logger zerolog.Logger

	pending    *queue.Queue[Command]
	batchSize  int
	flushEvery time.Duration

	done chan struct{}
}

// NewBatcher builds a batcher over the store. Call Start to begin
// draining.
func NewBatcher(store *Store, batchSize int, flushEvery time.Duration, logger zerolog.Logger) *Batcher {
	return &Batcher{
		store:      store,
		logger:     logger.With().Str("component", "batcher").Logger(),
		pending:    queue.New[Command](),
		batchSize:  batchSize,
		flushEvery: flushEvery,
		done:       make(chan struct{}),
	}
}

// Start launches the drain loop.
func (b *Batcher) Start() {
	go b.run()
}

// Enqueue hands a command to the drain loop. Commands enqueued after
// Stop are dropped.
func (b *Batcher) Enqueue(cmd Command) {
	if !b.pending.Push(cmd) {
		b.logger.Warn().Str("kind", cmd.kind()).Msg("Command dropped after shutdown")
	}
}

// Stop closes the intake, waits for the loop to flush what remains and
// returns.
func (b *Batcher) Stop() {
	b.pending.Close()
	<-b.done
}

func (b *Batcher) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.flushEvery)
	defer ticker.Stop()

	buf := make([]Command, 0, b.batchSize)

	for {
		select {
		case cmd, ok := <-b.pending.Out():
			if !ok {
				b.flush(buf)
				return
			}
			buf = append(buf, cmd)
			// Drain whatever is already queued before deciding to
			// flush, so a burst lands in one transaction.
		fill:
			for len(buf) < b.batchSize {
				select {
				case cmd, ok := <-b.pending.Out():
					if !ok {
						b.flush(buf)
						return
					}
					buf = append(buf, cmd)
				default:
					break fill
				}
			}
			if len(buf) >= b.batchSize {
				b.flush(buf)
				buf = buf[:0]
			}
		case <-ticker.C:
			if len(buf) > 0 {
				b.flush(buf)
				buf = buf[:0]
			}
		}
	}
}

// flush executes the batch in one transaction. On the first command
// error the transaction rolls back and the whole batch is dropped;
// durability here is best effort and the live fan-out has already
// happened.
func (b *Batcher) flush(batch []Command) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := b.store.db.BeginTx(ctx, nil)
	if err != nil {
		monitoring.IncBatchesDropped()
		b.logger.Error().Err(err).Int("commands", len(batch)).Msg("Failed to begin batch transaction, dropping batch")
		return
	}

	for _, cmd := range batch {
		if cerr := cmd.exec(ctx, tx); cerr != nil {
			tx.Rollback()
			monitoring.IncBatchesDropped()
			b.logger.Error().Err(cerr).Str("kind", cmd.kind()).Int("commands", len(batch)).
				Msg("Batch command failed, dropping batch")
			return
		}
	}

	if err := tx.Commit(); err != nil {
		monitoring.IncBatchesDropped()
		b.logger.Error().Err(err).Int("commands", len(batch)).Msg("Failed to commit batch, dropping batch")
		return
	}

	monitoring.IncBatchFlushes()
	monitoring.AddBatchCommands(len(batch))
	b.logger.Debug().Int("commands", len(batch)).Msg("Batch committed")
}
