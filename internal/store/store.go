// Package store is the transactional gateway to the embedded SQLite
// database: schema migrations, parameterized queries for the four
// record kinds, the retention sweep and the batched write pipeline.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/venantvr-pubsub/pubsub-relay/internal/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type migration struct {
	version int
	name    string
	file    string
}

// Applied in order; versions already recorded in schema_migrations are
// skipped.
var migrations = []migration{
	{1, "create_messages_and_consumptions", "migrations/001_create_messages_and_consumptions.sql"},
	{2, "add_timestamp_indexes", "migrations/002_add_timestamp_indexes.sql"},
	{3, "add_subscriptions_table", "migrations/003_add_subscriptions_table.sql"},
}

// maxConns caps the connection pool so the store cannot be overwhelmed
// by concurrent dashboard reads during a sweep.
const maxConns = 10

// memSeq disambiguates shared in-memory databases across Opens within
// one process (tests open several stores).
var memSeq atomic.Int64

// RetentionPolicy bounds how much history the store keeps.
type RetentionPolicy struct {
	MaxMessages     int64
	MaxConsumptions int64
	MaxAge          time.Duration
}

// Store wraps the SQLite pool.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	// keepAlive pins one connection for in-memory databases; a shared
	// in-memory database is destroyed when its last connection closes.
	keepAlive *sql.Conn
}

// MessageRow is a raw messages row; the body is the stored text, not
// yet validated as JSON.
type MessageRow struct {
	Topic     string
	MessageID string
	Body      string
	Producer  string
	Timestamp float64
}

// ConsumptionRow is a raw consumptions row.
type ConsumptionRow struct {
	Consumer  string
	Topic     string
	MessageID string
	Body      string
	Timestamp float64
}

func dsn(path string) string {
	base := "file:" + path
	if path == ":memory:" {
		base = fmt.Sprintf("file:relaymem%d?mode=memory&cache=shared", memSeq.Add(1))
	}

	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"cache_size(-128000)",
		"temp_store(MEMORY)",
		"mmap_size(536870912)",
		"page_size(8192)",
		"auto_vacuum(INCREMENTAL)",
		"busy_timeout(5000)",
		"wal_autocheckpoint(1000)",
	}

	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(base)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteString(sep)
		} else {
			b.WriteString("&")
		}
		b.WriteString("_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

// Open connects to the database at path (":memory:" for an in-memory
// store), applies pending migrations and refreshes planner statistics.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}

	if path == ":memory:" {
		conn, err := db.Conn(ctx)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to pin in-memory connection: %w", err)
		}
		s.keepAlive = conn
	}

	if err := db.PingContext(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Truncate any WAL left over from a previous run.
	db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")

	if err := s.migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, "ANALYZE"); err != nil {
		s.logger.Warn().Err(err).Msg("ANALYZE failed")
	}

	s.logger.Info().Str("database", path).Msg("Database initialization complete")
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at REAL NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied int
		err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.version, err)
		}
		if applied > 0 {
			s.logger.Debug().Int("version", m.version).Msg("Migration already applied, skipping")
			continue
		}

		s.logger.Info().Int("version", m.version).Str("name", m.name).Msg("Running migration")

		raw, err := migrationFS.ReadFile(m.file)
		if err != nil {
			return fmt.Errorf("failed to read migration %d: %w", m.version, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, string(raw)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			m.version, m.name, types.Now()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// DB exposes the pool for the batcher and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping probes the store for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	if s.keepAlive != nil {
		s.keepAlive.Close()
	}
	return s.db.Close()
}

// RecentMessages returns the newest rows by timestamp, descending.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]MessageRow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT topic, message_id, message, producer, timestamp FROM messages ORDER BY timestamp DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	out := make([]MessageRow, 0, limit)
	for rows.Next() {
		var r MessageRow
		if err := rows.Scan(&r.Topic, &r.MessageID, &r.Body, &r.Producer, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentConsumptions returns the newest rows by timestamp, descending.
func (s *Store) RecentConsumptions(ctx context.Context, limit int) ([]ConsumptionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT consumer, topic, message_id, message, timestamp FROM consumptions ORDER BY timestamp DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query consumptions: %w", err)
	}
	defer rows.Close()

	out := make([]ConsumptionRow, 0, limit)
	for rows.Next() {
		var r ConsumptionRow
		if err := rows.Scan(&r.Consumer, &r.Topic, &r.MessageID, &r.Body, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan consumption row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DistinctProducers lists every producer seen in messages.
func (s *Store) DistinctProducers(ctx context.Context) ([]string, error) {
	return s.stringColumn(ctx, "SELECT DISTINCT producer FROM messages")
}

// DistinctConsumers lists every consumer seen in subscriptions or
// consumptions.
func (s *Store) DistinctConsumers(ctx context.Context) ([]string, error) {
	return s.stringColumn(ctx,
		"SELECT DISTINCT consumer FROM subscriptions UNION SELECT DISTINCT consumer FROM consumptions")
}

// DistinctTopics lists every topic seen in messages or subscriptions.
func (s *Store) DistinctTopics(ctx context.Context) ([]string, error) {
	return s.stringColumn(ctx,
		"SELECT DISTINCT topic FROM messages UNION SELECT DISTINCT topic FROM subscriptions")
}

// SubscriptionLinks returns (topic, consumer) pairs for consume edges.
func (s *Store) SubscriptionLinks(ctx context.Context) ([][2]string, error) {
	return s.pairColumn(ctx, "SELECT topic, consumer FROM subscriptions")
}

// PublishLinks returns distinct (producer, topic) pairs for publish
// edges.
func (s *Store) PublishLinks(ctx context.Context) ([][2]string, error) {
	return s.pairColumn(ctx, "SELECT DISTINCT producer, topic FROM messages")
}

func (s *Store) stringColumn(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) pairColumn(ctx context.Context, query string) ([][2]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := [][2]string{}
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return nil, err
		}
		out = append(out, [2]string{a, b})
	}
	return out, rows.Err()
}

// Purge removes messages outside the newest MaxMessages by timestamp or
// older than now-MaxAge, then the same for consumptions, in a single
// transaction. Any error rolls back the whole sweep. Returns the number
// of rows deleted.
func (s *Store) Purge(ctx context.Context, now time.Time, policy RetentionPolicy) (int64, error) {
	cutoff := types.EpochSeconds(now.Add(-policy.MaxAge))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge transaction: %w", err)
	}

	var total int64

	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE id NOT IN (
			SELECT id FROM messages ORDER BY timestamp DESC LIMIT ?
		) OR timestamp < ?`,
		policy.MaxMessages, cutoff)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to purge messages: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = tx.ExecContext(ctx,
		`DELETE FROM consumptions WHERE id NOT IN (
			SELECT id FROM consumptions ORDER BY timestamp DESC LIMIT ?
		) OR timestamp < ?`,
		policy.MaxConsumptions, cutoff)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to purge consumptions: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return total, nil
}
