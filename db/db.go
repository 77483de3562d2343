// Package db provides the Postgres store behind the chat log, event log, storm
// counters, key/value state and bot credentials.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/chatrelay/crypto"
)

// Store wraps a connection pool. Every write is a single statement or a short
// transaction; callers never hold locks across calls.
type Store struct {
	DB     *sql.DB
	sealer *crypto.Sealer
}

// Connect opens a Postgres pool for dsn.
func Connect(dsn string) (*sql.DB, error) {
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	database.SetMaxOpenConns(10)
	database.SetMaxIdleConns(5)
	database.SetConnMaxIdleTime(5 * time.Minute)
	return database, nil
}

// New returns a Store. sealer may be nil, in which case tokens are kept in plaintext.
func New(database *sql.DB, sealer *crypto.Sealer) *Store {
	return &Store{DB: database, sealer: sealer}
}

// Ping checks connectivity with a short timeout.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.DB.PingContext(ctx)
}

// Migrate applies idempotent schema changes for all required tables and indices.
// It is the fallback when versioned migrations cannot run.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_log (
			id BIGSERIAL PRIMARY KEY,
			time TIMESTAMPTZ NOT NULL,
			sender TEXT NOT NULL,
			target TEXT NOT NULL,
			message TEXT NOT NULL,
			display_name TEXT,
			color TEXT,
			badges TEXT,
			emotes TEXT,
			msgid TEXT,
			action BOOLEAN NOT NULL DEFAULT FALSE,
			roles TEXT,
			tags JSONB,
			message_html TEXT,
			deleted BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS event_log (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			time TIMESTAMPTZ NOT NULL,
			data JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS storm (
			date DATE NOT NULL,
			kind TEXT NOT NULL,
			count BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (date, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value JSONB NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			encryption_version INTEGER DEFAULT 0,
			encryption_key_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_log_time ON chat_log(time)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_log_sender_time ON chat_log(sender, time)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_log_msgid ON chat_log(msgid)`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_kind_time ON event_log(kind, time)`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_time ON event_log(time)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// isRetryable reports serialization failures and deadlocks, which are safe to retry.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
