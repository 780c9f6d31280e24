package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TableNames holds the prefixed table and channel names used by the store.
type TableNames struct {
	Chats    string
	Messages string
	Reports  string
	Channel  string
}

// NewTableNames creates table names with the given prefix, e.g. "test_".
func NewTableNames(prefix string) TableNames {
	return TableNames{
		Chats:    prefix + "chats",
		Messages: prefix + "messages",
		Reports:  prefix + "chat_reports",
		Channel:  prefix + "chat_messages",
	}
}

// Connect creates a pgx pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2

	// PgBouncer in transaction mode (6543) cannot hold prepared statements.
	if config.ConnConfig.Port == 6543 && config.ConnConfig.DefaultQueryExecMode == pgx.QueryExecModeCacheStatement {
		config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheDescribe
		log.Printf("[postgres] using cache_describe mode for pooler port 6543")
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Migrate creates the tables when they do not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool, tables TableNames) error {
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id               TEXT PRIMARY KEY,
				user_id          TEXT NOT NULL,
				avatar_id        TEXT NOT NULL,
				created_at       TIMESTAMPTZ NOT NULL,
				last_modified_at TIMESTAMPTZ NOT NULL
			)`, tables.Chats),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_user_id_idx ON %s (user_id)`, tables.Chats, tables.Chats),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id         TEXT PRIMARY KEY,
				chat_id    TEXT NOT NULL,
				author_id  TEXT NOT NULL,
				role       TEXT NOT NULL,
				text       TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				seen_by    TEXT[] NOT NULL DEFAULT '{}'
			)`, tables.Messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_chat_order_idx ON %s (chat_id, created_at, id)`, tables.Messages, tables.Messages),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id         TEXT PRIMARY KEY,
				chat_id    TEXT NOT NULL,
				user_id    TEXT NOT NULL,
				avatar_id  TEXT NOT NULL,
				reason     TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL
			)`, tables.Reports),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// IsPgNoRowsError checks if error is a "no rows" error
func IsPgNoRowsError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsPgDuplicateError checks if error is a unique constraint violation
func IsPgDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 23505 = unique_violation
		return pgErr.Code == "23505"
	}
	return false
}
