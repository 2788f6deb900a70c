package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists journals in PostgreSQL. Appends to one key are
// serialized with a transaction-scoped advisory lock on the key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS journal_events (
			entity_key TEXT NOT NULL,
			seq BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			payload BYTEA NOT NULL,
			PRIMARY KEY (entity_key, seq)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init journal schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, key string, payload []byte) (int64, error) {
	if key == "" {
		return 0, ErrEmptyKey
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return 0, unavailable("lock key", err)
	}
	var seq int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM journal_events WHERE entity_key=$1`, key,
	).Scan(&seq); err != nil {
		return 0, unavailable("next sequence", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO journal_events (entity_key, seq, created_at, payload) VALUES ($1, $2, $3, $4)`,
		key, seq, time.Now().UTC(), payload,
	); err != nil {
		return 0, unavailable("insert event", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, unavailable("commit", err)
	}
	return seq, nil
}

func (s *PostgresStore) ReadAll(ctx context.Context, key string) ([]Event, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	rows, err := s.pool.Query(ctx,
		`SELECT entity_key, seq, created_at, payload FROM journal_events WHERE entity_key=$1 ORDER BY seq ASC`,
		key,
	)
	if err != nil {
		return nil, unavailable("query events", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Key, &ev.Sequence, &ev.CreatedAt, &ev.Payload); err != nil {
			return nil, unavailable("scan event row", err)
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate event rows", err)
	}
	return events, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
