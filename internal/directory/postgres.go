package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initDirectorySchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initDirectorySchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS participants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init directory schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) RoomDescriptor(ctx context.Context, id string) (RoomDescriptor, error) {
	var d RoomDescriptor
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description FROM rooms WHERE id=$1`, id,
	).Scan(&d.ID, &d.Name, &d.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return RoomDescriptor{}, fmt.Errorf("room %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return RoomDescriptor{}, fmt.Errorf("query room: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) ParticipantDescriptor(ctx context.Context, id string) (ParticipantDescriptor, error) {
	var d ParticipantDescriptor
	err := s.pool.QueryRow(ctx,
		`SELECT id, name FROM participants WHERE id=$1`, id,
	).Scan(&d.ID, &d.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return ParticipantDescriptor{}, fmt.Errorf("participant %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return ParticipantDescriptor{}, fmt.Errorf("query participant: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) PutRoom(ctx context.Context, room RoomDescriptor) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rooms (id, name, description) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, description=EXCLUDED.description`,
		room.ID, room.Name, room.Description,
	)
	if err != nil {
		return fmt.Errorf("upsert room: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutParticipant(ctx context.Context, participant ParticipantDescriptor) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO participants (id, name) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name`,
		participant.ID, participant.Name,
	)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
